// Package testutil provides test-only types.Invoker doubles for tests
// that need real concurrency, deterministic synchronous execution, or
// both.
package testutil

import "sync"

// WaitGroupInvoker spawns real goroutines tracked by a WaitGroup, for
// tests that need genuine concurrency but deterministic shutdown via
// Stop.
type WaitGroupInvoker struct {
	group sync.WaitGroup
}

// NewWaitGroupInvoker builds a ready-to-use WaitGroupInvoker.
func NewWaitGroupInvoker() *WaitGroupInvoker {
	return &WaitGroupInvoker{}
}

func (w *WaitGroupInvoker) Spawn(f func()) {
	w.group.Add(1)
	go func() {
		defer w.group.Done()
		f()
	}()
}

func (w *WaitGroupInvoker) Stop() {
	w.group.Wait()
}

// SynchronousInvoker runs every spawned function inline on the
// caller's goroutine. Driver-loop code written against types.Invoker
// doesn't know the difference, but tests asserting on event ordering
// (e.g. "the confirmation was sent before CheckScheduler returns") can
// use this to remove goroutine scheduling as a source of flakiness.
type SynchronousInvoker struct{}

func (SynchronousInvoker) Spawn(f func()) { f() }
func (SynchronousInvoker) Stop()          {}
