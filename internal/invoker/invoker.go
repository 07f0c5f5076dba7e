// Package invoker provides the default types.Invoker implementation:
// a bare goroutine tracked by a sync.WaitGroup, constructed explicitly
// per node so it doesn't reach for global state to control its own
// goroutines.
package invoker

import "sync"

// Real spawns goroutines tracked by an internal WaitGroup.
type Real struct {
	group sync.WaitGroup
}

// New builds a ready-to-use Real invoker.
func New() *Real {
	return &Real{}
}

// Spawn runs f in a new goroutine tracked by this invoker.
func (r *Real) Spawn(f func()) {
	r.group.Add(1)
	go func() {
		defer r.group.Done()
		f()
	}()
}

// Stop blocks until every spawned goroutine has returned.
func (r *Real) Stop() {
	r.group.Wait()
}
