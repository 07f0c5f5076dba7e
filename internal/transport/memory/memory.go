// Package memory implements an in-process Transport, modeled on the
// original qaul.net `netmod-mem` crate's MemMod: every endpoint
// registers with a shared Medium, and sending to a peer looks up and
// writes directly to that peer's inbound channel. This backs the
// Local connection module in tests.
package memory

import (
	"fmt"
	"sync"

	"github.com/qaul-go/meshcore/internal/transport"
	"github.com/qaul-go/meshcore/internal/types"
)

// Medium is the shared "transmission medium" every Endpoint registers
// with, the Go analogue of netmod-mem's Io pairing but generalized to
// an arbitrary number of endpoints rather than a single 1-to-1 link.
type Medium struct {
	mu      sync.RWMutex
	inboxes map[types.PeerID]chan transport.Inbound
}

// NewMedium builds an empty shared medium.
func NewMedium() *Medium {
	return &Medium{inboxes: make(map[types.PeerID]chan transport.Inbound)}
}

// Endpoint is one node's Transport over a Medium.
type Endpoint struct {
	self   types.PeerID
	medium *Medium
	inbox  chan transport.Inbound
	closed chan struct{}
	once   sync.Once
}

// NewEndpoint registers self with medium and returns its Transport.
// Panics if self is already registered, mirroring MemMod.link's
// "already linked" panic.
func NewEndpoint(medium *Medium, self types.PeerID) *Endpoint {
	medium.mu.Lock()
	defer medium.mu.Unlock()
	if _, ok := medium.inboxes[self]; ok {
		panic(fmt.Sprintf("memory transport: %s already registered on this medium", self))
	}
	inbox := make(chan transport.Inbound, 256)
	medium.inboxes[self] = inbox
	return &Endpoint{self: self, medium: medium, inbox: inbox, closed: make(chan struct{})}
}

// Send writes frame directly into peer's inbox, if peer is currently
// registered on the same medium.
func (e *Endpoint) Send(peer types.PeerID, frame []byte) error {
	e.medium.mu.RLock()
	target, ok := e.medium.inboxes[peer]
	e.medium.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memory transport: peer %s not reachable", peer)
	}
	select {
	case target <- transport.Inbound{From: e.self, Frame: frame}:
		return nil
	case <-e.closed:
		return fmt.Errorf("memory transport: endpoint %s closed", e.self)
	}
}

// Listen returns the channel inbound frames are delivered on.
func (e *Endpoint) Listen() <-chan transport.Inbound {
	return e.inbox
}

// Close deregisters this endpoint from its medium and closes its
// inbox, unblocking any pending Listen receivers.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.medium.mu.Lock()
		delete(e.medium.inboxes, e.self)
		e.medium.mu.Unlock()
		close(e.closed)
		close(e.inbox)
	})
	return nil
}

var _ transport.Transport = (*Endpoint)(nil)
