// Package connections implements the per-module connection tables:
// for each transport, the routing advertisements most recently
// received from each neighbor.
package connections

import (
	"sync"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/types"
)

// RouteEntry is one advertised destination from a neighbor's routing
// advertisement.
type RouteEntry struct {
	Destination  types.PeerID
	HopCount     uint32
	RTTSumMicros uint32
	ViaNeighbor  types.PeerID
	ReceivedAtMs uint64
	ViaModule    types.ConnectionModule
}

// Tables holds, per module, a mapping neighbor -> (advertised
// destination -> entry). Ingestion of a new advertisement from a
// neighbor replaces that neighbor's entire slice in the module's table
// — it is never merged with the previous snapshot, since an
// advertisement is a full picture of the neighbor's knowledge as of
// when it was emitted.
type Tables struct {
	mu sync.RWMutex

	// byModule[module][neighbor][destination] = entry
	byModule map[types.ConnectionModule]map[types.PeerID]map[types.PeerID]RouteEntry

	// dirty is raised on every ingestion or removal; the routing table
	// rebuild loop polls and clears it.
	dirty bool

	onDirty func()
}

// New builds empty connection tables. onDirty, if non-nil, is invoked
// synchronously every time the dirty bit transitions from clean to
// dirty — callers typically use it to wake a routing-table rebuild
// goroutine rather than busy-polling.
func New(onDirty func()) *Tables {
	return &Tables{
		byModule: make(map[types.ConnectionModule]map[types.PeerID]map[types.PeerID]RouteEntry),
		onDirty:  onDirty,
	}
}

// Ingest replaces neighbor N's slice of module M's table with routes,
// a full snapshot of N's knowledge at emit time. Always marks the
// routing table dirty, even if routes is empty (the neighbor may have
// withdrawn every route it previously advertised).
func (t *Tables) Ingest(module types.ConnectionModule, neighbor types.PeerID, routes []RouteEntry) {
	now := clock.NowMillis()

	t.mu.Lock()
	slice, ok := t.byModule[module]
	if !ok {
		slice = make(map[types.PeerID]map[types.PeerID]RouteEntry)
		t.byModule[module] = slice
	}

	fresh := make(map[types.PeerID]RouteEntry, len(routes))
	for _, r := range routes {
		r.ViaNeighbor = neighbor
		r.ViaModule = module
		r.ReceivedAtMs = now
		fresh[r.Destination] = r
	}
	slice[neighbor] = fresh
	t.markDirtyLocked()
	t.mu.Unlock()
}

// RemoveNeighbor drops every route advertised by neighbor across every
// module, used when the neighbor table evicts a stale neighbor.
func (t *Tables) RemoveNeighbor(neighbor types.PeerID) {
	t.mu.Lock()
	changed := false
	for _, slice := range t.byModule {
		if _, ok := slice[neighbor]; ok {
			delete(slice, neighbor)
			changed = true
		}
	}
	if changed {
		t.markDirtyLocked()
	}
	t.mu.Unlock()
}

func (t *Tables) markDirtyLocked() {
	wasDirty := t.dirty
	t.dirty = true
	if !wasDirty && t.onDirty != nil {
		t.onDirty()
	}
}

// TakeDirty reports whether the table has been mutated since the last
// call and clears the flag.
func (t *Tables) TakeDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.dirty
	t.dirty = false
	return d
}

// AllRoutes returns every (module, neighbor, entry) currently known,
// used by the routing table to rebuild its candidate set.
func (t *Tables) AllRoutes() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []RouteEntry
	for _, slice := range t.byModule {
		for _, routes := range slice {
			for _, r := range routes {
				out = append(out, r)
			}
		}
	}
	return out
}

// RoutesFrom returns the entries neighbor is currently advertising
// over module, or nil if it advertises none.
func (t *Tables) RoutesFrom(module types.ConnectionModule, neighbor types.PeerID) []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slice, ok := t.byModule[module]
	if !ok {
		return nil
	}
	routes, ok := slice[neighbor]
	if !ok {
		return nil
	}
	out := make([]RouteEntry, 0, len(routes))
	for _, r := range routes {
		out = append(out, r)
	}
	return out
}
