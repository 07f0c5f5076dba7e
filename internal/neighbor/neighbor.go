// Package neighbor implements the per-link neighbor table: the set of
// directly reachable peers, tagged by connection module, populated by
// round-trip probes.
package neighbor

import (
	"math"
	"sync"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/types"
)

// DefaultStaleAfterMillis is the default window (30s) after which a
// neighbor with no pings is considered stale.
const DefaultStaleAfterMillis = 30_000

// Entry is one (peer, module) neighbor record.
type Entry struct {
	RTTMicros  uint32
	LastSeenMs uint64
}

// Table is the neighbor table for every connection module.
type Table struct {
	mu   sync.RWMutex
	byMod map[types.ConnectionModule]map[types.PeerID]Entry

	staleAfterMs uint64
	metrics      *metrics.Set
}

// New builds an empty neighbor table.
func New(metricsSet *metrics.Set) *Table {
	return &Table{
		byMod:        make(map[types.ConnectionModule]map[types.PeerID]Entry),
		staleAfterMs: DefaultStaleAfterMillis,
		metrics:      metricsSet,
	}
}

// SetStaleAfter overrides the default staleness window, in milliseconds.
func (t *Table) SetStaleAfter(ms uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staleAfterMs = ms
}

// UpdateNode upserts a neighbor entry for (module, peerID), clamping
// rttMicros to the saturating uint32 maximum on overflow and refreshing
// last_seen_ms to now. A peer with module == ModuleNone is never stored
// as a neighbor.
func (t *Table) UpdateNode(module types.ConnectionModule, peerID types.PeerID, rttMicros uint64) {
	if module == types.ModuleNone {
		return
	}

	clamped := uint32(math.MaxUint32)
	if rttMicros < math.MaxUint32 {
		clamped = uint32(rttMicros)
	}

	t.mu.Lock()
	slice, ok := t.byMod[module]
	if !ok {
		slice = make(map[types.PeerID]Entry)
		t.byMod[module] = slice
	}
	slice[peerID] = Entry{RTTMicros: clamped, LastSeenMs: clock.NowMillis()}
	total := t.countLocked()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.NeighborsTotal.WithLabelValues(module.String()).Set(float64(len(slice)))
		t.metrics.NeighborsAllTotal.Set(float64(total))
	}
}

// IsNeighbor returns the connection module with the lowest RTT over
// which peerID is directly reachable, or ModuleNone if peerID is not a
// current neighbor on any module.
func (t *Table) IsNeighbor(peerID types.PeerID) types.ConnectionModule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := types.ModuleNone
	var bestRTT uint32
	for module, slice := range t.byMod {
		entry, ok := slice[peerID]
		if !ok {
			continue
		}
		if best == types.ModuleNone || entry.RTTMicros < bestRTT {
			best = module
			bestRTT = entry.RTTMicros
		}
	}
	return best
}

// Lookup returns the full entry for (peerID, module), if present.
func (t *Table) Lookup(module types.ConnectionModule, peerID types.PeerID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slice, ok := t.byMod[module]
	if !ok {
		return Entry{}, false
	}
	e, ok := slice[peerID]
	return e, ok
}

// Remove evicts peerID across every connection module.
func (t *Table) Remove(peerID types.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for module, slice := range t.byMod {
		delete(slice, peerID)
		if t.metrics != nil {
			t.metrics.NeighborsTotal.WithLabelValues(module.String()).Set(float64(len(slice)))
		}
	}
}

// EvictStale removes every neighbor entry whose last_seen_ms is older
// than the staleness window, returning the peer ids evicted entirely
// (no remaining module reached them). Eviction is lazy: it only runs
// when a caller (typically the driver loop, once per tick) calls this,
// not on a background timer.
func (t *Table) EvictStale() []types.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := clock.NowMillis()
	stillReachable := make(map[types.PeerID]bool)
	staleCandidates := make(map[types.PeerID]bool)

	for module, slice := range t.byMod {
		for peerID, entry := range slice {
			if now-entry.LastSeenMs >= t.staleAfterMs {
				delete(slice, peerID)
				staleCandidates[peerID] = true
			} else {
				stillReachable[peerID] = true
			}
		}
		if t.metrics != nil {
			t.metrics.NeighborsTotal.WithLabelValues(module.String()).Set(float64(len(slice)))
		}
	}

	var evicted []types.PeerID
	for peerID := range staleCandidates {
		if !stillReachable[peerID] {
			evicted = append(evicted, peerID)
		}
	}
	return evicted
}

// Snapshot returns every currently-known (module, peer) pair. Used by
// the flooder to address every current neighbor and by tests.
func (t *Table) Snapshot() map[types.ConnectionModule][]types.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.ConnectionModule][]types.PeerID, len(t.byMod))
	for module, slice := range t.byMod {
		peers := make([]types.PeerID, 0, len(slice))
		for peerID := range slice {
			peers = append(peers, peerID)
		}
		out[module] = peers
	}
	return out
}

func (t *Table) countLocked() int {
	seen := make(map[types.PeerID]bool)
	for _, slice := range t.byMod {
		for peerID := range slice {
			seen[peerID] = true
		}
	}
	return len(seen)
}
