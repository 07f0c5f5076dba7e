// Package routing implements the global routing table: cross-module
// aggregation of connection-table advertisements into one best
// next-hop per destination.
package routing

import (
	"sort"
	"sync/atomic"

	"github.com/qaul-go/meshcore/internal/connections"
	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/types"
)

// Rebuild recomputes the table every time it is called. The core
// driver loop is responsible for not calling it more often than the
// configured rebuild interval (default 1s); this package itself stays
// stateless about timing and only exposes Rebuild/RouteTo.

// Route is the elected next-hop for one destination.
type Route struct {
	NextHop      types.PeerID
	Module       types.ConnectionModule
	HopCount     uint32
	RTTSumMicros uint32
}

// Score returns hop_count*1_000_000 + rtt_sum_micros, the ranking
// value used to compare routes. It is informational only; candidate
// selection below compares fields directly to stay correct even when
// rtt_sum_micros would overflow the combined score.
func (r Route) Score() uint64 {
	return uint64(r.HopCount)*1_000_000 + uint64(r.RTTSumMicros)
}

// Table is the routing table: one elected Route per destination,
// rebuilt wholesale from a connections.Tables snapshot. Readers take a
// copy-on-write snapshot via an atomic pointer, so a Rebuild in
// progress never exposes a partially-updated table — a lock-free way
// to keep every critical section short.
type Table struct {
	self types.PeerID
	src  *connections.Tables

	current atomic.Pointer[map[types.PeerID]Route]
	metrics *metrics.Set
}

// New builds a routing table that rebuilds from src and never routes
// to self.
func New(self types.PeerID, src *connections.Tables, metricsSet *metrics.Set) *Table {
	t := &Table{self: self, src: src, metrics: metricsSet}
	empty := make(map[types.PeerID]Route)
	t.current.Store(&empty)
	return t
}

// Rebuild recomputes the elected route for every destination from the
// current connection-table snapshot. Self is always excluded. Ties are
// broken, in order: lowest hop count, then lowest summed RTT, then
// module preference (Local > Lan > Internet > Ble), then lexicographic
// peer id.
func (t *Table) Rebuild() {
	byDestination := make(map[types.PeerID][]connections.RouteEntry)
	for _, entry := range t.src.AllRoutes() {
		if entry.Destination == t.self {
			continue
		}
		byDestination[entry.Destination] = append(byDestination[entry.Destination], entry)
	}

	next := make(map[types.PeerID]Route, len(byDestination))
	for dest, candidates := range byDestination {
		best := electBest(candidates)
		next[dest] = Route{
			NextHop:      best.ViaNeighbor,
			Module:       best.ViaModule,
			HopCount:     best.HopCount,
			RTTSumMicros: best.RTTSumMicros,
		}
	}

	t.current.Store(&next)

	if t.metrics != nil {
		t.metrics.RoutesTotal.Set(float64(len(next)))
		t.metrics.RebuildsTotal.Inc()
	}
}

// electBest picks the winning candidate by hop count, then RTT, then
// module preference, then peer id as a final tie-break. candidates
// must be non-empty.
func electBest(candidates []connections.RouteEntry) connections.RouteEntry {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.HopCount != b.HopCount {
			return a.HopCount < b.HopCount
		}
		if a.RTTSumMicros != b.RTTSumMicros {
			return a.RTTSumMicros < b.RTTSumMicros
		}
		ra, rb := a.ViaModule.PreferenceRank(), b.ViaModule.PreferenceRank()
		if ra != rb {
			return ra < rb
		}
		return a.ViaNeighbor.Less(b.ViaNeighbor)
	})
	return candidates[0]
}

// RouteTo looks up the elected next-hop for userID. RouteTo(self)
// always returns (Route{}, false).
func (t *Table) RouteTo(userID types.PeerID) (Route, bool) {
	if userID == t.self {
		return Route{}, false
	}
	snapshot := *t.current.Load()
	r, ok := snapshot[userID]
	return r, ok
}

// AdvertisedRoute is one row of a routing advertisement: a destination
// this node can reach, how many hops away and over which module it was
// learned, but deliberately not the next-hop peer — that is only
// meaningful to the advertiser, never to the node receiving the
// advertisement.
type AdvertisedRoute struct {
	Destination  types.PeerID
	HopCount     uint32
	RTTSumMicros uint32
	Module       types.ConnectionModule
}

// SnapshotForNeighbor returns every elected route except those whose
// current next-hop is neighbor itself — split horizon, so a neighbor
// is never told about a route that would loop back through it.
func (t *Table) SnapshotForNeighbor(neighbor types.PeerID) []AdvertisedRoute {
	snapshot := *t.current.Load()
	out := make([]AdvertisedRoute, 0, len(snapshot))
	for dest, r := range snapshot {
		if r.NextHop == neighbor {
			continue
		}
		out = append(out, AdvertisedRoute{
			Destination:  dest,
			HopCount:     r.HopCount,
			RTTSumMicros: r.RTTSumMicros,
			Module:       r.Module,
		})
	}
	return out
}

// AllRoutes returns every currently elected route, used for
// diagnostics and tests.
func (t *Table) AllRoutes() map[types.PeerID]Route {
	snapshot := *t.current.Load()
	out := make(map[types.PeerID]Route, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	return out
}
