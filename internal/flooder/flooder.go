// Package flooder implements the at-most-once network-wide
// dissemination queue, used by upper layers (feed, presence) to
// broadcast a payload to every neighbor exactly once.
package flooder

import (
	"crypto/sha256"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/neighbor"
	"github.com/qaul-go/meshcore/internal/types"
)

// DefaultDedupCapacity is the default size of the LRU digest cache.
const DefaultDedupCapacity = 4096

// Item is one queued flood payload.
type Item struct {
	Payload []byte
	Origin  types.PeerID
}

// Flooder is a FIFO of flood items with digest-based deduplication.
// Only the dedup set is bounded (DefaultDedupCapacity); the queue
// itself has no length limit.
type Flooder struct {
	mu      sync.Mutex
	queue   []Item
	seen    *lru.Cache
	metrics *metrics.Set
}

// New builds a Flooder with the default dedup capacity.
func New(metricsSet *metrics.Set) *Flooder {
	cache, err := lru.New(DefaultDedupCapacity)
	if err != nil {
		// lru.New only errors for a non-positive size, which never
		// happens with the package constant above.
		panic(err)
	}
	return &Flooder{seen: cache, metrics: metricsSet}
}

func digest(payload []byte) [16]byte {
	full := sha256.Sum256(payload)
	var d [16]byte
	copy(d[:], full[:16])
	return d
}

// Enqueue adds payload (received from or originated by origin) to the
// flood queue. Re-enqueueing a payload whose digest is already in the
// bounded LRU dedup set is a no-op; Enqueue reports whether the
// payload was newly admitted, so callers can distinguish first-seen
// floods (to hand to an upper-layer handler) from pure relay repeats.
func (f *Flooder) Enqueue(payload []byte, origin types.PeerID) bool {
	d := digest(payload)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seen.Contains(d) {
		if f.metrics != nil {
			f.metrics.FloodDropped.Inc()
		}
		return false
	}
	f.seen.Add(d, struct{}{})
	f.queue = append(f.queue, Item{Payload: payload, Origin: origin})
	return true
}

// Pop removes and returns the head of the queue, if any.
func (f *Flooder) Pop() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Item{}, false
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	return item, true
}

// Len reports the current queue depth.
func (f *Flooder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Forward computes the set of neighbors an item popped from the queue
// should be sent to: every current neighbor except the item's origin.
func Forward(item Item, neighborT *neighbor.Table) []types.PeerID {
	snapshot := neighborT.Snapshot()
	seen := make(map[types.PeerID]bool)
	var out []types.PeerID
	for _, peers := range snapshot {
		for _, p := range peers {
			if p == item.Origin || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
