// Package clock provides the monotonic millisecond timestamps used
// throughout the router and messaging core for staleness checks,
// scheduler ticks and journal ordering.
package clock

import (
	"sync/atomic"
	"time"
)

// lastMillis is the largest value NowMillis has returned so far.
var lastMillis atomic.Uint64

// NowMillis returns the current wall-clock time as Unix milliseconds,
// never less than a value it returned before: if the wall clock steps
// backwards, the previous value is returned until it catches up.
// Every "_ms" field in the data model is stamped with this.
func NowMillis() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := lastMillis.Load()
		if now <= prev {
			return prev
		}
		if lastMillis.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// SinceMillis returns how many milliseconds have elapsed since ts.
func SinceMillis(ts uint64) uint64 {
	now := NowMillis()
	if now <= ts {
		return 0
	}
	return now - ts
}
