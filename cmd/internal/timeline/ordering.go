package timeline

import (
	"cmp"
	"strconv"
	"time"
)

// OrderingKey fixes an item's display position for its entire lifetime.
// Keys are allocated by State from a single monotonic counter, so ties are
// impossible within one store.
type OrderingKey uint64

// OrderingKeyFromSequence builds a key from a raw counter value.
func OrderingKeyFromSequence(seq uint64) OrderingKey { return OrderingKey(seq) }

// OrderingKeyFromTimestamp builds a key from a timestamp (milliseconds).
// Bootstrapping and tests only: timestamp keys are not monotonic relative to
// counter keys and must not be mixed with them in one store.
func OrderingKeyFromTimestamp(ts time.Time) OrderingKey {
	ms := ts.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return OrderingKey(ms)
}

// Uint64 returns the raw key value.
func (k OrderingKey) Uint64() uint64 { return uint64(k) }

// Less reports whether k sorts before other.
func (k OrderingKey) Less(other OrderingKey) bool { return k < other }

// Compare returns -1, 0 or +1.
func (k OrderingKey) Compare(other OrderingKey) int { return cmp.Compare(k, other) }

func (k OrderingKey) String() string { return strconv.FormatUint(uint64(k), 10) }
