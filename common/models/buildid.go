package models

import (
	"math/rand"
	"time"
)

// Build ids pack an inverted millisecond timestamp into the high bits and
// random low bits. Inverting the timestamp makes newer builds numerically
// smaller, so ascending key order is newest-first and oldest builds carry the
// largest ids.
const (
	buildIDTimeBits   = 43
	buildIDSuffixBits = 20
)

// NewBuildID generates a fresh build id for the given creation time.
// Ids generated later are smaller, up to collisions within one millisecond
// resolved by the random suffix.
func NewBuildID(now time.Time) int64 {
	inverted := (int64(1)<<buildIDTimeBits - 1) - now.UnixMilli()
	return inverted<<buildIDSuffixBits | rand.Int63n(1<<buildIDSuffixBits)
}

// BuildIDTime recovers the creation time encoded in a build id.
func BuildIDTime(id int64) time.Time {
	inverted := id >> buildIDSuffixBits
	ms := (int64(1)<<buildIDTimeBits - 1) - inverted
	return time.UnixMilli(ms).UTC()
}
