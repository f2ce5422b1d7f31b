package poh

import "time"

// DensityPolicy bounds how a Builder must interleave ticks and transaction
// ingests. The exact hashing density is not consensus-critical — only that
// the sequence any particular leader records is reproducible by verifiers.
type DensityPolicy struct {
	// MinTrailingTicks is the minimum number of tick-only entries appended
	// after the last transaction ingest, before block emission.
	MinTrailingTicks int
	// MinHashRate is the minimum number of hash operations the sequencer
	// must perform per second of slot duration.
	MinHashRate int
}

// DefaultDensityPolicy is the canonical floor: at least one tick after
// every ingest, at least three trailing ticks, and 5,000 hash ops/sec of
// slot duration.
func DefaultDensityPolicy() DensityPolicy {
	return DensityPolicy{MinTrailingTicks: 3, MinHashRate: 5000}
}

// MinHashesForSlot returns the minimum number of hash operations a
// conformant sequencer must perform over a slot of the given duration.
func (p DensityPolicy) MinHashesForSlot(slotDuration time.Duration) int {
	seconds := slotDuration.Seconds()
	return int(seconds * float64(p.MinHashRate))
}
