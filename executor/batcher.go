package executor

import "github.com/tolelom/poh-quantum-node/core"

// Batch is a group of transactions with disjoint read/write sets: every
// transaction in a batch can execute concurrently with every other.
type Batch []*core.Transaction

// Plan groups a block's transactions into ordered batches using a greedy
// lowest-index assignment: each transaction joins the earliest batch whose
// accumulated account footprint does not conflict with its own, and starts
// a new batch only if every existing batch conflicts. Batches themselves
// execute strictly in order; this is the hard barrier between them.
//
// Two transactions conflict when one's write set intersects the other's
// read set or write set (core.Transaction.ReadSet / WriteSet).
func Plan(txs []*core.Transaction) []Batch {
	var batches []Batch
	var footprints []map[string]bool // per-batch union of read+write sets

	for _, tx := range txs {
		keys := append(append([]string{}, tx.ReadSet()...), tx.WriteSet()...)

		placed := false
		for i, fp := range footprints {
			if !conflicts(fp, keys) {
				batches[i] = append(batches[i], tx)
				for _, k := range keys {
					fp[k] = true
				}
				placed = true
				break
			}
		}
		if !placed {
			fp := make(map[string]bool, len(keys))
			for _, k := range keys {
				fp[k] = true
			}
			batches = append(batches, Batch{tx})
			footprints = append(footprints, fp)
		}
	}
	return batches
}

func conflicts(footprint map[string]bool, keys []string) bool {
	for _, k := range keys {
		if footprint[k] {
			return true
		}
	}
	return false
}
