// Package executor applies a block's transactions to account state. Within
// a block, transactions are grouped into conflict-free batches (Sealevel
// style): batches run strictly in order, but transactions within a batch run
// concurrently because none of them touch the same account.
package executor

import "github.com/tolelom/poh-quantum-node/core"

// State is the account store the executor reads and writes. Implementations
// live in the storage package; internal/testutil provides an in-memory one
// for tests.
type State interface {
	GetAccount(address string) (*core.Account, error)
	SetAccount(acc *core.Account) error
	// Snapshot captures the current write buffer and returns an opaque ID.
	Snapshot() (int, error)
	// RevertToSnapshot discards every write made since the given snapshot.
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic hash of the full world state
	// including uncommitted writes, without mutating anything.
	ComputeRoot() string
	// Commit flushes the write buffer to durable storage.
	Commit() error
}
