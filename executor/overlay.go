package executor

import "github.com/tolelom/poh-quantum-node/core"

// txOverlay isolates one transaction's reads and writes from the shared
// State so concurrent workers in the same batch never observe each other's
// partial effects: the batcher already guarantees disjoint account
// footprints across a batch, but a single failed transaction must still
// leave the shared state untouched rather than require a global snapshot
// rollback. GetAccount reads through to the backing State on a cache miss;
// SetAccount only buffers locally until flush copies the accumulated
// writes into the backing State, which happens only after the whole
// transaction has applied without error.
type txOverlay struct {
	backing State
	writes  map[string]*core.Account
}

func newTxOverlay(backing State) *txOverlay {
	return &txOverlay{backing: backing, writes: make(map[string]*core.Account)}
}

func (o *txOverlay) GetAccount(address string) (*core.Account, error) {
	if acc, ok := o.writes[address]; ok {
		cp := *acc
		return &cp, nil
	}
	acc, err := o.backing.GetAccount(address)
	if err != nil {
		return nil, err
	}
	cp := *acc
	return &cp, nil
}

func (o *txOverlay) SetAccount(acc *core.Account) error {
	cp := *acc
	o.writes[acc.Address] = &cp
	return nil
}

// flush copies every buffered write into the backing State. Called only
// after the transaction has applied end to end without error.
func (o *txOverlay) flush() error {
	for _, acc := range o.writes {
		if err := o.backing.SetAccount(acc); err != nil {
			return err
		}
	}
	return nil
}

// The remaining State methods are never exercised through an overlay (ops
// only ever call GetAccount/SetAccount) but are required to satisfy the
// interface so a *txOverlay can be stored in Context.State.
func (o *txOverlay) Snapshot() (int, error)          { return 0, nil }
func (o *txOverlay) RevertToSnapshot(id int) error   { return nil }
func (o *txOverlay) ComputeRoot() string             { return o.backing.ComputeRoot() }
func (o *txOverlay) Commit() error                   { return nil }
