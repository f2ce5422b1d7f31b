package core

// Account is the per-address balance and stake record that the executor
// reads and writes while applying a transaction.
type Account struct {
	Address string
	Balance uint64
	Nonce   uint64
	Staked  uint64 // bonded stake; moved by TxStake/TxUnstake, counted by the scheduler
}

// ReadSet returns the account keys a transaction of this type reads but
// does not necessarily mutate, used by the executor's conflict analysis.
// Stake and unstake transactions carry no receiver, so the empty key is
// omitted rather than making every such pair spuriously conflict.
func (tx *Transaction) ReadSet() []string {
	if tx.Receiver == "" {
		return []string{tx.Sender}
	}
	return []string{tx.Sender, tx.Receiver}
}

// WriteSet returns the account keys a transaction of this type may mutate.
// Two transactions conflict, and so cannot execute in the same parallel
// batch, whenever their write sets intersect or one's write set intersects
// the other's read set.
func (tx *Transaction) WriteSet() []string {
	switch tx.Type {
	case TxStake, TxUnstake:
		return []string{tx.Sender}
	default:
		return []string{tx.Sender, tx.Receiver}
	}
}
