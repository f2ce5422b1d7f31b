package validator

import (
	"fmt"
	"sync"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/executor"
)

type pendingEntry struct {
	block *core.Block
	snap  int
}

// Pending tracks blocks this node has executed and voted for but that have
// not yet reached quorum. A pending block's writes sit only in the state's
// uncommitted buffer, guarded by the snapshot taken before execution:
// finalization commits the buffer and appends the block to the chain, while
// a slot that expires without quorum is rolled back so the next leader
// builds on the highest finalized block. One Pending instance is shared by
// the local Builder and Validator, since both execute against the same
// state.
type Pending struct {
	mu      sync.Mutex
	state   executor.State
	chain   Chain
	mempool *core.Mempool
	slots   map[uint64]pendingEntry
}

// NewPending creates an empty Pending registry over the node's state,
// chain, and mempool.
func NewPending(state executor.State, chain Chain, mempool *core.Mempool) *Pending {
	return &Pending{
		state:   state,
		chain:   chain,
		mempool: mempool,
		slots:   make(map[uint64]pendingEntry),
	}
}

// Track registers an executed-but-unfinalized block along with the state
// snapshot taken before it was executed.
func (p *Pending) Track(block *core.Block, snap int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[block.Slot] = pendingEntry{block: block, snap: snap}
}

// Has reports whether (slot, hash) is already tracked, so a block this node
// built and then received back through propagation is not executed twice.
func (p *Pending) Has(slot uint64, hash [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.slots[slot]
	if !ok {
		return false
	}
	h, err := e.block.Hash()
	return err == nil && h == hash
}

// CommitFinalized flushes the tracked block for finalized.Slot: state buffer
// committed, block appended to the chain, included transactions drained
// from the mempool. A finalization for a slot this node never tracked (it
// did not verify the block in time) is a no-op; catch-up sync will deliver
// the block later. A finalization for a different hash than the one tracked
// means this node verified a losing candidate: its writes are rolled back
// and the entry dropped.
func (p *Pending) CommitFinalized(finalized *core.Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.slots[finalized.Slot]
	if !ok {
		return nil
	}
	wantHash, err := finalized.Hash()
	if err != nil {
		return fmt.Errorf("pending: hash finalized block: %w", err)
	}
	haveHash, err := e.block.Hash()
	if err != nil {
		return fmt.Errorf("pending: hash tracked block: %w", err)
	}
	if wantHash != haveHash {
		delete(p.slots, finalized.Slot)
		if err := p.state.RevertToSnapshot(e.snap); err != nil {
			return fmt.Errorf("pending: revert losing candidate: %w", err)
		}
		return nil
	}

	delete(p.slots, finalized.Slot)
	if err := p.state.Commit(); err != nil {
		return fmt.Errorf("pending: commit state: %w", err)
	}
	if err := p.chain.AddBlock(e.block); err != nil {
		return fmt.Errorf("pending: add block: %w", err)
	}
	ids := make([]string, 0, len(e.block.Transactions))
	for _, tx := range e.block.Transactions {
		ids = append(ids, tx.IDHex())
	}
	p.mempool.Commit(ids, e.block.Slot)
	return nil
}

// AbandonBefore rolls back every tracked block whose slot precedes slot:
// its window for reaching quorum has passed, the slot is treated as
// skipped, and its transactions remain in the mempool for a later leader.
// Entries revert newest-first so snapshot IDs stay valid.
func (p *Pending) AbandonBefore(slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandonLocked(func(s uint64) bool { return s < slot })
}

// AbandonAll rolls back every tracked block, leaving the state buffer at
// the last committed (finalized) view. Called before executing a new
// candidate so its root derives from finalized state alone.
func (p *Pending) AbandonAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandonLocked(func(uint64) bool { return true })
}

func (p *Pending) abandonLocked(stale func(uint64) bool) {
	for {
		best := uint64(0)
		found := false
		for s := range p.slots {
			if stale(s) && (!found || s > best) {
				best = s
				found = true
			}
		}
		if !found {
			return
		}
		e := p.slots[best]
		delete(p.slots, best)
		_ = p.state.RevertToSnapshot(e.snap)
	}
}
