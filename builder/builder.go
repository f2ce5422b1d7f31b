// Package builder drives block production for the slots where the local
// node is the scheduled leader: it pulls admissible transactions from the
// mempool, interleaves them into the PoH sequencer, hands the ordered batch
// to the executor, and signs and propagates the result.
package builder

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
	"github.com/tolelom/poh-quantum-node/events"
	"github.com/tolelom/poh-quantum-node/executor"
	"github.com/tolelom/poh-quantum-node/poh"
	"github.com/tolelom/poh-quantum-node/scheduler"
	"github.com/tolelom/poh-quantum-node/validator"
)

// ChainView is the subset of Blockchain the builder needs: the current tip
// and hash, a recent-block resolver for recent-blockhash admission, and
// AddBlock. The builder itself does not call AddBlock: a locally produced
// block is tracked in validator.Pending and appended to the chain only
// when the aggregator finalizes it.
type ChainView interface {
	Tip() *core.Block
	TipHash() [32]byte
	// ResolvesRecentBlockhash reports whether hash names a block within the
	// last core.RecentBlockhashWindow slots of currentSlot.
	ResolvesRecentBlockhash(hash string, currentSlot uint64) bool
	AddBlock(block *core.Block) error
}

// Propagator hands a finalized, signed block off to the network layer.
type Propagator interface {
	Propagate(block *core.Block) error
}

// Builder owns PoH sequencing and block assembly for the local node's
// leader slots. It runs on one dedicated goroutine, so the mempool cursor
// and PoH sequencer are never touched concurrently.
type Builder struct {
	mempool    *core.Mempool
	chain      ChainView
	sched      *scheduler.Scheduler
	exec       *executor.Executor
	state      executor.State
	pend       *validator.Pending
	propagator Propagator
	emitter    *events.Emitter
	agg        *validator.Aggregator
	onVote     func(core.Vote)

	seq      *poh.Sequencer
	density  poh.DensityPolicy
	priv     crypto.PrivateKey
	pubHex   string
	maxTxs   int // max transactions considered per block; 0 = unlimited

	// builtSlot is the most recent slot this node produced a block for. A
	// leader produces exactly one block per slot even though the consensus
	// loop polls several times within each slot.
	builtSlot    uint64
	builtAnySlot bool
}

// New creates a Builder for the given local signing key. onVote, if non-nil,
// is called with the self-vote this node casts for every block it produces,
// so the caller can broadcast it the same way Validator's own votes are.
func New(mempool *core.Mempool, chain ChainView, sched *scheduler.Scheduler, exec *executor.Executor, state executor.State, pend *validator.Pending, prop Propagator, emitter *events.Emitter, agg *validator.Aggregator, priv crypto.PrivateKey, onVote func(core.Vote)) *Builder {
	return &Builder{
		mempool:    mempool,
		chain:      chain,
		sched:      sched,
		exec:       exec,
		state:      state,
		pend:       pend,
		propagator: prop,
		emitter:    emitter,
		agg:        agg,
		onVote:     onVote,
		seq:        poh.NewSequencer(),
		density:    poh.DefaultDensityPolicy(),
		priv:       priv,
		pubHex:     priv.Public().Hex(),
	}
}

// SetMaxBlockTxs caps how many pending transactions a single block will
// consider. Zero (the default) means unlimited; a block then includes every
// admissible transaction seen during the slot, bounded only by slot timing.
func (b *Builder) SetMaxBlockTxs(n int) {
	if n < 0 {
		n = 0
	}
	b.maxTxs = n
}

// BuildSlot runs the full build sequence for slot if and only if the local
// node is the scheduled leader. It returns (nil, nil) when the node is not
// leader, and (nil, err) when the leader lookup, the state snapshot, the
// executor, signing or propagation fails; an executor failure skips the
// slot.
func (b *Builder) BuildSlot(ctx context.Context, slot uint64, now time.Time) (*core.Block, error) {
	leader, err := b.sched.LeaderAt(slot)
	if err != nil {
		return nil, fmt.Errorf("builder: resolve leader for slot %d: %w", slot, err)
	}
	if leader != b.pubHex {
		return nil, nil
	}
	if b.builtAnySlot && b.builtSlot == slot {
		return nil, nil
	}

	// One attempt per slot: a fatal executor error below skips the slot
	// outright rather than retrying on the loop's next poll of the same slot.
	b.builtSlot = slot
	b.builtAnySlot = true

	// Earlier slots' pending blocks missed their quorum window; roll them
	// back so this slot builds on the highest finalized block.
	b.pend.AbandonBefore(slot)

	parent := b.chain.Tip()
	parentHash := b.chain.TipHash()
	height := uint64(1)
	if parent != nil {
		height = parent.Height + 1
	}

	// Step 1: reset PoH seeded from parent hash.
	b.seq.Reset(parentHash)

	// Admission: signature valid, recent blockhash resolves, and a
	// sequential balance simulation would not take any account negative.
	pending := b.mempool.Pending(b.maxTxs)
	admissible, sim := b.admit(pending, slot)

	// Step 2: tick at least once, then ingest each admissible tx's digest.
	for _, tx := range admissible {
		b.seq.Tick()
		b.seq.Ingest(tx.Digest())
	}

	// Step 3: trailing ticks, minimum per density policy.
	for i := 0; i < b.density.MinTrailingTicks; i++ {
		b.seq.Tick()
	}

	block := core.NewBlock(height, parentHash, b.pubHex, slot, now.UnixNano(), admissible)
	block.PoHSequence = b.seq.Entries()

	// Step 4: execute against a snapshot. A fatal executor error skips the
	// slot entirely; no block is emitted and the parent is left unchanged.
	snapID, err := b.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("builder: snapshot: %w", err)
	}
	applied, err := b.exec.ExecuteBlock(ctx, block)
	if err != nil {
		_ = b.state.RevertToSnapshot(snapID)
		if b.emitter != nil {
			b.emitter.Emit(events.Event{Type: events.EventSlotSkipped, Slot: slot, Data: map[string]any{"reason": err.Error()}})
		}
		return nil, fmt.Errorf("builder: executor failed, skipping slot %d: %w", slot, err)
	}
	block.Transactions = applied
	block.StateRoot = stateRootBytes(b.state.ComputeRoot())

	// Step 5: sign and track as pending. The block's writes stay in the
	// uncommitted buffer until the vote aggregator reaches quorum; its
	// transactions stay in the mempool so a skipped slot loses nothing.
	if err := block.Sign(b.priv); err != nil {
		_ = b.state.RevertToSnapshot(snapID)
		return nil, fmt.Errorf("builder: sign block: %w", err)
	}
	b.pend.Track(block, snapID)
	b.sched.NoteLeadership(b.pubHex)

	if b.emitter != nil {
		b.emitter.Emit(events.Event{
			Type:        events.EventBlockBuilt,
			Slot:        slot,
			BlockHeight: int64(block.Height),
			Data:        map[string]any{"tx_count": len(applied), "admitted": len(admissible), "simulated_rejects": sim},
		})
	}

	if hash, err := block.Hash(); err == nil && b.agg != nil {
		vote := core.Vote{Slot: block.Slot, BlockHash: hash, StateRoot: block.StateRoot}
		vote.Sign(b.priv)
		b.agg.RegisterCandidate(block)
		b.agg.AddVote(vote)
		if b.onVote != nil {
			b.onVote(vote)
		}
	}

	if b.propagator != nil {
		if err := b.propagator.Propagate(block); err != nil {
			return nil, fmt.Errorf("builder: propagate block: %w", err)
		}
	}
	return block, nil
}

// admit filters pending transactions down to the admissible set, in
// arrival order, using a sequential balance simulation over the current
// committed state. This mirrors the serial-equivalent effect the executor's
// batcher preserves, so a tx admitted here is never later dropped by the
// parallel executor for balance reasons alone.
func (b *Builder) admit(pending []*core.Transaction, slot uint64) (admitted []*core.Transaction, rejected int) {
	shadow := make(map[string]int64)

	effective := func(addr string) int64 {
		if v, ok := shadow[addr]; ok {
			return v
		}
		acc, err := b.state.GetAccount(addr)
		if err != nil {
			return 0
		}
		v := int64(acc.Balance)
		shadow[addr] = v
		return v
	}

	for _, tx := range pending {
		if err := tx.Verify(); err != nil {
			rejected++
			continue
		}
		if tx.RecentBlockhash != "" && !b.chain.ResolvesRecentBlockhash(tx.RecentBlockhash, slot) {
			rejected++
			continue
		}
		if effective(tx.Sender) < int64(tx.Amount) {
			rejected++
			continue
		}
		shadow[tx.Sender] -= int64(tx.Amount)
		if tx.Type == core.TxTransfer || tx.Type == core.TxExchange {
			shadow[tx.Receiver] = effective(tx.Receiver) + int64(tx.Amount)
		}
		admitted = append(admitted, tx)
	}
	return admitted, rejected
}

func stateRootBytes(hexRoot string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(hexRoot)
	if err != nil || len(b) != 32 {
		return out
	}
	copy(out[:], b)
	return out
}
