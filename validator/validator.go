// Package validator implements the independent-verification and voting
// side of the pipeline: every non-producing validator re-derives a
// received block's effects from scratch and only votes for it if its own
// state root agrees with the producer's. A block that passes stays pending
// until the vote aggregator reaches quorum; only then is it committed and
// appended to the chain.
package validator

import (
	"context"
	"fmt"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
	"github.com/tolelom/poh-quantum-node/events"
	"github.com/tolelom/poh-quantum-node/executor"
)

// Chain is the subset of core.Blockchain a Validator needs.
type Chain interface {
	Tip() *core.Block
	TipHash() [32]byte
	Height() int64
	AddBlock(block *core.Block) error
}

// Schedule is the subset of scheduler.Scheduler a Validator needs to check
// that a block was produced by the slot's assigned leader.
type Schedule interface {
	LeaderAt(slot uint64) (string, error)
}

// Validator runs the five-step verification pipeline on blocks it receives
// (from Turbine reconstruction or a direct feed) and casts a vote for every
// block that passes. It never trusts the producer's claimed state root: it
// only votes after re-deriving the same root from its own state.
type Validator struct {
	chain   Chain
	sched   Schedule
	exec    *executor.Executor
	state   executor.State
	pend    *Pending
	emitter *events.Emitter
	priv    crypto.PrivateKey
	agg     *Aggregator
	onVote  func(core.Vote)
}

// New builds a Validator. onVote, if non-nil, is called with every vote
// this node casts so the caller can broadcast it over the network.
func New(chain Chain, sched Schedule, exec *executor.Executor, state executor.State, pend *Pending, emitter *events.Emitter, priv crypto.PrivateKey, agg *Aggregator, onVote func(core.Vote)) *Validator {
	return &Validator{
		chain:   chain,
		sched:   sched,
		exec:    exec,
		state:   state,
		pend:    pend,
		emitter: emitter,
		priv:    priv,
		agg:     agg,
		onVote:  onVote,
	}
}

// ProcessBlock runs the full verification pipeline on a received block:
// producer identity, chain linkage, PoH replay, and re-execution against
// local state. A block that fails any step is rejected, never panics the
// pipeline, and never corrupts the canonical state (execution happens
// against a snapshot that is reverted on failure). A block that passes is
// tracked as pending and voted for; the commit to chain and state happens
// through the aggregator's finalization hook once quorum is reached.
func (v *Validator) ProcessBlock(ctx context.Context, block *core.Block) error {
	hash, err := block.Hash()
	if err != nil {
		return fmt.Errorf("validator: hash: %w", err)
	}
	if v.pend.Has(block.Slot, hash) {
		// Locally built block echoed back through propagation.
		return nil
	}
	if v.emitter != nil {
		v.emitter.Emit(events.Event{
			Type:        events.EventBlockReconstructed,
			BlockHeight: int64(block.Height),
			Slot:        block.Slot,
			Data:        map[string]any{"hash": fmt.Sprintf("%x", hash)},
		})
	}

	if err := v.verifyHeader(block); err != nil {
		return v.reject(block, err)
	}

	// Any earlier pending candidate missed its window or is being
	// superseded; the new candidate's root must derive from finalized
	// state alone.
	v.pend.AbandonAll()

	snapID, err := v.state.Snapshot()
	if err != nil {
		return fmt.Errorf("validator: snapshot: %w", err)
	}
	if err := v.replayAndCheckRoot(ctx, block, snapID); err != nil {
		return v.reject(block, err)
	}
	v.pend.Track(block, snapID)

	vote := core.Vote{Slot: block.Slot, BlockHash: hash, StateRoot: block.StateRoot}
	vote.Sign(v.priv)

	v.agg.RegisterCandidate(block)
	v.agg.AddVote(vote)
	if v.onVote != nil {
		v.onVote(vote)
	}
	if v.emitter != nil {
		v.emitter.Emit(events.Event{
			Type:        events.EventVoteCast,
			BlockHeight: int64(block.Height),
			Slot:        block.Slot,
			Data:        map[string]any{"block_hash": fmt.Sprintf("%x", hash)},
		})
	}
	return nil
}

// ProcessFinalizedBlock verifies and commits a block that already carries
// its finalization proof (the attached vote set), the shape catch-up sync
// delivers. The block goes through the same structural, PoH, and
// re-execution checks as a live block; instead of voting, the attached
// votes are verified and counted against the current quorum threshold, and
// on success the block commits immediately.
func (v *Validator) ProcessFinalizedBlock(ctx context.Context, block *core.Block) error {
	hash, err := block.Hash()
	if err != nil {
		return fmt.Errorf("validator: hash: %w", err)
	}
	if err := v.verifyHeader(block); err != nil {
		return v.reject(block, err)
	}
	if err := verifyVoteSet(block, hash, v.agg.QuorumNow()); err != nil {
		return v.reject(block, err)
	}

	v.pend.AbandonAll()
	snapID, err := v.state.Snapshot()
	if err != nil {
		return fmt.Errorf("validator: snapshot: %w", err)
	}
	if err := v.replayAndCheckRoot(ctx, block, snapID); err != nil {
		return v.reject(block, err)
	}
	v.pend.Track(block, snapID)
	if err := v.pend.CommitFinalized(block); err != nil {
		return fmt.Errorf("validator: commit synced block: %w", err)
	}
	return nil
}

// verifyHeader covers the pipeline's structural steps: producer signature,
// scheduled-leader identity, height/parent linkage, and PoH replay.
func (v *Validator) verifyHeader(block *core.Block) error {
	if err := block.VerifySignature(); err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	expectedLeader, err := v.sched.LeaderAt(block.Slot)
	if err != nil {
		return fmt.Errorf("leader lookup: %w", err)
	}
	if expectedLeader != block.Producer {
		return fmt.Errorf("producer %s is not slot %d's leader (%s)", block.Producer, block.Slot, expectedLeader)
	}

	if int64(block.Height) != v.chain.Height()+1 {
		return fmt.Errorf("height %d does not extend tip at %d", block.Height, v.chain.Height())
	}
	if block.ParentHash != v.chain.TipHash() {
		return fmt.Errorf("parent hash does not match tip")
	}

	if err := block.VerifyPoH(); err != nil {
		return fmt.Errorf("poh: %w", err)
	}
	return nil
}

// replayAndCheckRoot re-executes the block over the snapshotted state and
// confirms the locally derived root equals the producer's claim, reverting
// the snapshot on any failure.
func (v *Validator) replayAndCheckRoot(ctx context.Context, block *core.Block, snapID int) error {
	if _, err := v.exec.ExecuteBlock(ctx, block); err != nil {
		_ = v.state.RevertToSnapshot(snapID)
		return fmt.Errorf("re-execution: %w", err)
	}
	root := v.state.ComputeRoot()
	wantRoot := fmt.Sprintf("%x", block.StateRoot[:])
	if root != wantRoot {
		_ = v.state.RevertToSnapshot(snapID)
		return fmt.Errorf("state root mismatch: got %s want %s", root, wantRoot)
	}
	return nil
}

// verifyVoteSet checks that block carries at least quorum distinct,
// correctly signed votes for its own hash and state root.
func verifyVoteSet(block *core.Block, hash [32]byte, quorum int) error {
	seen := make(map[string]bool, len(block.Votes))
	for i, vote := range block.Votes {
		if vote.Slot != block.Slot || vote.BlockHash != hash || vote.StateRoot != block.StateRoot {
			return fmt.Errorf("attached vote %d targets a different block", i)
		}
		if err := vote.Verify(); err != nil {
			return fmt.Errorf("attached vote %d: %w", i, err)
		}
		seen[vote.Validator] = true
	}
	if len(seen) < quorum {
		return fmt.Errorf("attached vote set has %d distinct voters, quorum is %d", len(seen), quorum)
	}
	return nil
}

func (v *Validator) reject(block *core.Block, cause error) error {
	if hash, err := block.Hash(); err == nil {
		v.agg.Blacklist(block.Slot, hash)
	}
	if v.emitter != nil {
		v.emitter.Emit(events.Event{
			Type:        events.EventBlockRejected,
			BlockHeight: int64(block.Height),
			Slot:        block.Slot,
			Data:        map[string]any{"reason": cause.Error()},
		})
	}
	return nil
}
