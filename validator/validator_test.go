package validator

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
	"github.com/tolelom/poh-quantum-node/executor"
	"github.com/tolelom/poh-quantum-node/internal/testutil"
	"github.com/tolelom/poh-quantum-node/poh"
	"github.com/tolelom/poh-quantum-node/wallet"
)

// fixedSchedule answers every leader lookup with the same key.
type fixedSchedule string

func (f fixedSchedule) LeaderAt(uint64) (string, error) { return string(f), nil }

type validatorHarness struct {
	chain  *core.Blockchain
	state  executor.State
	exec   *executor.Executor
	val    *Validator
	agg    *Aggregator
	pend   *Pending
	leader *wallet.Wallet
	third  crypto.PrivateKey
	votes  []core.Vote
}

// newValidatorHarness wires a three-voter view (the local node, the leader,
// and one more validator) so quorum is QuorumSize(3) = 3: every test can
// either stop short of finalization or drive it by feeding the two missing
// votes.
func newValidatorHarness(t *testing.T, alloc map[string]uint64) *validatorHarness {
	t.Helper()
	leader, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	selfPriv, selfPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	thirdPriv, thirdPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	state := testutil.NewStateDB()
	for addr, bal := range alloc {
		if err := state.SetAccount(&core.Account{Address: addr, Balance: bal}); err != nil {
			t.Fatal(err)
		}
	}
	if err := state.Commit(); err != nil {
		t.Fatal(err)
	}

	chain := core.NewBlockchain(testutil.NewMemBlockStore())
	if err := chain.Init(); err != nil {
		t.Fatal(err)
	}

	exec := executor.NewExecutor(state, executor.DefaultRegistry(), nil)
	agg := NewAggregator(fakeHealth{selfPub.Hex(), leader.PubKey(), thirdPub.Hex()}, nil)
	mempool := core.NewMempool()
	pend := NewPending(state, chain, mempool)
	agg.SetOnFinalized(func(block *core.Block) {
		if err := pend.CommitFinalized(block); err != nil {
			t.Errorf("commit finalized: %v", err)
		}
	})
	h := &validatorHarness{chain: chain, state: state, exec: exec, agg: agg, pend: pend, leader: leader, third: thirdPriv}
	h.val = New(chain, fixedSchedule(leader.PubKey()), exec, state, pend, nil, selfPriv, agg, func(v core.Vote) {
		h.votes = append(h.votes, v)
	})
	return h
}

// voteFor signs a vote for block with priv and feeds it to the aggregator.
func (h *validatorHarness) voteFor(t *testing.T, block *core.Block, priv crypto.PrivateKey) AdmitResult {
	t.Helper()
	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	v := core.Vote{Slot: block.Slot, BlockHash: hash, StateRoot: block.StateRoot}
	v.Sign(priv)
	return h.agg.AddVote(v)
}

// buildLeaderBlock assembles a correctly formed block the way the leader
// would, executing txs over a scratch state to derive the claimed root.
func (h *validatorHarness) buildLeaderBlock(t *testing.T, txs []*core.Transaction, alloc map[string]uint64) *core.Block {
	t.Helper()
	scratch := testutil.NewStateDB()
	for addr, bal := range alloc {
		if err := scratch.SetAccount(&core.Account{Address: addr, Balance: bal}); err != nil {
			t.Fatal(err)
		}
	}
	if err := scratch.Commit(); err != nil {
		t.Fatal(err)
	}

	parentHash := h.chain.TipHash()
	seq := poh.NewSequencer()
	seq.Reset(parentHash)
	for _, tx := range txs {
		seq.Tick()
		seq.Ingest(tx.Digest())
	}
	for i := 0; i < 3; i++ {
		seq.Tick()
	}

	height := uint64(h.chain.Height() + 1)
	block := core.NewBlock(height, parentHash, h.leader.PubKey(), height, time.Now().UnixNano(), txs)
	block.PoHSequence = seq.Entries()

	scratchExec := executor.NewExecutor(scratch, executor.DefaultRegistry(), nil)
	applied, err := scratchExec.ExecuteBlock(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	block.Transactions = applied
	rootBytes, err := hex.DecodeString(scratch.ComputeRoot())
	if err != nil {
		t.Fatal(err)
	}
	copy(block.StateRoot[:], rootBytes)
	if err := block.Sign(h.leader.PrivKey()); err != nil {
		t.Fatal(err)
	}
	return block
}

// TestProcessBlockAcceptsHonestLeader runs the full pipeline over a
// well-formed block and expects a vote plus a chain extension.
func TestProcessBlockAcceptsHonestLeader(t *testing.T) {
	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	alloc := map[string]uint64{sender.PubKey(): 100}
	h := newValidatorHarness(t, alloc)

	tx, err := sender.Transfer(receiver.PubKey(), 40, "")
	if err != nil {
		t.Fatal(err)
	}
	block := h.buildLeaderBlock(t, []*core.Transaction{tx}, alloc)

	if err := h.val.ProcessBlock(context.Background(), block); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if len(h.votes) != 1 {
		t.Fatalf("votes cast: got %d want 1", len(h.votes))
	}
	if h.votes[0].StateRoot != block.StateRoot {
		t.Error("vote should carry the locally derived state root")
	}
	// One vote of three: verified and pending, but not yet on the chain.
	if h.chain.Height() != 0 {
		t.Errorf("chain height before quorum: got %d want 0", h.chain.Height())
	}

	// The leader and the third validator vote; quorum commits the block.
	if got := h.voteFor(t, block, h.leader.PrivKey()); got != Admitted {
		t.Fatalf("leader vote: got %v", got)
	}
	if got := h.voteFor(t, block, h.third); got != Admitted {
		t.Fatalf("third vote: got %v", got)
	}
	if _, ok := h.agg.IsFinalized(block.Slot); !ok {
		t.Fatal("block should finalize with all three votes")
	}
	if h.chain.Height() != int64(block.Height) {
		t.Errorf("chain height after quorum: got %d want %d", h.chain.Height(), block.Height)
	}

	acc, err := h.state.GetAccount(receiver.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 40 {
		t.Errorf("receiver balance after commit: got %d want 40", acc.Balance)
	}
}

// TestProcessBlockRejectsForgedStateRoot is the cheating-leader scenario:
// the block claims an arbitrary root, the validator's re-execution derives
// a different one, and the block is blacklisted without a vote and without
// touching committed state.
func TestProcessBlockRejectsForgedStateRoot(t *testing.T) {
	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	alloc := map[string]uint64{sender.PubKey(): 100}
	h := newValidatorHarness(t, alloc)

	block := h.buildLeaderBlock(t, nil, alloc)
	block.StateRoot = [32]byte{0xde, 0xad, 0xbe, 0xef}
	if err := block.Sign(h.leader.PrivKey()); err != nil {
		t.Fatal(err)
	}

	if err := h.val.ProcessBlock(context.Background(), block); err != nil {
		t.Fatalf("ProcessBlock should reject without surfacing an error: %v", err)
	}
	if len(h.votes) != 0 {
		t.Fatal("no vote should be cast for a forged state root")
	}
	if h.chain.Height() != 0 {
		t.Error("chain must not advance on a rejected block")
	}
	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if got := h.agg.AddVote(func() core.Vote {
		v := core.Vote{Slot: block.Slot, BlockHash: hash, StateRoot: block.StateRoot}
		v.Sign(h.leader.PrivKey())
		return v
	}()); got != Stale {
		t.Errorf("vote for blacklisted hash: got %v want Stale", got)
	}
}

// TestProcessBlockRejectsWrongProducer covers the producer-identity check.
func TestProcessBlockRejectsWrongProducer(t *testing.T) {
	h := newValidatorHarness(t, nil)

	impostor, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	seq := poh.NewSequencer()
	seq.Reset(h.chain.TipHash())
	seq.Tick()
	block := core.NewBlock(1, h.chain.TipHash(), impostor.PubKey(), 1, 0, nil)
	block.PoHSequence = seq.Entries()
	if err := block.Sign(impostor.PrivKey()); err != nil {
		t.Fatal(err)
	}

	if err := h.val.ProcessBlock(context.Background(), block); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if len(h.votes) != 0 || h.chain.Height() != 0 {
		t.Error("a block from a non-scheduled producer must be rejected")
	}
}

// TestProcessBlockRejectsBrokenPoH flips one recorded hash and expects a
// rejection.
func TestProcessBlockRejectsBrokenPoH(t *testing.T) {
	h := newValidatorHarness(t, nil)

	block := h.buildLeaderBlock(t, nil, nil)
	block.PoHSequence[1].Hash[0] ^= 1
	if err := block.Sign(h.leader.PrivKey()); err != nil {
		t.Fatal(err)
	}

	if err := h.val.ProcessBlock(context.Background(), block); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if len(h.votes) != 0 || h.chain.Height() != 0 {
		t.Error("a block with a broken PoH chain must be rejected")
	}
}

// TestProcessFinalizedBlockRejectsThinVoteSet ensures a synced block whose
// attached votes fall short of quorum distinct voters never commits.
func TestProcessFinalizedBlockRejectsThinVoteSet(t *testing.T) {
	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	alloc := map[string]uint64{sender.PubKey(): 100}
	h := newValidatorHarness(t, alloc)

	tx, err := sender.Transfer(receiver.PubKey(), 25, "")
	if err != nil {
		t.Fatal(err)
	}
	block := h.buildLeaderBlock(t, []*core.Transaction{tx}, alloc)
	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	for _, priv := range []crypto.PrivateKey{h.leader.PrivKey(), h.third, h.leader.PrivKey()} {
		v := core.Vote{Slot: block.Slot, BlockHash: hash, StateRoot: block.StateRoot}
		v.Sign(priv)
		block.Votes = append(block.Votes, v)
	}
	// Two distinct voters out of three healthy: below quorum, must reject.
	if err := h.val.ProcessFinalizedBlock(context.Background(), block); err != nil {
		t.Fatalf("ProcessFinalizedBlock: %v", err)
	}
	if h.chain.Height() != 0 {
		t.Fatal("an under-voted synced block must not commit")
	}
}

// TestProcessFinalizedBlockCommitsDirectly drives the catch-up sync path:
// a block carrying a quorum vote set commits without waiting for live votes.
func TestProcessFinalizedBlockCommitsDirectly(t *testing.T) {
	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	alloc := map[string]uint64{sender.PubKey(): 100}
	h := newValidatorHarness(t, alloc)

	block := h.buildLeaderBlock(t, nil, alloc)
	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	selfPriv := h.val.priv
	for _, priv := range []crypto.PrivateKey{h.leader.PrivKey(), h.third, selfPriv} {
		v := core.Vote{Slot: block.Slot, BlockHash: hash, StateRoot: block.StateRoot}
		v.Sign(priv)
		block.Votes = append(block.Votes, v)
	}

	if err := h.val.ProcessFinalizedBlock(context.Background(), block); err != nil {
		t.Fatalf("ProcessFinalizedBlock: %v", err)
	}
	if h.chain.Height() != int64(block.Height) {
		t.Errorf("chain height: got %d want %d", h.chain.Height(), block.Height)
	}
}
