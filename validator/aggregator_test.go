package validator

import (
	"fmt"
	"testing"
	"time"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
)

// fakeHealth is a fixed healthy-validator view for aggregation tests.
type fakeHealth []string

func (f fakeHealth) HealthyValidators(time.Time) []string { return f }

func testVoters(t *testing.T, n int) ([]crypto.PrivateKey, fakeHealth) {
	t.Helper()
	privs := make([]crypto.PrivateKey, n)
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		privs[i] = priv
		keys[i] = pub.Hex()
	}
	return privs, fakeHealth(keys)
}

func signedVote(priv crypto.PrivateKey, slot uint64, hash [32]byte) core.Vote {
	v := core.Vote{Slot: slot, BlockHash: hash, StateRoot: [32]byte{0xee}}
	v.Sign(priv)
	return v
}

func registeredBlock(t *testing.T, a *Aggregator, slot uint64) ([32]byte, *core.Block) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(slot, [32]byte{}, pub.Hex(), slot, 0, nil)
	if err := block.Sign(priv); err != nil {
		t.Fatal(err)
	}
	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	a.RegisterCandidate(block)
	return hash, block
}

// TestQuorumSize pins the ceil(2H/3)+1 arithmetic across representative
// healthy counts.
func TestQuorumSize(t *testing.T) {
	cases := []struct{ h, want int }{
		{1, 2}, {3, 3}, {4, 4}, {6, 5}, {7, 6}, {100, 68},
	}
	for _, c := range cases {
		if got := QuorumSize(c.h); got != c.want {
			t.Errorf("QuorumSize(%d): got %d want %d", c.h, got, c.want)
		}
	}
}

// TestFinalizesExactlyAtQuorum walks votes in one at a time: one short of
// quorum must not finalize, the quorum-reaching vote must.
func TestFinalizesExactlyAtQuorum(t *testing.T) {
	privs, health := testVoters(t, 6) // H=6 → quorum 5
	a := NewAggregator(health, nil)
	hash, _ := registeredBlock(t, a, 1)

	needed := QuorumSize(len(health))
	for i := 0; i < needed-1; i++ {
		if got := a.AddVote(signedVote(privs[i], 1, hash)); got != Admitted {
			t.Fatalf("vote %d: got %v want Admitted", i, got)
		}
	}
	if _, ok := a.IsFinalized(1); ok {
		t.Fatalf("finalized with %d of %d votes", needed-1, needed)
	}
	if got := a.AddVote(signedVote(privs[needed-1], 1, hash)); got != Admitted {
		t.Fatalf("final vote: got %v want Admitted", got)
	}
	if _, ok := a.IsFinalized(1); !ok {
		t.Fatal("should finalize at quorum")
	}

	select {
	case b := <-a.FinalizedBlocks():
		if b.Slot != 1 {
			t.Errorf("finalized slot: got %d want 1", b.Slot)
		}
	default:
		t.Error("finalized block should be delivered on the subscription channel")
	}
}

// TestDuplicateVoteCountsOnce replays one validator's vote and checks the
// admissible count does not move.
func TestDuplicateVoteCountsOnce(t *testing.T) {
	privs, health := testVoters(t, 6)
	a := NewAggregator(health, nil)
	hash, _ := registeredBlock(t, a, 1)

	v := signedVote(privs[0], 1, hash)
	a.AddVote(v)
	a.AddVote(v)
	a.AddVote(signedVote(privs[0], 1, hash)) // re-signed, same validator

	if got := a.VoteCount(1, hash); got != 1 {
		t.Errorf("vote count: got %d want 1", got)
	}
}

// TestUnhealthyVoterRejected checks that a vote signed by a validator
// outside the healthy set is returned as UnhealthyVoter and never counts
// toward quorum.
func TestUnhealthyVoterRejected(t *testing.T) {
	_, health := testVoters(t, 3)
	outsider, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	a := NewAggregator(health, nil)
	hash, _ := registeredBlock(t, a, 1)

	if got := a.AddVote(signedVote(outsider, 1, hash)); got != UnhealthyVoter {
		t.Fatalf("got %v want UnhealthyVoter", got)
	}
	if got := a.VoteCount(1, hash); got != 0 {
		t.Errorf("vote count: got %d want 0", got)
	}
}

// TestBadSignatureRejected covers both a corrupted signature and a vote
// whose body was altered after signing.
func TestBadSignatureRejected(t *testing.T) {
	privs, health := testVoters(t, 3)
	a := NewAggregator(health, nil)
	hash, _ := registeredBlock(t, a, 1)

	v := signedVote(privs[0], 1, hash)
	v.Slot = 2
	if got := a.AddVote(v); got != BadSignature {
		t.Fatalf("tampered vote: got %v want BadSignature", got)
	}

	v2 := signedVote(privs[0], 1, hash)
	v2.Signature = fmt.Sprintf("%064x", 0) + fmt.Sprintf("%064x", 0)
	if got := a.AddVote(v2); got != BadSignature {
		t.Fatalf("corrupt signature: got %v want BadSignature", got)
	}
}

// TestBlacklistedHashStaysRejected verifies the Rejected state is terminal:
// votes for a blacklisted (slot, hash) are Stale and can never finalize it.
func TestBlacklistedHashStaysRejected(t *testing.T) {
	privs, health := testVoters(t, 3)
	a := NewAggregator(health, nil)
	hash, _ := registeredBlock(t, a, 1)

	a.Blacklist(1, hash)
	for _, priv := range privs {
		if got := a.AddVote(signedVote(priv, 1, hash)); got != Stale {
			t.Fatalf("vote on blacklisted hash: got %v want Stale", got)
		}
	}
	if _, ok := a.IsFinalized(1); ok {
		t.Fatal("blacklisted hash must never finalize")
	}
}

// TestVoteBeforeCandidateStillCounts covers the race where votes arrive
// before the local node reconstructs the block.
func TestVoteBeforeCandidateStillCounts(t *testing.T) {
	privs, health := testVoters(t, 3) // H=3 → quorum 3
	a := NewAggregator(health, nil)

	var hash [32]byte
	hash[0] = 0x42
	for _, priv := range privs[:2] {
		if got := a.AddVote(signedVote(priv, 5, hash)); got != Admitted {
			t.Fatalf("early vote: got %v want Admitted", got)
		}
	}
	if got := a.VoteCount(5, hash); got != 2 {
		t.Errorf("held vote count: got %d want 2", got)
	}
}
