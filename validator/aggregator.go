package validator

import (
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/events"
)

// AdmitResult classifies what happened to a vote submitted for aggregation.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	Stale
	UnhealthyVoter
	BadSignature
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "Admitted"
	case Stale:
		return "Stale"
	case UnhealthyVoter:
		return "UnhealthyVoter"
	case BadSignature:
		return "BadSignature"
	default:
		return fmt.Sprintf("AdmitResult(%d)", int(r))
	}
}

// HealthView is the subset of scheduler.Scheduler the Aggregator needs: the
// set of currently-healthy validators, which both bounds quorum size and
// admits or rejects a voter.
type HealthView interface {
	HealthyValidators(now time.Time) []string
}

type candidateState int

const (
	stateVerified candidateState = iota
	stateFinalized
	stateRejected
)

type candidate struct {
	block *core.Block
	votes map[string]core.Vote // validator pubkey -> latest vote (later replaces earlier)
	state candidateState
}

// Aggregator tracks, per (slot, block hash), the set of admissible votes
// cast by independent validators and finalizes a block once admissible YES
// votes reach quorum: ceil(2H/3)+1 where H is the Scheduler's currently-
// healthy validator count. It is deliberately single-threaded in effect
// (every exported method takes the same mutex), so vote aggregation is
// commutative over arrival order; callers that want a channel-shaped
// front can run AddVote from the consumer side of their own chan
// core.Vote. Validator.ProcessBlock and the builder call AddVote directly.
//
// Once a block finalizes, the slot is immutable: a later AddVote for a
// different hash at an already-finalized slot is rejected as Stale, and a
// later RegisterCandidate for the same slot with a different hash is
// blacklisted rather than silently replacing the finalized one.
type Aggregator struct {
	mu      sync.Mutex
	sched   HealthView
	emitter *events.Emitter

	candidates map[uint64]map[[32]byte]*candidate // slot -> hash -> candidate
	finalized  map[uint64][32]byte                // slot -> the hash that finalized
	blacklist  map[uint64]map[[32]byte]bool        // slot -> hash -> rejected

	finalizedCh chan *core.Block
	onFinalized func(*core.Block)
	now         func() time.Time
}

// NewAggregator creates an Aggregator whose quorum and voter-health checks
// are resolved against sched.
func NewAggregator(sched HealthView, emitter *events.Emitter) *Aggregator {
	return &Aggregator{
		sched:       sched,
		emitter:     emitter,
		candidates:  make(map[uint64]map[[32]byte]*candidate),
		finalized:   make(map[uint64][32]byte),
		blacklist:   make(map[uint64]map[[32]byte]bool),
		finalizedCh: make(chan *core.Block, 256),
		now:         time.Now,
	}
}

// SetOnFinalized installs a hook invoked synchronously the moment a block
// reaches quorum, before the subscription channel fires. The node uses it
// to commit the pending block; the hook must not call back into the
// Aggregator.
func (a *Aggregator) SetOnFinalized(fn func(*core.Block)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinalized = fn
}

// QuorumNow returns the vote threshold against the current healthy count.
func (a *Aggregator) QuorumNow() int {
	return QuorumSize(len(a.sched.HealthyValidators(a.now())))
}

// FinalizedBlocks returns the channel the finalized-head subscription
// reads from. Blocks arrive in increasing slot order because
// Validator only registers a candidate after its height has been checked
// against the local chain tip, which already enforces linear ordering.
func (a *Aggregator) FinalizedBlocks() <-chan *core.Block {
	return a.finalizedCh
}

// RegisterCandidate records block as the (slot, hash) this node has
// independently verified and is about to vote for. Safe to call more than
// once for the same block; a second registration for a different hash at
// an already-blacklisted or already-finalized slot is a no-op. If the slot
// already finalized on this very hash (the vote gossip outran the block
// itself), the late-arriving block completes the candidate and fires the
// finalization hook so the node still commits it.
func (a *Aggregator) RegisterCandidate(block *core.Block) {
	hash, err := block.Hash()
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if finalHash, done := a.finalized[block.Slot]; done {
		if finalHash == hash {
			if c, ok := a.candidates[block.Slot][hash]; ok && c.block == nil {
				c.block = block
				votes := make([]core.Vote, 0, len(c.votes))
				for _, v := range c.votes {
					votes = append(votes, v)
				}
				c.block.Votes = votes
				if a.onFinalized != nil {
					a.onFinalized(c.block)
				}
				select {
				case a.finalizedCh <- c.block:
				default:
				}
			}
		}
		return
	}
	if a.blacklist[block.Slot][hash] {
		return
	}
	byHash, ok := a.candidates[block.Slot]
	if !ok {
		byHash = make(map[[32]byte]*candidate)
		a.candidates[block.Slot] = byHash
	}
	if c, exists := byHash[hash]; exists {
		// A bare entry opened by an early vote gets its block now, so the
		// finalization hook can fire once quorum is reached.
		if c.block == nil {
			c.block = block
		}
		return
	}
	byHash[hash] = &candidate{block: block, votes: make(map[string]core.Vote), state: stateVerified}
}

// Blacklist permanently rejects (slot, hash): once Rejected, the hash can
// never be finalized for this slot.
func (a *Aggregator) Blacklist(slot uint64, hash [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blacklistLocked(slot, hash)
}

func (a *Aggregator) blacklistLocked(slot uint64, hash [32]byte) {
	if a.blacklist[slot] == nil {
		a.blacklist[slot] = make(map[[32]byte]bool)
	}
	a.blacklist[slot][hash] = true
	if c, ok := a.candidates[slot][hash]; ok {
		c.state = stateRejected
	}
}

// AddVote admits vote into the aggregation set for its (slot, hash) and
// re-evaluates quorum. Admission order is:
//  1. signature must verify under the vote's declared validator key
//     (BadSignature otherwise);
//  2. the signer must be healthy-for-voting right now, per the Scheduler's
//     view (UnhealthyVoter otherwise);
//  3. the slot must not already be finalized under a different hash, and
//     the hash must not be blacklisted (Stale otherwise).
// A second vote from the same validator for the same (slot, hash) replaces
// the first without changing the admissible count.
func (a *Aggregator) AddVote(vote core.Vote) AdmitResult {
	if err := vote.Verify(); err != nil {
		return BadSignature
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if finalHash, done := a.finalized[vote.Slot]; done && finalHash != vote.BlockHash {
		return Stale
	}
	if a.blacklist[vote.Slot][vote.BlockHash] {
		return Stale
	}

	healthy := a.sched.HealthyValidators(a.now())
	if !containsString(healthy, vote.Validator) {
		return UnhealthyVoter
	}

	byHash, ok := a.candidates[vote.Slot]
	if !ok {
		byHash = make(map[[32]byte]*candidate)
		a.candidates[vote.Slot] = byHash
	}
	c, ok := byHash[vote.BlockHash]
	if !ok {
		// A vote may legitimately arrive before this node has itself
		// reconstructed and verified the block; hold it against a bare
		// candidate entry so it still counts once RegisterCandidate catches up.
		c = &candidate{votes: make(map[string]core.Vote), state: stateVerified}
		byHash[vote.BlockHash] = c
	}
	c.votes[vote.Validator] = vote

	a.tryFinalizeLocked(vote.Slot, vote.BlockHash, len(healthy))
	return Admitted
}

// tryFinalizeLocked checks whether (slot, hash) has reached quorum against
// H healthy validators and, if so, marks it finalized and delivers it on
// the finalized-blocks channel. Caller must hold a.mu.
func (a *Aggregator) tryFinalizeLocked(slot uint64, hash [32]byte, h int) {
	if _, done := a.finalized[slot]; done {
		return
	}
	c := a.candidates[slot][hash]
	if c == nil || c.state == stateRejected {
		return
	}
	needed := QuorumSize(h)
	if len(c.votes) < needed {
		return
	}
	c.state = stateFinalized
	a.finalized[slot] = hash
	if c.block != nil {
		// Attach the winning vote set; persisted and synced blocks carry
		// the proof of their own finality.
		votes := make([]core.Vote, 0, len(c.votes))
		for _, v := range c.votes {
			votes = append(votes, v)
		}
		c.block.Votes = votes
	}
	if c.block != nil && a.onFinalized != nil {
		a.onFinalized(c.block)
	}
	if a.emitter != nil && c.block != nil {
		a.emitter.Emit(events.Event{
			Type:        events.EventBlockFinalized,
			Slot:        slot,
			BlockHeight: int64(c.block.Height),
			Data: map[string]any{
				"votes":     len(c.votes),
				"quorum":    needed,
				"healthy":   h,
				"candidate": hex.EncodeToString(hash[:]),
			},
		})
	}
	if c.block != nil {
		select {
		case a.finalizedCh <- c.block:
		default:
			// A stalled subscriber must not stall finalization itself; the
			// block remains retrievable from the chain even if this
			// particular notification is dropped.
		}
	}
}

// QuorumSize returns ceil(2H/3)+1 for H healthy validators, the BFT
// threshold of admissible YES votes a block needs to finalize.
func QuorumSize(h int) int {
	return int(math.Ceil(float64(2*h)/3.0)) + 1
}

// IsFinalized reports whether slot has a finalized block, and its hash.
func (a *Aggregator) IsFinalized(slot uint64) ([32]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.finalized[slot]
	return hash, ok
}

// VoteCount returns the number of admissible votes currently registered for
// (slot, hash), for diagnostics and tests.
func (a *Aggregator) VoteCount(slot uint64, hash [32]byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.candidates[slot][hash]
	if !ok {
		return 0
	}
	return len(c.votes)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

