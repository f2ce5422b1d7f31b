package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// minScheduleLead is the number of future slots the scheduler must always
// have published.
const minScheduleLead = 200

// fairnessWindow is how many of the most recently assigned slots count
// toward a validator's leadership-recency penalty while a schedule is
// being built.
const fairnessWindow = 32

// fairnessPenaltyCoefficient scales down the weight of a validator that has
// led recently; weight /= (1 + coefficient * recent_leadership_count).
const fairnessPenaltyCoefficient = 2.0

// Config parameterizes slot/epoch timing. SlotDuration must be between
// 400ms and 2s; EpochSlots is a fixed positive slot count per epoch.
type Config struct {
	SlotDuration time.Duration
	EpochSlots   uint64
	Weights      Weights
	Health       HealthThresholds
}

// DefaultConfig is the canonical single-network setting: 400ms slots.
func DefaultConfig() Config {
	return Config{
		SlotDuration: 400 * time.Millisecond,
		EpochSlots:   432,
		Weights:      DefaultWeights(),
		Health:       DefaultHealthThresholds(),
	}
}

// Scheduler owns the registered validator set and publishes double-buffered
// leader schedules. Reads never block on the epoch rollover: the swap is a
// pointer flip under a mutex held only for the duration of the flip.
type Scheduler struct {
	cfg Config

	mu         sync.RWMutex
	validators map[string]Record
	epochSeed  [32]byte // seed for the genesis epoch; derived per-epoch below
	genesis    time.Time

	scheduleMu sync.Mutex
	current    *Schedule
	next       *Schedule
}

// NewScheduler creates a Scheduler rooted at genesis (slot 0 starts then).
func NewScheduler(cfg Config, genesisSeed [32]byte, genesis time.Time) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		validators: make(map[string]Record),
		epochSeed:  genesisSeed,
		genesis:    genesis,
	}
}

// UpsertValidator registers or refreshes a validator record.
func (s *Scheduler) UpsertValidator(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[r.PublicKey] = r
}

// RemoveValidator deregisters a validator.
func (s *Scheduler) RemoveValidator(pubkey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.validators, pubkey)
}

// HealthyValidators returns the public keys currently passing the
// healthy-for-voting predicate, sorted lexicographically for determinism.
func (s *Scheduler) HealthyValidators(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.validators))
	for k, r := range s.validators {
		if r.HealthyForVoting(now, s.cfg.Health) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// StakeRanked returns a snapshot of the currently registered validators
// ordered by descending stake (public key ascending as a tie-break), for
// consumers that build stake-weighted structures such as the Turbine
// propagation tree rather than the leader schedule itself.
func (s *Scheduler) StakeRanked() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.validators))
	for _, r := range s.validators {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stake != out[j].Stake {
			return out[i].Stake > out[j].Stake
		}
		return out[i].PublicKey < out[j].PublicKey
	})
	return out
}

// epochOf returns the epoch index and its starting slot for slot s.
func (s *Scheduler) epochOf(slot uint64) (epoch, start uint64) {
	epoch = slot / s.cfg.EpochSlots
	start = epoch * s.cfg.EpochSlots
	return
}

// seedFor derives a per-epoch seed: H(genesis_seed || epoch).
func (s *Scheduler) seedFor(epoch uint64) [32]byte {
	var buf [40]byte
	copy(buf[:32], s.epochSeed[:])
	binary.BigEndian.PutUint64(buf[32:], epoch)
	return sha256.Sum256(buf[:])
}

// EnsureCoverage publishes schedules so the scheduler always covers at
// least minScheduleLead slots past currentSlot, computing the next epoch's
// table once the current epoch crosses its halfway mark.
func (s *Scheduler) EnsureCoverage(currentSlot uint64) error {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	if s.current == nil {
		epoch, start := s.epochOf(currentSlot)
		sched, err := s.buildSchedule(epoch, start)
		if err != nil {
			return err
		}
		s.current = sched
	}

	if currentSlot >= s.current.EndSlot() {
		// rolled into the next epoch already computed (or genesis gap); rebuild.
		epoch, start := s.epochOf(currentSlot)
		sched, err := s.buildSchedule(epoch, start)
		if err != nil {
			return err
		}
		s.current = sched
		s.next = nil
	}

	halfway := s.current.StartSlot + s.cfg.EpochSlots/2
	if s.next == nil && currentSlot >= halfway {
		nextEpoch := s.current.Epoch + 1
		nextStart := s.current.EndSlot()
		sched, err := s.buildSchedule(nextEpoch, nextStart)
		if err != nil {
			return err
		}
		s.next = sched
	}

	if currentSlot+minScheduleLead >= s.current.EndSlot() && s.next != nil {
		s.current = s.next
		s.next = nil
		return s.EnsureCoverage(currentSlot)
	}
	return nil
}

// buildSchedule deterministically assigns a leader to every slot in
// [start, start+EpochSlots) using weighted, fairness-penalized selection.
func (s *Scheduler) buildSchedule(epoch, start uint64) (*Schedule, error) {
	s.mu.RLock()
	records := make([]Record, 0, len(s.validators))
	for _, r := range s.validators {
		records = append(records, r)
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].PublicKey < records[j].PublicKey })

	healthy := make([]Record, 0, len(records))
	now := time.Now()
	for _, r := range records {
		if r.HealthyForVoting(now, s.cfg.Health) {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("scheduler: no healthy validators registered for epoch %d", epoch)
	}

	// The recency penalty is derived only from slots assigned within this
	// same table, over a sliding window of fairnessWindow slots. Feeding in
	// observed runtime leadership would make the table depend on when each
	// node happened to build it; this way the schedule is a pure function
	// of (epoch seed, registered set, scores).
	seed := s.seedFor(epoch)
	leaders := make([]string, s.cfg.EpochSlots)
	recentCounts := make(map[string]int)

	for i := uint64(0); i < s.cfg.EpochSlots; i++ {
		slot := start + i
		leader := selectLeader(seed, slot, healthy, s.cfg.Weights, recentCounts)
		leaders[i] = leader
		recentCounts[leader]++
		if i >= fairnessWindow {
			aged := leaders[i-fairnessWindow]
			if recentCounts[aged] > 0 {
				recentCounts[aged]--
			}
		}
	}

	return &Schedule{Epoch: epoch, StartSlot: start, leaders: leaders}, nil
}

// slotSeed derives a per-slot selection value deterministically from the
// epoch seed and slot index: H(epoch_seed || slot).
func slotSeed(epochSeed [32]byte, slot uint64) [32]byte {
	var buf [40]byte
	copy(buf[:32], epochSeed[:])
	binary.BigEndian.PutUint64(buf[32:], slot)
	return sha256.Sum256(buf[:])
}

// selectLeader performs deterministic weighted selection over healthy
// validators: weight = Score(validator) / (1 + penalty*recentCount), with
// a uniform draw derived from H(epoch_seed || slot) and xxhash-distributed
// tie-breaking so the same inputs always produce the same leader on every
// node. Ties in raw weight break by lexicographic public key order.
func selectLeader(epochSeed [32]byte, slot uint64, healthy []Record, w Weights, recentCounts map[string]int) string {
	seed := slotSeed(epochSeed, slot)

	type weighted struct {
		key    string
		weight float64
	}
	entries := make([]weighted, 0, len(healthy))
	var total float64
	for _, r := range healthy {
		score := w.Score(r)
		if score <= 0 {
			score = 1e-9 // every registered, healthy validator retains a nonzero chance
		}
		penalty := 1.0 + fairnessPenaltyCoefficient*float64(recentCounts[r.PublicKey])
		weight := score / penalty
		entries = append(entries, weighted{key: r.PublicKey, weight: weight})
		total += weight
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	// xxhash(seed || slot) folded into [0, total) gives a value every node
	// derives identically without floating-point nondeterminism risk beyond
	// the Score computation itself, which is pure arithmetic over record
	// fields agreed out-of-band.
	h := xxhash.New()
	h.Write(seed[:])
	var slotBuf [8]byte
	binary.BigEndian.PutUint64(slotBuf[:], slot)
	h.Write(slotBuf[:])
	draw := (float64(h.Sum64()) / float64(^uint64(0))) * total

	var cumulative float64
	for _, e := range entries {
		cumulative += e.weight
		if draw < cumulative {
			return e.key
		}
	}
	// floating-point rounding may leave a sliver past the last cumulative
	// boundary; fall back to the lexicographically last candidate.
	return entries[len(entries)-1].key
}

// LeaderAt returns the leader for slot. Slots inside the published window
// are answered from the double-buffered tables; any other slot's epoch
// table is derived on demand without disturbing the published window, so a
// query for a far-future slot can never wedge the node's own view of the
// present.
func (s *Scheduler) LeaderAt(slot uint64) (string, error) {
	s.scheduleMu.Lock()
	if leader, ok := s.current.LeaderAt(slot); ok {
		s.scheduleMu.Unlock()
		return leader, nil
	}
	if leader, ok := s.next.LeaderAt(slot); ok {
		s.scheduleMu.Unlock()
		return leader, nil
	}
	s.scheduleMu.Unlock()

	epoch, start := s.epochOf(slot)
	sched, err := s.buildSchedule(epoch, start)
	if err != nil {
		return "", err
	}
	leader, ok := sched.LeaderAt(slot)
	if !ok {
		return "", fmt.Errorf("scheduler: slot %d not covered by epoch %d table", slot, epoch)
	}
	return leader, nil
}

// Upcoming returns the leaders for the next n slots starting at fromSlot.
func (s *Scheduler) Upcoming(fromSlot uint64, n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		leader, err := s.LeaderAt(fromSlot + uint64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, leader)
	}
	return out, nil
}

// CurrentSlot returns the slot index for now and the time remaining in it.
func (s *Scheduler) CurrentSlot(now time.Time) (uint64, time.Duration) {
	elapsed := now.Sub(s.genesis)
	if elapsed < 0 {
		return 0, s.cfg.SlotDuration
	}
	slot := uint64(elapsed / s.cfg.SlotDuration)
	slotStart := s.genesis.Add(time.Duration(slot) * s.cfg.SlotDuration)
	remaining := s.cfg.SlotDuration - now.Sub(slotStart)
	return slot, remaining
}

// NoteLeadership records that pubkey successfully produced a block,
// bumping its proposal counter. The counter feeds the suitability score the
// next time records are exchanged, not the already-published tables.
func (s *Scheduler) NoteLeadership(pubkey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.validators[pubkey]
	if !ok {
		return
	}
	r.SuccessfulProposals++
	s.validators[pubkey] = r
}
