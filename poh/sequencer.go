package poh

import "fmt"

// Sequencer produces a dense, verifiable hash chain for a single slot. It
// is owned exclusively by the goroutine driving block production, so it
// takes no lock on its running hash.
type Sequencer struct {
	running [32]byte
	seq     uint64
	entries []Entry
}

// NewSequencer returns a Sequencer with no entries yet. Call Reset before
// the first Tick/Ingest of a slot.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Reset seeds the chain for a new slot. The first entry of a slot is
// seeded with the hash of the previous block.
func (s *Sequencer) Reset(seed [32]byte) {
	s.running = seed
	s.seq = 0
	s.entries = s.entries[:0]
}

// Tick appends a tick-only entry: hash = H(running_hash).
func (s *Sequencer) Tick() Entry {
	s.running = nextHash(s.running, false, [32]byte{})
	e := Entry{Hash: s.running, Seq: s.seq}
	s.seq++
	s.entries = append(s.entries, e)
	return e
}

// Ingest appends a transaction-bearing entry: hash = H(running_hash || digest).
func (s *Sequencer) Ingest(digest [32]byte) Entry {
	s.running = nextHash(s.running, true, digest)
	e := Entry{Hash: s.running, HasTx: true, TxDigest: digest, Seq: s.seq}
	s.seq++
	s.entries = append(s.entries, e)
	return e
}

// Running returns the current running hash without mutating state.
func (s *Sequencer) Running() [32]byte {
	return s.running
}

// Len returns the number of entries produced since the last Reset.
func (s *Sequencer) Len() int {
	return len(s.entries)
}

// Entries returns the entries produced since the last Reset. The returned
// slice must not be mutated by the caller.
func (s *Sequencer) Entries() []Entry {
	return s.entries
}

// Verify replays entries starting from seed and confirms every hash is
// reproducible. Cost is O(len(entries)) hashes, independent of any work
// that produced the embedded transaction digests.
func Verify(seed [32]byte, entries []Entry) error {
	running := seed
	for i, e := range entries {
		expect := nextHash(running, e.HasTx, e.TxDigest)
		if expect != e.Hash {
			return fmt.Errorf("poh: entry %d hash mismatch: got %x want %x", i, e.Hash, expect)
		}
		if e.Seq != uint64(i) {
			return fmt.Errorf("poh: entry %d out of sequence: seq=%d", i, e.Seq)
		}
		running = e.Hash
	}
	return nil
}
