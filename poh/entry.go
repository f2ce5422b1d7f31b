// Package poh implements the Proof-of-History hash chain: a sequential,
// verifiable record of elapsed time interleaved with the transactions a
// leader observed. Verification cost is O(n) hashes and is independent of
// the cost of whatever produced the hashed entries.
package poh

import "github.com/tolelom/poh-quantum-node/crypto"

// Entry is one link in the PoH chain for a slot.
//
//	entry[i].Hash = H(entry[i-1].Hash || txDigestOrEmpty)
//
// HasTx reports whether TxDigest is meaningful; a tick entry carries no
// transaction digest.
type Entry struct {
	Hash     [32]byte
	HasTx    bool
	TxDigest [32]byte
	Seq      uint64
}

func nextHash(prev [32]byte, hasTx bool, digest [32]byte) [32]byte {
	buf := make([]byte, 32, 64)
	copy(buf, prev[:])
	if hasTx {
		buf = append(buf, digest[:]...)
	}
	var out [32]byte
	copy(out[:], crypto.HashBytes(buf))
	return out
}
