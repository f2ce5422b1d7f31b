package core

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tolelom/poh-quantum-node/crypto"
	"github.com/tolelom/poh-quantum-node/poh"
)

// Block is a collection of ordered transactions with a signed header, the
// full PoH sequence produced while building it, and (once finalized) the
// vote set that reached quorum.
type Block struct {
	Height       uint64
	ParentHash   [32]byte
	Producer     string // hex-encoded ed25519 public key
	Slot         uint64
	Timestamp    int64 // nanoseconds
	Transactions []*Transaction
	PoHSequence  []poh.Entry
	StateRoot    [32]byte
	Signature    string // hex-encoded ed25519 signature over the signed payload

	// Votes is attached after finalization; it is never part of the signed
	// payload, so appending votes does not change Hash().
	Votes []Vote
}

// NewBlock creates an unsigned block. Call Sign after StateRoot and
// PoHSequence have been populated by the builder.
func NewBlock(height uint64, parentHash [32]byte, producer string, slot uint64, timestamp int64, txs []*Transaction) *Block {
	return &Block{
		Height:       height,
		ParentHash:   parentHash,
		Producer:     producer,
		Slot:         slot,
		Timestamp:    timestamp,
		Transactions: txs,
	}
}

// signedPayload returns the canonical byte encoding of every field covered
// by the producer signature, in wire order.
func (b *Block) signedPayload() ([]byte, error) {
	var buf bytes.Buffer
	var u64 [8]byte

	binary.LittleEndian.PutUint64(u64[:], b.Height)
	buf.Write(u64[:])

	buf.Write(b.ParentHash[:])

	producerKey, err := crypto.PubKeyFromHex(b.Producer)
	if err != nil {
		return nil, fmt.Errorf("block: invalid producer key: %w", err)
	}
	buf.Write(producerKey)

	binary.LittleEndian.PutUint64(u64[:], b.Slot)
	buf.Write(u64[:])

	binary.LittleEndian.PutUint64(u64[:], uint64(b.Timestamp))
	buf.Write(u64[:])

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.Transactions)))
	buf.Write(u32[:])
	for i, tx := range b.Transactions {
		data, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("block: marshal tx %d: %w", i, err)
		}
		binary.LittleEndian.PutUint32(u32[:], uint32(len(data)))
		buf.Write(u32[:])
		buf.Write(data)
	}

	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.PoHSequence)))
	buf.Write(u32[:])
	for _, e := range b.PoHSequence {
		buf.Write(e.Hash[:])
		if e.HasTx {
			buf.WriteByte(1)
			buf.Write(e.TxDigest[:])
		} else {
			buf.WriteByte(0)
		}
	}

	buf.Write(b.StateRoot[:])
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of the signed payload. This is the value
// referenced as ParentHash by the next block and as BlockHash in votes.
func (b *Block) Hash() ([32]byte, error) {
	payload, err := b.signedPayload()
	if err != nil {
		return [32]byte{}, err
	}
	var h [32]byte
	copy(h[:], crypto.HashBytes(payload))
	return h, nil
}

// Sign signs the block's payload with the producer's private key.
func (b *Block) Sign(priv crypto.PrivateKey) error {
	payload, err := b.signedPayload()
	if err != nil {
		return err
	}
	b.Signature = crypto.Sign(priv, payload)
	return nil
}

// VerifySignature checks the producer signature over the current payload.
func (b *Block) VerifySignature() error {
	pub, err := crypto.PubKeyFromHex(b.Producer)
	if err != nil {
		return fmt.Errorf("block: invalid producer key: %w", err)
	}
	payload, err := b.signedPayload()
	if err != nil {
		return err
	}
	return crypto.Verify(pub, payload, b.Signature)
}

// VerifyPoH replays the block's PoH sequence against its parent hash and
// reports whether it reproduces byte-for-byte.
func (b *Block) VerifyPoH() error {
	return poh.Verify(b.ParentHash, b.PoHSequence)
}
