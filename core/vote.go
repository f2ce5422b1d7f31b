package core

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/tolelom/poh-quantum-node/crypto"
)

// Vote is cast by a validator after independently verifying a block. It is
// admissible for aggregation only if the signer is healthy for voting at
// the time of aggregation.
type Vote struct {
	Validator string // hex-encoded ed25519 public key
	Slot      uint64
	BlockHash [32]byte
	StateRoot [32]byte
	Signature string
}

func (v *Vote) payload() []byte {
	var buf bytes.Buffer
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], v.Slot)
	buf.Write(u64[:])
	buf.Write(v.BlockHash[:])
	buf.Write(v.StateRoot[:])
	return buf.Bytes()
}

// Sign signs the vote payload (slot, block hash, state root) with priv.
func (v *Vote) Sign(priv crypto.PrivateKey) {
	v.Validator = priv.Public().Hex()
	v.Signature = crypto.Sign(priv, v.payload())
}

// Verify checks the vote's signature against its declared Validator key.
func (v *Vote) Verify() error {
	pub, err := crypto.PubKeyFromHex(v.Validator)
	if err != nil {
		return fmt.Errorf("vote: invalid validator key: %w", err)
	}
	return crypto.Verify(pub, v.payload(), v.Signature)
}

// MarshalBinary encodes the vote as validator_key(32) slot(8 LE)
// block_hash(32) state_root(32) signature(64).
func (v *Vote) MarshalBinary() ([]byte, error) {
	validator, err := hexToFixed(v.Validator, 32)
	if err != nil {
		return nil, fmt.Errorf("vote: validator: %w", err)
	}
	sig, err := hexToFixed(v.Signature, 64)
	if err != nil {
		return nil, fmt.Errorf("vote: signature: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(validator)
	buf.Write(v.payload())
	buf.Write(sig)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a vote encoded by MarshalBinary.
func (v *Vote) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	validator := make([]byte, 32)
	if _, err := io.ReadFull(r, validator); err != nil {
		return fmt.Errorf("vote: validator: %w", err)
	}
	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return fmt.Errorf("vote: slot: %w", err)
	}
	v.Slot = binary.LittleEndian.Uint64(u64[:])
	if _, err := io.ReadFull(r, v.BlockHash[:]); err != nil {
		return fmt.Errorf("vote: block hash: %w", err)
	}
	if _, err := io.ReadFull(r, v.StateRoot[:]); err != nil {
		return fmt.Errorf("vote: state root: %w", err)
	}
	sig := make([]byte, 64)
	if _, err := io.ReadFull(r, sig); err != nil {
		return fmt.Errorf("vote: signature: %w", err)
	}
	v.Validator = hex.EncodeToString(validator)
	v.Signature = hex.EncodeToString(sig)
	return nil
}
