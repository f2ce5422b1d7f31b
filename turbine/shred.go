// Package turbine shreds a finalized block into fixed-size fragments and
// distributes them across a stake-weighted propagation tree so that the
// producer sends each shred to only one layer-1 validator.
package turbine

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/tolelom/poh-quantum-node/crypto"
)

// PayloadSize is the fixed shred payload length; the last data shred of a
// block is padded out to it.
const PayloadSize = 1280

// RecoveryRatio is the fraction of recovery shreds generated relative to
// data shreds, giving tolerance for up to RecoveryRatio/(1+RecoveryRatio)
// fraction of shred loss.
const RecoveryRatio = 0.33

// Shred is one fragment of a serialized block.
type Shred struct {
	BlockHash     [32]byte
	Index         uint32
	TotalData     uint32
	TotalRecovery uint32
	PayloadLen    uint16
	Payload       [PayloadSize]byte
	IsData        bool
	Signature     string // hex-encoded ed25519 signature over the header+payload
}

func (s *Shred) signedBody() []byte {
	var buf bytes.Buffer
	buf.Write(s.BlockHash[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], s.Index)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], s.TotalData)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], s.TotalRecovery)
	buf.Write(u32[:])
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], s.PayloadLen)
	buf.Write(u16[:])
	buf.Write(s.Payload[:s.PayloadLen])
	if s.IsData {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Sign signs the shred with the producer's key.
func (s *Shred) Sign(priv crypto.PrivateKey) {
	s.Signature = crypto.Sign(priv, s.signedBody())
}

// Verify checks the shred's signature against the producer's public key.
func (s *Shred) Verify(producer crypto.PublicKey) error {
	return crypto.Verify(producer, s.signedBody(), s.Signature)
}

// MarshalBinary encodes the shred per the wire format: shred_type(1),
// block_hash(32), index(4 LE), total_data(4 LE), total_recovery(4 LE),
// payload_len(2 LE), payload(payload_len), producer_signature(64).
func (s *Shred) MarshalBinary() ([]byte, error) {
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return nil, fmt.Errorf("shred: signature: %w", err)
	}
	var buf bytes.Buffer
	if s.IsData {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(s.BlockHash[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], s.Index)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], s.TotalData)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], s.TotalRecovery)
	buf.Write(u32[:])
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], s.PayloadLen)
	buf.Write(u16[:])
	buf.Write(s.Payload[:s.PayloadLen])
	buf.Write(sig)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a shred encoded by MarshalBinary.
func (s *Shred) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	typeByte, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("shred: type: %w", err)
	}
	s.IsData = typeByte == 1
	if _, err := io.ReadFull(r, s.BlockHash[:]); err != nil {
		return fmt.Errorf("shred: block hash: %w", err)
	}
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return fmt.Errorf("shred: index: %w", err)
	}
	s.Index = binary.LittleEndian.Uint32(u32[:])
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return fmt.Errorf("shred: total data: %w", err)
	}
	s.TotalData = binary.LittleEndian.Uint32(u32[:])
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return fmt.Errorf("shred: total recovery: %w", err)
	}
	s.TotalRecovery = binary.LittleEndian.Uint32(u32[:])
	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return fmt.Errorf("shred: payload len: %w", err)
	}
	s.PayloadLen = binary.LittleEndian.Uint16(u16[:])
	if s.PayloadLen > PayloadSize {
		return fmt.Errorf("shred: payload len %d exceeds max %d", s.PayloadLen, PayloadSize)
	}
	if _, err := io.ReadFull(r, s.Payload[:s.PayloadLen]); err != nil {
		return fmt.Errorf("shred: payload: %w", err)
	}
	sig := make([]byte, 64)
	if _, err := io.ReadFull(r, sig); err != nil {
		return fmt.Errorf("shred: signature: %w", err)
	}
	s.Signature = hex.EncodeToString(sig)
	return nil
}
