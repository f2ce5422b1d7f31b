package core

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/tolelom/poh-quantum-node/poh"
)

// MarshalBinary encodes a transaction as:
// id(16) sender(32) receiver(32) amount(8 LE) type(1) timestamp(8 LE)
// recent_blockhash(32) signature(64).
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	sender, err := hexToFixed(tx.Sender, 32)
	if err != nil {
		return nil, fmt.Errorf("tx: sender: %w", err)
	}
	receiver, err := hexToFixed(tx.Receiver, 32)
	if err != nil {
		return nil, fmt.Errorf("tx: receiver: %w", err)
	}
	blockhash, err := hexToFixed(tx.RecentBlockhash, 32)
	if err != nil {
		return nil, fmt.Errorf("tx: recent blockhash: %w", err)
	}
	sig, err := hexToFixed(tx.Signature, 64)
	if err != nil {
		return nil, fmt.Errorf("tx: signature: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(tx.ID[:])
	buf.Write(sender)
	buf.Write(receiver)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], tx.Amount)
	buf.Write(u64[:])
	buf.WriteByte(byte(tx.Type))
	binary.LittleEndian.PutUint64(u64[:], uint64(tx.Timestamp))
	buf.Write(u64[:])
	buf.Write(blockhash)
	buf.Write(sig)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a transaction encoded by MarshalBinary.
func (tx *Transaction) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, tx.ID[:]); err != nil {
		return fmt.Errorf("tx: id: %w", err)
	}
	sender := make([]byte, 32)
	if _, err := io.ReadFull(r, sender); err != nil {
		return fmt.Errorf("tx: sender: %w", err)
	}
	receiver := make([]byte, 32)
	if _, err := io.ReadFull(r, receiver); err != nil {
		return fmt.Errorf("tx: receiver: %w", err)
	}
	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return fmt.Errorf("tx: amount: %w", err)
	}
	tx.Amount = binary.LittleEndian.Uint64(u64[:])
	typeByte, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("tx: type: %w", err)
	}
	tx.Type = TxType(typeByte)
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return fmt.Errorf("tx: timestamp: %w", err)
	}
	tx.Timestamp = int64(binary.LittleEndian.Uint64(u64[:]))
	blockhash := make([]byte, 32)
	if _, err := io.ReadFull(r, blockhash); err != nil {
		return fmt.Errorf("tx: recent blockhash: %w", err)
	}
	sig := make([]byte, 64)
	if _, err := io.ReadFull(r, sig); err != nil {
		return fmt.Errorf("tx: signature: %w", err)
	}
	tx.Sender = hex.EncodeToString(sender)
	// MarshalBinary writes an empty Receiver or RecentBlockhash as 32 zero
	// bytes; decode those back to "" so the signing body round-trips.
	zero := make([]byte, 32)
	tx.Receiver = ""
	if !bytes.Equal(receiver, zero) {
		tx.Receiver = hex.EncodeToString(receiver)
	}
	tx.RecentBlockhash = ""
	if !bytes.Equal(blockhash, zero) {
		tx.RecentBlockhash = hex.EncodeToString(blockhash)
	}
	tx.Signature = hex.EncodeToString(sig)
	return nil
}

func hexToFixed(s string, n int) ([]byte, error) {
	if s == "" {
		return make([]byte, n), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// Serialize produces the byte-exact wire/storage encoding of the block:
// the signed payload followed by the producer signature.
func (b *Block) Serialize() ([]byte, error) {
	payload, err := b.signedPayload()
	if err != nil {
		return nil, err
	}
	sig, err := hexToFixed(b.Signature, 64)
	if err != nil {
		return nil, fmt.Errorf("block: signature: %w", err)
	}
	return append(payload, sig...), nil
}

// Deserialize parses a byte-exact encoding produced by Serialize.
func Deserialize(data []byte) (*Block, error) {
	r := bytes.NewReader(data)
	b := &Block{}

	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("block: height: %w", err)
	}
	b.Height = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, b.ParentHash[:]); err != nil {
		return nil, fmt.Errorf("block: parent hash: %w", err)
	}

	producer := make([]byte, 32)
	if _, err := io.ReadFull(r, producer); err != nil {
		return nil, fmt.Errorf("block: producer: %w", err)
	}
	b.Producer = hex.EncodeToString(producer)

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("block: slot: %w", err)
	}
	b.Slot = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("block: timestamp: %w", err)
	}
	b.Timestamp = int64(binary.LittleEndian.Uint64(u64[:]))

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("block: tx count: %w", err)
	}
	txCount := binary.LittleEndian.Uint32(u32[:])
	b.Transactions = make([]*Transaction, 0, txCount)
	for i := uint32(0); i < txCount; i++ {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, fmt.Errorf("block: tx %d length: %w", i, err)
		}
		length := binary.LittleEndian.Uint32(u32[:])
		raw := make([]byte, length)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("block: tx %d body: %w", i, err)
		}
		tx := &Transaction{}
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("block: tx %d decode: %w", i, err)
		}
		b.Transactions = append(b.Transactions, tx)
	}

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("block: poh count: %w", err)
	}
	pohCount := binary.LittleEndian.Uint32(u32[:])
	b.PoHSequence = make([]poh.Entry, 0, pohCount)
	for i := uint32(0); i < pohCount; i++ {
		var e poh.Entry
		if _, err := io.ReadFull(r, e.Hash[:]); err != nil {
			return nil, fmt.Errorf("block: poh %d hash: %w", i, err)
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("block: poh %d flag: %w", i, err)
		}
		if flag == 1 {
			e.HasTx = true
			if _, err := io.ReadFull(r, e.TxDigest[:]); err != nil {
				return nil, fmt.Errorf("block: poh %d digest: %w", i, err)
			}
		}
		e.Seq = uint64(i)
		b.PoHSequence = append(b.PoHSequence, e)
	}

	if _, err := io.ReadFull(r, b.StateRoot[:]); err != nil {
		return nil, fmt.Errorf("block: state root: %w", err)
	}

	sig := make([]byte, 64)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("block: signature: %w", err)
	}
	b.Signature = hex.EncodeToString(sig)

	return b, nil
}
