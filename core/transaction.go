package core

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tolelom/poh-quantum-node/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType uint8

const (
	TxTransfer TxType = iota
	TxStake
	TxUnstake
	TxExchange
)

func (t TxType) String() string {
	switch t {
	case TxTransfer:
		return "transfer"
	case TxStake:
		return "stake"
	case TxUnstake:
		return "unstake"
	case TxExchange:
		return "exchange"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// RecentBlockhashWindow is the number of slots a transaction's recent
// blockhash remains valid for. A transaction referencing a hash exactly
// this many slots old is admissible; one slot older is not.
const RecentBlockhashWindow = 150

// Transaction is the atomic unit of work submitted to the chain.
// Sender and Receiver are hex-encoded ed25519 public keys. ID is a 128-bit
// value that must be unique within the last RecentBlockhashWindow slots.
type Transaction struct {
	ID              [16]byte
	Sender          string
	Receiver        string
	Amount          uint64
	Type            TxType
	Timestamp       int64 // nanoseconds
	RecentBlockhash string
	Signature       string
}

// signingBody holds the fields covered by the signature; ID and Signature
// themselves are excluded so a client can finish signing before deriving ID.
type signingBody struct {
	Sender          string
	Receiver        string
	Amount          uint64
	Type            TxType
	Timestamp       int64
	RecentBlockhash string
}

func (tx *Transaction) body() signingBody {
	return signingBody{
		Sender:          tx.Sender,
		Receiver:        tx.Receiver,
		Amount:          tx.Amount,
		Type:            tx.Type,
		Timestamp:       tx.Timestamp,
		RecentBlockhash: tx.RecentBlockhash,
	}
}

// encode produces a canonical, length-prefixed byte encoding of the signing
// body so Digest/Sign/Verify never depend on struct layout or map order.
func (b signingBody) encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, b.Sender)
	writeString(&buf, b.Receiver)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], b.Amount)
	buf.Write(n[:])
	buf.WriteByte(byte(b.Type))
	binary.BigEndian.PutUint64(n[:], uint64(b.Timestamp))
	buf.Write(n[:])
	writeString(&buf, b.RecentBlockhash)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// Digest returns the 32-byte SHA-256 digest of the signing body. This is the
// value folded into the PoH sequence when the transaction is ingested.
func (tx *Transaction) Digest() [32]byte {
	var d [32]byte
	copy(d[:], crypto.HashBytes(tx.body().encode()))
	return d
}

// Sign computes the signature over the signing body and assigns a fresh
// random 128-bit ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) error {
	if _, err := rand.Read(tx.ID[:]); err != nil {
		return fmt.Errorf("generate tx id: %w", err)
	}
	digest := tx.Digest()
	tx.Signature = crypto.Sign(priv, digest[:])
	return nil
}

// Verify checks that Sender decodes to a valid public key and that
// Signature is valid over the signing body.
func (tx *Transaction) Verify() error {
	if tx.Sender == "" {
		return errors.New("transaction: missing sender")
	}
	pub, err := crypto.PubKeyFromHex(tx.Sender)
	if err != nil {
		return fmt.Errorf("transaction: invalid sender key: %w", err)
	}
	digest := tx.Digest()
	return crypto.Verify(pub, digest[:], tx.Signature)
}

// IDHex returns the hex-encoded transaction ID.
func (tx *Transaction) IDHex() string {
	return hex.EncodeToString(tx.ID[:])
}
