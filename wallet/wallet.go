package wallet

import (
	"time"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key (used as "from" address).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the short human-readable address (first 20 bytes of SHA-256(pubkey)).
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// newTx builds and signs a transaction of the given type. recentBlockhash
// should name a block within core.RecentBlockhashWindow slots of submission,
// per the mempool's admission rule.
func (w *Wallet) newTx(typ core.TxType, receiver string, amount uint64, recentBlockhash string) (*core.Transaction, error) {
	tx := &core.Transaction{
		Sender:          w.pub.Hex(),
		Receiver:        receiver,
		Amount:          amount,
		Type:            typ,
		Timestamp:       time.Now().UnixNano(),
		RecentBlockhash: recentBlockhash,
	}
	if err := tx.Sign(w.priv); err != nil {
		return nil, err
	}
	return tx, nil
}

// Transfer creates a signed transfer of amount from this wallet to to.
func (w *Wallet) Transfer(to string, amount uint64, recentBlockhash string) (*core.Transaction, error) {
	return w.newTx(core.TxTransfer, to, amount, recentBlockhash)
}

// Stake creates a signed transaction bonding amount of this wallet's liquid
// balance into stake.
func (w *Wallet) Stake(amount uint64, recentBlockhash string) (*core.Transaction, error) {
	return w.newTx(core.TxStake, "", amount, recentBlockhash)
}

// Unstake creates a signed transaction unbonding amount of stake back into
// liquid balance.
func (w *Wallet) Unstake(amount uint64, recentBlockhash string) (*core.Transaction, error) {
	return w.newTx(core.TxUnstake, "", amount, recentBlockhash)
}

// Exchange creates a signed transaction that swaps amount of this wallet's
// liquid balance for an equal amount of counterparty's stake.
func (w *Wallet) Exchange(counterparty string, amount uint64, recentBlockhash string) (*core.Transaction, error) {
	return w.newTx(core.TxExchange, counterparty, amount, recentBlockhash)
}
