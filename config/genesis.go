package config

import (
	"encoding/hex"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
	"github.com/tolelom/poh-quantum-node/executor"
)

// GenesisHash is the canonical all-zeros parent hash for the genesis block.
var GenesisHash [32]byte

// CreateGenesisBlock builds and signs block #0, slot 0, from the config's
// Alloc map: every allocated address is credited in state before the root is
// computed, so the genesis block's StateRoot already reflects the initial
// balances rather than an empty world.
func CreateGenesisBlock(cfg *Config, state executor.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	proposerPub := proposerPriv.Public()

	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{Address: pubkeyHex, Balance: balance}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	root := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, GenesisHash, proposerPub.Hex(), 0, 0, nil)
	block.StateRoot = stateRootBytes(root)
	if err := block.Sign(proposerPriv); err != nil {
		return nil, err
	}
	return block, nil
}

func stateRootBytes(hexRoot string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(hexRoot)
	if err != nil || len(b) != 32 {
		return out
	}
	copy(out[:], b)
	return out
}

// IsGenesisHash reports whether h is the canonical genesis parent hash.
func IsGenesisHash(h [32]byte) bool {
	return h == GenesisHash
}
