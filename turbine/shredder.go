package turbine

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
)

// maxShards is the ceiling klauspost/reedsolomon imposes on data+parity
// shards combined; ShredBlock returns an error for a block that would need
// more data plus recovery shards than this.
const maxShards = 256

// ShredBlock splits a finalized block into data shreds and generates systematic
// Reed-Solomon recovery shreds at RecoveryRatio redundancy, replacing the
// source design's XOR scheme (which cannot actually guarantee 33% loss
// tolerance) while keeping the same on-wire shred header.
func ShredBlock(block *core.Block, priv crypto.PrivateKey) ([]Shred, error) {
	serialized, err := block.Serialize()
	if err != nil {
		return nil, fmt.Errorf("turbine: serialize block: %w", err)
	}
	hash, err := block.Hash()
	if err != nil {
		return nil, fmt.Errorf("turbine: hash block: %w", err)
	}

	dataShards := (len(serialized) + PayloadSize - 1) / PayloadSize
	if dataShards == 0 {
		dataShards = 1
	}
	recoveryShards := int(float64(dataShards) * RecoveryRatio)
	if recoveryShards == 0 {
		recoveryShards = 1
	}
	if dataShards+recoveryShards > maxShards {
		return nil, fmt.Errorf("turbine: block requires %d shards, exceeds max %d", dataShards+recoveryShards, maxShards)
	}

	enc, err := reedsolomon.New(dataShards, recoveryShards)
	if err != nil {
		return nil, fmt.Errorf("turbine: new encoder: %w", err)
	}

	shardData := make([][]byte, dataShards+recoveryShards)
	for i := 0; i < dataShards; i++ {
		shardData[i] = make([]byte, PayloadSize)
	}
	for i, b := range serialized {
		shardData[i/PayloadSize][i%PayloadSize] = b
	}
	for i := dataShards; i < dataShards+recoveryShards; i++ {
		shardData[i] = make([]byte, PayloadSize)
	}

	if err := enc.Encode(shardData); err != nil {
		return nil, fmt.Errorf("turbine: encode: %w", err)
	}

	shreds := make([]Shred, len(shardData))
	for i, data := range shardData {
		s := Shred{
			BlockHash:     hash,
			Index:         uint32(i),
			TotalData:     uint32(dataShards),
			TotalRecovery: uint32(recoveryShards),
			IsData:        i < dataShards,
		}
		if i == dataShards-1 {
			s.PayloadLen = uint16(len(serialized) - (dataShards-1)*PayloadSize)
		} else {
			s.PayloadLen = PayloadSize
		}
		copy(s.Payload[:], data)
		s.Sign(priv)
		shreds[i] = s
	}
	return shreds, nil
}
