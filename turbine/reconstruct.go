package turbine

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/tolelom/poh-quantum-node/core"
)

// Reconstruct rebuilds a block from a partial set of shreds for one block
// hash. It requires at least TotalData of the TotalData+TotalRecovery
// shreds to be present (any mix of data and recovery shreds); fewer
// returns an error so the caller can keep waiting or give up at TTL.
func Reconstruct(shreds []Shred) (*core.Block, error) {
	if len(shreds) == 0 {
		return nil, fmt.Errorf("turbine: no shreds to reconstruct from")
	}
	dataShards := int(shreds[0].TotalData)
	recoveryShards := int(shreds[0].TotalRecovery)
	total := dataShards + recoveryShards

	present := make(map[uint32]bool, len(shreds))
	shardData := make([][]byte, total)
	payloadLens := make([]uint16, dataShards)
	for _, s := range shreds {
		if int(s.Index) >= total {
			continue
		}
		present[s.Index] = true
		buf := make([]byte, PayloadSize)
		copy(buf, s.Payload[:])
		shardData[s.Index] = buf
		if s.IsData {
			payloadLens[s.Index] = s.PayloadLen
		}
	}
	if len(present) < dataShards {
		return nil, fmt.Errorf("turbine: have %d shreds, need at least %d data shards", len(present), dataShards)
	}

	enc, err := reedsolomon.New(dataShards, recoveryShards)
	if err != nil {
		return nil, fmt.Errorf("turbine: new encoder: %w", err)
	}
	if err := enc.Reconstruct(shardData); err != nil {
		return nil, fmt.Errorf("turbine: reconstruct: %w", err)
	}

	lastLen := int(payloadLens[dataShards-1])
	if lastLen == 0 {
		lastLen = PayloadSize
	}
	out := make([]byte, 0, (dataShards-1)*PayloadSize+lastLen)
	for i := 0; i < dataShards; i++ {
		if i == dataShards-1 {
			out = append(out, shardData[i][:lastLen]...)
		} else {
			out = append(out, shardData[i]...)
		}
	}

	return core.Deserialize(out)
}
