package network

import (
	"context"
	"encoding/json"
	"log"

	"github.com/tolelom/poh-quantum-node/core"
)

// GetBlocksRequest asks a peer for blocks starting at FromHeight.
type GetBlocksRequest struct {
	FromHeight int64 `json:"from_height"`
	Limit      int   `json:"limit"`
}

// BlocksResponse carries a batch of blocks.
type BlocksResponse struct {
	Blocks []*core.Block `json:"blocks"`
}

// BlockProcessor verifies and commits an already-finalized block (one
// carrying its vote set), the shape served during catch-up sync.
// validator.Validator satisfies this.
type BlockProcessor interface {
	ProcessFinalizedBlock(ctx context.Context, block *core.Block) error
}

// Syncer handles block synchronisation between nodes: a node that falls
// behind the tip requests the missing range from a peer and feeds every
// returned block through the same verification pipeline used for blocks
// that arrive live via Turbine, so a caught-up node never trusts a peer's
// blocks any more than it trusts the original producer.
type Syncer struct {
	node      *Node
	bc        *core.Blockchain
	processor BlockProcessor
}

// NewSyncer creates a Syncer that requests missing blocks from peers and
// runs each one through processor before it is considered part of the chain.
func NewSyncer(node *Node, bc *core.Blockchain, processor BlockProcessor) *Syncer {
	s := &Syncer{node: node, bc: bc, processor: processor}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// RequestBlocks asks peer for blocks starting at fromHeight.
func (s *Syncer) RequestBlocks(peer *Peer, fromHeight int64) error {
	req, err := json.Marshal(GetBlocksRequest{FromHeight: fromHeight, Limit: 50})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*core.Block, 0, req.Limit)
	for h := req.FromHeight; h < req.FromHeight+int64(req.Limit); h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	for _, b := range resp.Blocks {
		if err := s.processor.ProcessFinalizedBlock(context.Background(), b); err != nil {
			log.Printf("[sync] block %d rejected: %v", b.Height, err)
			continue
		}
	}
}
