package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/executor"
)

// awaitFinalizedTimeout bounds how long an awaitFinalized call blocks before
// returning a nil result, comfortably inside the HTTP server's 30s
// read/write timeouts.
const awaitFinalizedTimeout = 25 * time.Second

// Schedule is the subset of scheduler.Scheduler the RPC surface needs to
// answer leader-schedule queries.
type Schedule interface {
	LeaderAt(slot uint64) (string, error)
	Upcoming(fromSlot uint64, n int) ([]string, error)
	CurrentSlot(now time.Time) (uint64, time.Duration)
}

// Finalizer is the subset of validator.Aggregator the RPC surface needs to
// serve the finalized-head long-poll endpoint.
type Finalizer interface {
	FinalizedBlocks() <-chan *core.Block
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	state   executor.State
	sched   Schedule
	agg     Finalizer
	chainID string // genesis chain ID, surfaced to clients for sanity checks
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state executor.State, sched Schedule, agg Finalizer, chainID string) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, sched: sched, agg: agg, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "leaderAt":
		return h.leaderAt(req)

	case "upcoming":
		return h.upcoming(req)

	case "current":
		return h.current(req)

	case "awaitFinalized":
		return h.awaitFinalized(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	case "getChainID":
		return okResponse(req.ID, h.chainID)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{
		"address": params.Address,
		"balance": acc.Balance,
		"nonce":   acc.Nonce,
		"staked":  acc.Staked,
	})
}

func (h *Handler) leaderAt(req Request) Response {
	var params struct {
		Slot uint64 `json:"slot"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	leader, err := h.sched.LeaderAt(params.Slot)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"slot": params.Slot, "leader": leader})
}

func (h *Handler) upcoming(req Request) Response {
	var params struct {
		FromSlot uint64 `json:"from_slot"`
		N        int    `json:"n"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.N <= 0 || params.N > 200 {
		params.N = 20
	}
	leaders, err := h.sched.Upcoming(params.FromSlot, params.N)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"from_slot": params.FromSlot, "leaders": leaders})
}

func (h *Handler) current(req Request) Response {
	now := time.Now()
	slot, remaining := h.sched.CurrentSlot(now)
	leader, err := h.sched.LeaderAt(slot)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{
		"slot":              slot,
		"leader":            leader,
		"slot_remaining_ms": remaining.Milliseconds(),
	})
}

// awaitFinalized blocks until the next block reaches quorum or
// awaitFinalizedTimeout elapses, whichever comes first. A client that wants
// a steady stream of finalized heads calls this in a loop.
func (h *Handler) awaitFinalized(req Request) Response {
	select {
	case block := <-h.agg.FinalizedBlocks():
		return okResponse(req.ID, block)
	case <-time.After(awaitFinalizedTimeout):
		return okResponse(req.ID, nil)
	}
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.IDHex()})
}
