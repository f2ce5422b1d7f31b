package executor

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/events"
)

// MaxParallelism bounds how many transactions within a single batch run
// concurrently. Batches themselves always run one at a time.
const MaxParallelism = 8

// Executor applies a block's transactions to state using an op Registry,
// parallelizing within conflict-free batches and serializing across them.
type Executor struct {
	state    State
	registry *Registry
	emitter  *events.Emitter
}

// NewExecutor creates an Executor over state using registry for dispatch.
func NewExecutor(state State, registry *Registry, emitter *events.Emitter) *Executor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Executor{state: state, registry: registry, emitter: emitter}
}

// ExecuteBlock applies every transaction in block, batch by batch. Within a
// batch, transactions run concurrently, each against its own write-back
// overlay (see txOverlay); a transaction that fails only discards its own
// overlay and is dropped from the block's effective transaction list,
// rather than aborting the whole block, matching the skip-bad-tx semantics
// a leader's own executor uses when building rather than re-validating a
// block. The batcher guarantees disjoint account footprints within a batch,
// so overlays never need to coordinate with one another; only the flush of
// an already-succeeded transaction touches the shared state. Callers that
// need strict all-or-nothing semantics (e.g. revalidating an already-built
// block) should treat any returned error as a hard rejection.
//
// The returned list preserves block.Transactions' order regardless of how
// worker goroutines interleave, so a block signed over it is a
// deterministic function of the admitted set.
func (e *Executor) ExecuteBlock(ctx context.Context, block *core.Block) ([]*core.Transaction, error) {
	txs := block.Transactions
	batches := Plan(txs)

	pos := make(map[*core.Transaction]int, len(txs))
	for i, tx := range txs {
		pos[tx] = i
	}
	ok := make([]bool, len(txs))

	for bi, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(MaxParallelism)

		for _, tx := range batch {
			tx := tx
			i := pos[tx]
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				done, err := e.executeTx(block, tx)
				if err != nil {
					return fmt.Errorf("batch %d tx %s: %w", bi, tx.IDHex(), err)
				}
				ok[i] = done // workers write disjoint indices
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	applied := make([]*core.Transaction, 0, len(txs))
	for i, tx := range txs {
		if ok[i] {
			applied = append(applied, tx)
		}
	}
	return applied, nil
}

// executeTx verifies a transaction and applies it against a private overlay
// of e.state, flushing the overlay's writes into the shared state only on
// success. It returns ok=false (with a nil error) when the transaction
// itself is invalid and should simply be dropped — a bad signature,
// insufficient balance, or any other per-transaction failure is not a
// reason to fail the whole batch, and because the overlay was never
// flushed, the shared state is left exactly as it was.
func (e *Executor) executeTx(block *core.Block, tx *core.Transaction) (bool, error) {
	if err := tx.Verify(); err != nil {
		return false, nil
	}

	ov := newTxOverlay(e.state)
	if err := e.applyTx(ov, block, tx); err != nil {
		return false, nil
	}
	if err := ov.flush(); err != nil {
		return false, fmt.Errorf("flush: %w", err)
	}

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type: events.EventTxExecuted,
			TxID: tx.IDHex(),
			Slot: block.Slot,
			Data: map[string]any{"type": tx.Type.String(), "sender": tx.Sender},
		})
	}
	return true, nil
}

func (e *Executor) applyTx(ov *txOverlay, block *core.Block, tx *core.Transaction) error {
	acc, err := ov.GetAccount(tx.Sender)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("nonce overflow for account %s", tx.Sender)
	}
	acc.Nonce++
	if err := ov.SetAccount(acc); err != nil {
		return err
	}

	ctx := &Context{
		State:   ov,
		Block:   block,
		Tx:      tx,
		Emitter: e.emitter,
	}
	return e.registry.dispatch(ctx, tx)
}
