package executor

import (
	"fmt"
	"sync"

	"github.com/tolelom/poh-quantum-node/core"
)

// OpHandler applies one transaction's effect against state. Nonce
// bookkeeping is handled by the Executor; each handler performs its own
// balance or stake check before the operation-specific mutation.
type OpHandler func(ctx *Context, tx *core.Transaction) error

// Registry maps TxTypes to OpHandlers. Thread-safe for concurrent lookup
// from parallel batch workers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.TxType]OpHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.TxType]OpHandler)}
}

// RegisterOp associates typ with h. Panics on duplicate registration, since
// that indicates a wiring bug rather than a runtime condition.
func (r *Registry) RegisterOp(typ core.TxType, h OpHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typ]; exists {
		panic(fmt.Sprintf("executor: op already registered for TxType %q", typ))
	}
	r.handlers[typ] = h
}

func (r *Registry) dispatch(ctx *Context, tx *core.Transaction) error {
	r.mu.RLock()
	h, ok := r.handlers[tx.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("executor: no op registered for TxType %q", tx.Type)
	}
	return h(ctx, tx)
}

// DefaultRegistry wires the operations every conformant node must support:
// transfer, stake, unstake and exchange.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterOp(core.TxTransfer, opTransfer)
	r.RegisterOp(core.TxStake, opStake)
	r.RegisterOp(core.TxUnstake, opUnstake)
	r.RegisterOp(core.TxExchange, opExchange)
	return r
}
