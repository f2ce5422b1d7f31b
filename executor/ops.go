package executor

import (
	"errors"
	"fmt"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/events"
)

// Context is passed to every OpHandler and provides access to chain state,
// the block being executed, the triggering transaction, and the emitter.
type Context struct {
	State   State
	Block   *core.Block
	Tx      *core.Transaction
	Emitter *events.Emitter
}

func opTransfer(ctx *Context, tx *core.Transaction) error {
	sender, err := ctx.State.GetAccount(tx.Sender)
	if err != nil {
		return fmt.Errorf("get sender: %w", err)
	}
	if sender.Balance < tx.Amount {
		return fmt.Errorf("insufficient balance: have %d need %d", sender.Balance, tx.Amount)
	}
	receiver, err := ctx.State.GetAccount(tx.Receiver)
	if err != nil {
		return fmt.Errorf("get receiver: %w", err)
	}
	sender.Balance -= tx.Amount
	receiver.Balance += tx.Amount
	if err := ctx.State.SetAccount(sender); err != nil {
		return err
	}
	return ctx.State.SetAccount(receiver)
}

func opStake(ctx *Context, tx *core.Transaction) error {
	acc, err := ctx.State.GetAccount(tx.Sender)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Balance < tx.Amount {
		return fmt.Errorf("insufficient balance to stake: have %d need %d", acc.Balance, tx.Amount)
	}
	acc.Balance -= tx.Amount
	acc.Staked += tx.Amount
	return ctx.State.SetAccount(acc)
}

func opUnstake(ctx *Context, tx *core.Transaction) error {
	acc, err := ctx.State.GetAccount(tx.Sender)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Staked < tx.Amount {
		return fmt.Errorf("insufficient stake: have %d need %d", acc.Staked, tx.Amount)
	}
	acc.Staked -= tx.Amount
	acc.Balance += tx.Amount
	return ctx.State.SetAccount(acc)
}

// opExchange models a balance-for-stake swap between two accounts at a 1:1
// rate: the sender moves liquid balance to the receiver and, in the same
// atomic step, the receiver's stake credits the sender. It exists so the
// exchange transaction type exercises a handler that touches both sides'
// Staked and Balance fields instead of duplicating opTransfer.
func opExchange(ctx *Context, tx *core.Transaction) error {
	if tx.Sender == tx.Receiver {
		return errors.New("exchange: sender and receiver must differ")
	}
	sender, err := ctx.State.GetAccount(tx.Sender)
	if err != nil {
		return fmt.Errorf("get sender: %w", err)
	}
	if sender.Balance < tx.Amount {
		return fmt.Errorf("insufficient balance: have %d need %d", sender.Balance, tx.Amount)
	}
	receiver, err := ctx.State.GetAccount(tx.Receiver)
	if err != nil {
		return fmt.Errorf("get receiver: %w", err)
	}
	if receiver.Staked < tx.Amount {
		return fmt.Errorf("counterparty has insufficient stake: have %d need %d", receiver.Staked, tx.Amount)
	}
	sender.Balance -= tx.Amount
	sender.Staked += tx.Amount
	receiver.Staked -= tx.Amount
	receiver.Balance += tx.Amount
	if err := ctx.State.SetAccount(sender); err != nil {
		return err
	}
	return ctx.State.SetAccount(receiver)
}
