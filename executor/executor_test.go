package executor

import (
	"context"
	"testing"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/internal/testutil"
	"github.com/tolelom/poh-quantum-node/wallet"
)

func fund(t *testing.T, state State, address string, balance, staked uint64) {
	t.Helper()
	if err := state.SetAccount(&core.Account{Address: address, Balance: balance, Staked: staked}); err != nil {
		t.Fatal(err)
	}
}

func mustWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func balanceOf(t *testing.T, state State, address string) *core.Account {
	t.Helper()
	acc, err := state.GetAccount(address)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", address, err)
	}
	return acc
}

// TestExecuteBlockAppliesTransfers runs a block of signed transfers and
// checks balances, nonces, and that every transaction lands.
func TestExecuteBlockAppliesTransfers(t *testing.T) {
	state := testutil.NewStateDB()
	a, b := mustWallet(t), mustWallet(t)
	fund(t, state, a.PubKey(), 100, 0)

	t1, err := a.Transfer(b.PubKey(), 30, "")
	if err != nil {
		t.Fatal(err)
	}
	t2, err := a.Transfer(b.PubKey(), 20, "")
	if err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(state, DefaultRegistry(), nil)
	block := core.NewBlock(1, [32]byte{}, a.PubKey(), 1, 0, []*core.Transaction{t1, t2})
	applied, err := exec.ExecuteBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied count: got %d want 2", len(applied))
	}

	if acc := balanceOf(t, state, a.PubKey()); acc.Balance != 50 {
		t.Errorf("sender balance: got %d want 50", acc.Balance)
	}
	if acc := balanceOf(t, state, a.PubKey()); acc.Nonce != 2 {
		t.Errorf("sender nonce: got %d want 2", acc.Nonce)
	}
	if acc := balanceOf(t, state, b.PubKey()); acc.Balance != 50 {
		t.Errorf("receiver balance: got %d want 50", acc.Balance)
	}
}

// TestInsufficientBalanceSkipsOnlyThatTx checks that a tx the sender
// cannot afford is silently dropped without aborting the block or leaving
// partial writes behind.
func TestInsufficientBalanceSkipsOnlyThatTx(t *testing.T) {
	state := testutil.NewStateDB()
	a, b := mustWallet(t), mustWallet(t)
	fund(t, state, a.PubKey(), 10, 0)

	broke, err := a.Transfer(b.PubKey(), 100, "")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := a.Transfer(b.PubKey(), 5, "")
	if err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(state, DefaultRegistry(), nil)
	block := core.NewBlock(1, [32]byte{}, a.PubKey(), 1, 0, []*core.Transaction{broke, ok})
	applied, err := exec.ExecuteBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if len(applied) != 1 || applied[0].IDHex() != ok.IDHex() {
		t.Fatalf("only the affordable tx should apply, got %d applied", len(applied))
	}
	if acc := balanceOf(t, state, a.PubKey()); acc.Balance != 5 {
		t.Errorf("sender balance: got %d want 5", acc.Balance)
	}
	// The failed tx's nonce bump happened only in its private overlay.
	if acc := balanceOf(t, state, a.PubKey()); acc.Nonce != 1 {
		t.Errorf("sender nonce: got %d want 1", acc.Nonce)
	}
}

// TestBadSignatureSkipped ensures a tampered transaction never applies.
func TestBadSignatureSkipped(t *testing.T) {
	state := testutil.NewStateDB()
	a, b := mustWallet(t), mustWallet(t)
	fund(t, state, a.PubKey(), 100, 0)

	tx, err := a.Transfer(b.PubKey(), 30, "")
	if err != nil {
		t.Fatal(err)
	}
	tx.Amount = 90 // invalidates the signature

	exec := NewExecutor(state, DefaultRegistry(), nil)
	block := core.NewBlock(1, [32]byte{}, a.PubKey(), 1, 0, []*core.Transaction{tx})
	applied, err := exec.ExecuteBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if len(applied) != 0 {
		t.Fatal("tampered tx should not apply")
	}
	if acc := balanceOf(t, state, a.PubKey()); acc.Balance != 100 {
		t.Errorf("sender balance changed: got %d want 100", acc.Balance)
	}
}

// TestStakeUnstakeRoundTrip moves balance into stake and back.
func TestStakeUnstakeRoundTrip(t *testing.T) {
	state := testutil.NewStateDB()
	a := mustWallet(t)
	fund(t, state, a.PubKey(), 100, 0)
	exec := NewExecutor(state, DefaultRegistry(), nil)

	stake, err := a.Stake(60, "")
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(1, [32]byte{}, a.PubKey(), 1, 0, []*core.Transaction{stake})
	if _, err := exec.ExecuteBlock(context.Background(), block); err != nil {
		t.Fatal(err)
	}
	acc := balanceOf(t, state, a.PubKey())
	if acc.Balance != 40 || acc.Staked != 60 {
		t.Fatalf("after stake: balance=%d staked=%d, want 40/60", acc.Balance, acc.Staked)
	}

	unstake, err := a.Unstake(25, "")
	if err != nil {
		t.Fatal(err)
	}
	block2 := core.NewBlock(2, [32]byte{}, a.PubKey(), 2, 0, []*core.Transaction{unstake})
	if _, err := exec.ExecuteBlock(context.Background(), block2); err != nil {
		t.Fatal(err)
	}
	acc = balanceOf(t, state, a.PubKey())
	if acc.Balance != 65 || acc.Staked != 35 {
		t.Fatalf("after unstake: balance=%d staked=%d, want 65/35", acc.Balance, acc.Staked)
	}
}

// TestExchangeSwapsBalanceForStake exercises the two-sided exchange op.
func TestExchangeSwapsBalanceForStake(t *testing.T) {
	state := testutil.NewStateDB()
	a, b := mustWallet(t), mustWallet(t)
	fund(t, state, a.PubKey(), 50, 0)
	fund(t, state, b.PubKey(), 0, 30)

	tx, err := a.Exchange(b.PubKey(), 20, "")
	if err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(state, DefaultRegistry(), nil)
	block := core.NewBlock(1, [32]byte{}, a.PubKey(), 1, 0, []*core.Transaction{tx})
	applied, err := exec.ExecuteBlock(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 {
		t.Fatal("exchange should apply")
	}
	accA := balanceOf(t, state, a.PubKey())
	accB := balanceOf(t, state, b.PubKey())
	if accA.Balance != 30 || accA.Staked != 20 {
		t.Errorf("sender: balance=%d staked=%d, want 30/20", accA.Balance, accA.Staked)
	}
	if accB.Balance != 20 || accB.Staked != 10 {
		t.Errorf("counterparty: balance=%d staked=%d, want 20/10", accB.Balance, accB.Staked)
	}
}

// TestStateRootDeterministic executes the same block over two fresh states
// and checks the roots agree, the property validators rely on when
// comparing their locally derived root against the producer's.
func TestStateRootDeterministic(t *testing.T) {
	a, b := mustWallet(t), mustWallet(t)
	t1, err := a.Transfer(b.PubKey(), 7, "")
	if err != nil {
		t.Fatal(err)
	}

	roots := make([]string, 2)
	for i := range roots {
		state := testutil.NewStateDB()
		fund(t, state, a.PubKey(), 100, 0)
		exec := NewExecutor(state, DefaultRegistry(), nil)
		block := core.NewBlock(1, [32]byte{}, a.PubKey(), 1, 0, []*core.Transaction{t1})
		if _, err := exec.ExecuteBlock(context.Background(), block); err != nil {
			t.Fatal(err)
		}
		roots[i] = state.ComputeRoot()
	}
	if roots[0] != roots[1] {
		t.Errorf("state roots differ across identical executions: %s vs %s", roots[0], roots[1])
	}
}
