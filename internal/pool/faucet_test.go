package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestFaucetFundsDebtBalanceAndAllowance(t *testing.T) {
	ctx := context.Background()
	l, p := setup(t)
	spender := common.HexToAddress("0x0000000000000000000000000000000000003001")
	f := NewFaucet(p, spender)

	for i := 0; i < 2; i++ {
		if err := f.Fund(ctx, debtor, usdc, uint256.NewInt(700)); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}

	if got := mustBalance(t, l, usdc, debtor); got != 1_400 {
		t.Fatalf("base balance = %d, want 1400", got)
	}
	if got := mustBalance(t, l, dUSDC, debtor); got != 1_400 {
		t.Fatalf("debt = %d, want 1400", got)
	}
	allowance, err := l.Allowance(ctx, usdc, debtor, spender)
	if err != nil {
		t.Fatal(err)
	}
	if allowance.Uint64() != 1_400 {
		t.Fatalf("allowance = %s, want 1400", allowance.Dec())
	}
	// supplied liquidity is untouched
	if got := mustBalance(t, l, usdc, vault); got != 5_000 {
		t.Fatalf("pool liquidity = %d, want 5000", got)
	}
}

func TestFaucetRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l, p := setup(t)
	f := NewFaucet(p, common.HexToAddress("0x0000000000000000000000000000000000003001"))

	if err := f.Fund(ctx, debtor, common.HexToAddress("0x00000000000000000000000000000000000000c1"), uint256.NewInt(1)); !errors.Is(err, ErrUnknownReserve) {
		t.Fatalf("unknown base: %v", err)
	}
	if err := f.Fund(ctx, debtor, usdc, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: %v", err)
	}
	if got := mustBalance(t, l, dUSDC, debtor); got != 0 {
		t.Fatalf("debt after rejected calls = %d", got)
	}
}
