package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/ledger"
)

var (
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	dUSDC  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	aUSDC  = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	vault  = common.HexToAddress("0x0000000000000000000000000000000000000fff")
	lender = common.HexToAddress("0x0000000000000000000000000000000000002001")
	debtor = common.HexToAddress("0x0000000000000000000000000000000000002002")
)

func setup(t *testing.T) (*ledger.InMemory, *Pool) {
	t.Helper()
	ctx := context.Background()
	l := ledger.NewInMemory()
	p := New(l, vault)
	if err := p.ListReserve(Reserve{Base: usdc, Debt: dUSDC, Supply: aUSDC}); err != nil {
		t.Fatal(err)
	}
	if err := l.Mint(ctx, usdc, lender, uint256.NewInt(10_000)); err != nil {
		t.Fatal(err)
	}
	if err := p.Supply(ctx, usdc, uint256.NewInt(5_000), lender, lender); err != nil {
		t.Fatal(err)
	}
	return l, p
}

func mustBalance(t *testing.T, l *ledger.InMemory, token, owner common.Address) uint64 {
	t.Helper()
	v, err := l.BalanceOf(context.Background(), token, owner)
	if err != nil {
		t.Fatal(err)
	}
	return v.Uint64()
}

func TestBorrowAndRepayCapsAtDebt(t *testing.T) {
	l, p := setup(t)
	ctx := context.Background()

	if err := p.Borrow(ctx, usdc, uint256.NewInt(1_000), debtor); err != nil {
		t.Fatal(err)
	}
	debt, _ := p.DebtOf(ctx, debtor, dUSDC)
	if debt.Uint64() != 1_000 {
		t.Fatalf("unexpected debt %s", debt.Dec())
	}

	if err := p.Repay(ctx, usdc, uint256.NewInt(400), debtor, debtor); err != nil {
		t.Fatal(err)
	}
	debt, _ = p.DebtOf(ctx, debtor, dUSDC)
	if debt.Uint64() != 600 {
		t.Fatalf("unexpected debt after repay %s", debt.Dec())
	}

	// overpay only consumes the outstanding debt
	if err := p.Repay(ctx, usdc, uint256.NewInt(900), debtor, debtor); err != nil {
		t.Fatal(err)
	}
	if got := mustBalance(t, l, usdc, debtor); got != 0 {
		t.Fatalf("expected debtor to spend 1000 total, has %d left", got)
	}
	if err := p.Repay(ctx, usdc, uint256.NewInt(1), debtor, debtor); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestWithdrawRedeemsSupply(t *testing.T) {
	l, p := setup(t)
	ctx := context.Background()

	if err := p.Withdraw(ctx, usdc, uint256.NewInt(2_000), lender, debtor); err != nil {
		t.Fatal(err)
	}
	if got := mustBalance(t, l, aUSDC, lender); got != 3_000 {
		t.Fatalf("unexpected supply balance %d", got)
	}
	if got := mustBalance(t, l, usdc, debtor); got != 2_000 {
		t.Fatalf("unexpected base received %d", got)
	}
}

func TestWithdrawFailsWithoutLiquidity(t *testing.T) {
	l, p := setup(t)
	ctx := context.Background()
	if err := p.Borrow(ctx, usdc, uint256.NewInt(4_500), debtor); err != nil {
		t.Fatal(err)
	}
	if err := p.Withdraw(ctx, usdc, uint256.NewInt(1_000), lender, lender); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if got := mustBalance(t, l, aUSDC, lender); got != 5_000 {
		t.Fatalf("supply burned on failed withdraw: %d", got)
	}
}

func TestUnknownReserve(t *testing.T) {
	_, p := setup(t)
	if err := p.Repay(context.Background(), dUSDC, uint256.NewInt(1), debtor, debtor); !errors.Is(err, ErrUnknownReserve) {
		t.Fatalf("expected ErrUnknownReserve, got %v", err)
	}
}
