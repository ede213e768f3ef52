package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000001001")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000001002")
	carol  = common.HexToAddress("0x0000000000000000000000000000000000001003")
)

func balance(t *testing.T, s *InMemory, token, owner common.Address) uint64 {
	t.Helper()
	v, err := s.BalanceOf(context.Background(), token, owner)
	if err != nil {
		t.Fatal(err)
	}
	return v.Uint64()
}

func TestTransferSuccessAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.Mint(ctx, tokenA, alice, uint256.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := s.Transfer(ctx, tokenA, alice, bob, uint256.NewInt(600)); err != nil {
		t.Fatal(err)
	}
	if a, b := balance(t, s, tokenA, alice), balance(t, s, tokenA, bob); a != 400 || b != 600 {
		t.Fatalf("unexpected balances: a=%d b=%d", a, b)
	}
}

func TestInsufficientFunds(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.Mint(ctx, tokenA, alice, uint256.NewInt(100))

	if err := s.Transfer(ctx, tokenA, alice, bob, uint256.NewInt(200)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance(t, s, tokenA, alice) != 100 {
		t.Fatal("balance changed on failed transfer")
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.Mint(ctx, tokenA, alice, uint256.NewInt(1000))

	if err := s.TransferFrom(ctx, tokenA, carol, alice, bob, uint256.NewInt(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := s.Approve(ctx, tokenA, alice, carol, uint256.NewInt(300)); err != nil {
		t.Fatal(err)
	}
	if err := s.TransferFrom(ctx, tokenA, carol, alice, bob, uint256.NewInt(250)); err != nil {
		t.Fatal(err)
	}
	left, _ := s.Allowance(ctx, tokenA, alice, carol)
	if left.Uint64() != 50 {
		t.Fatalf("unexpected allowance: %s", left.Dec())
	}
	if err := s.TransferFrom(ctx, tokenA, carol, alice, bob, uint256.NewInt(51)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.Mint(ctx, tokenA, alice, uint256.NewInt(100))

	err := s.Apply(ctx,
		Op{Kind: KindTransfer, Token: tokenA, From: alice, To: bob, Amount: uint256.NewInt(60)},
		Op{Kind: KindTransfer, Token: tokenA, From: alice, To: carol, Amount: uint256.NewInt(60)},
	)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance(t, s, tokenA, alice) != 100 || balance(t, s, tokenA, bob) != 0 {
		t.Fatal("partial apply leaked")
	}

	// ops see the effects of earlier ops in the same call
	err = s.Apply(ctx,
		Op{Kind: KindTransfer, Token: tokenA, From: alice, To: bob, Amount: uint256.NewInt(100)},
		Op{Kind: KindBurn, Token: tokenA, From: bob, Amount: uint256.NewInt(40)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if balance(t, s, tokenA, bob) != 60 {
		t.Fatalf("unexpected bob balance %d", balance(t, s, tokenA, bob))
	}
}

func TestRejectsZeroAddressAndAmount(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.Mint(ctx, tokenA, common.Address{}, uint256.NewInt(1)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if err := s.Mint(ctx, tokenA, alice, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestListTransactionsPaging(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.Mint(ctx, tokenA, alice, uint256.NewInt(1))
	}
	page, last, err := s.ListTransactions(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || last != 2 {
		t.Fatalf("unexpected page: %d items, last=%d", len(page), last)
	}
	page, last, _ = s.ListTransactions(ctx, 10, last)
	if len(page) != 3 || last != 5 {
		t.Fatalf("unexpected second page: %d items, last=%d", len(page), last)
	}
}

func TestConcurrentTransfers(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.Mint(ctx, tokenA, alice, uint256.NewInt(10000))

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Transfer(ctx, tokenA, alice, bob, uint256.NewInt(100))
		}()
	}
	wg.Wait()

	if a, b := balance(t, s, tokenA, alice), balance(t, s, tokenA, bob); a+b != 10000 || b != 5000 {
		t.Fatalf("conservation violated: a=%d b=%d", a, b)
	}
}
