package pool

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Faucet seeds accounts for local development. It mints fresh base liquidity
// into the pool, borrows it for the account and raises the account's allowance
// for spender by the same amount.
type Faucet struct {
	pool    *Pool
	spender common.Address
}

func NewFaucet(p *Pool, spender common.Address) *Faucet {
	return &Faucet{pool: p, spender: spender}
}

// Fund leaves account with amount more debt, amount more base and amount more
// allowance for the spender.
func (f *Faucet) Fund(ctx context.Context, account, base common.Address, amount *uint256.Int) error {
	if _, err := f.pool.Reserve(base); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l := f.pool.ledger
	if err := l.Mint(ctx, base, f.pool.account, amount); err != nil {
		return fmt.Errorf("mint liquidity: %w", err)
	}
	if err := f.pool.Borrow(ctx, base, amount, account); err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	current, err := l.Allowance(ctx, base, account, f.spender)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		next = new(uint256.Int).SetAllOne()
	}
	return l.Approve(ctx, base, account, f.spender, next)
}
