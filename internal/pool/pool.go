// Package pool is a ledger-backed lending pool. Each listed reserve pairs a base
// asset with a debt token tracking borrowed principal and a supply token
// redeemable one-to-one for the base asset.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/ledger"
)

var (
	ErrUnknownReserve        = errors.New("unknown reserve")
	ErrReserveExists         = errors.New("reserve already listed")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrNoDebt                = errors.New("no debt to repay")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Reserve describes a listed market.
type Reserve struct {
	Base   common.Address `json:"base"`
	Debt   common.Address `json:"debt"`
	Supply common.Address `json:"supply"`
}

// Pool holds base-asset liquidity under its own account on the ledger.
type Pool struct {
	mu       sync.RWMutex
	ledger   ledger.Service
	account  common.Address
	reserves map[common.Address]Reserve // keyed by base
}

// New returns a pool whose liquidity lives at account on l.
func New(l ledger.Service, account common.Address) *Pool {
	return &Pool{
		ledger:   l,
		account:  account,
		reserves: make(map[common.Address]Reserve),
	}
}

// Account is the ledger address holding pool liquidity.
func (p *Pool) Account() common.Address { return p.account }

func (p *Pool) ListReserve(r Reserve) error {
	if r.Base == (common.Address{}) || r.Debt == (common.Address{}) || r.Supply == (common.Address{}) {
		return ledger.ErrInvalidAddress
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserves[r.Base]; ok {
		return ErrReserveExists
	}
	p.reserves[r.Base] = r
	return nil
}

func (p *Pool) Reserve(base common.Address) (Reserve, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reserves[base]
	if !ok {
		return Reserve{}, fmt.Errorf("%w: %s", ErrUnknownReserve, base.Hex())
	}
	return r, nil
}

// Supply deposits base from the depositor and mints supply tokens to onBehalfOf.
func (p *Pool) Supply(ctx context.Context, base common.Address, amount *uint256.Int, from, onBehalfOf common.Address) error {
	r, err := p.Reserve(base)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return p.ledger.Apply(ctx,
		ledger.Op{Kind: ledger.KindTransfer, Token: r.Base, From: from, To: p.account, Amount: amount},
		ledger.Op{Kind: ledger.KindMint, Token: r.Supply, To: onBehalfOf, Amount: amount},
	)
}

// Borrow sends base liquidity to the borrower and mints matching debt.
func (p *Pool) Borrow(ctx context.Context, base common.Address, amount *uint256.Int, borrower common.Address) error {
	r, err := p.Reserve(base)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	liquidity, err := p.ledger.BalanceOf(ctx, r.Base, p.account)
	if err != nil {
		return err
	}
	if liquidity.Lt(amount) {
		return ErrInsufficientLiquidity
	}
	return p.ledger.Apply(ctx,
		ledger.Op{Kind: ledger.KindTransfer, Token: r.Base, From: p.account, To: borrower, Amount: amount},
		ledger.Op{Kind: ledger.KindMint, Token: r.Debt, To: borrower, Amount: amount},
	)
}

// DebtOf reports the borrower's outstanding principal in the given debt token.
func (p *Pool) DebtOf(ctx context.Context, borrower, debtToken common.Address) (*uint256.Int, error) {
	return p.ledger.BalanceOf(ctx, debtToken, borrower)
}

// Repay takes up to amount of base from payer and burns the same amount of
// onBehalfOf's debt. Amounts above the outstanding debt are capped.
func (p *Pool) Repay(ctx context.Context, base common.Address, amount *uint256.Int, payer, onBehalfOf common.Address) error {
	r, err := p.Reserve(base)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	debt, err := p.ledger.BalanceOf(ctx, r.Debt, onBehalfOf)
	if err != nil {
		return err
	}
	if debt.IsZero() {
		return ErrNoDebt
	}
	paid := new(uint256.Int).Set(amount)
	if debt.Lt(paid) {
		paid.Set(debt)
	}
	return p.ledger.Apply(ctx,
		ledger.Op{Kind: ledger.KindTransfer, Token: r.Base, From: payer, To: p.account, Amount: paid},
		ledger.Op{Kind: ledger.KindBurn, Token: r.Debt, From: onBehalfOf, Amount: paid},
	)
}

// Withdraw burns holder's supply tokens and releases the same amount of base to to.
func (p *Pool) Withdraw(ctx context.Context, base common.Address, amount *uint256.Int, holder, to common.Address) error {
	r, err := p.Reserve(base)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	liquidity, err := p.ledger.BalanceOf(ctx, r.Base, p.account)
	if err != nil {
		return err
	}
	if liquidity.Lt(amount) {
		return ErrInsufficientLiquidity
	}
	return p.ledger.Apply(ctx,
		ledger.Op{Kind: ledger.KindBurn, Token: r.Supply, From: holder, Amount: amount},
		ledger.Op{Kind: ledger.KindTransfer, Token: r.Base, From: p.account, To: to, Amount: amount},
	)
}
