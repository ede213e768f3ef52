package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Service defines the value-transfer primitive: per-token balances with
// ERC-20 style allowances.
type Service interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, token, owner, spender common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *uint256.Int) error
	Mint(ctx context.Context, token, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, token, from common.Address, amount *uint256.Int) error
	Apply(ctx context.Context, ops ...Op) error
	ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

type holding struct {
	token common.Address
	owner common.Address
}

type grant struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu         sync.RWMutex
	balances   map[holding]*uint256.Int
	allowances map[grant]*uint256.Int
	seq        uint64
	txs        []Transaction
	now        func() time.Time
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		balances:   make(map[holding]*uint256.Int),
		allowances: make(map[grant]*uint256.Int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the journal clock, mostly for deterministic tests.
func (s *InMemory) WithClock(now func() time.Time) *InMemory {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *InMemory) BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(token, owner), nil
}

func (s *InMemory) Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.allowances[grant{token, owner, spender}]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

// Approve sets (not adds to) the spender's allowance. A zero amount clears it.
func (s *InMemory) Approve(ctx context.Context, token, owner, spender common.Address, amount *uint256.Int) error {
	if token == (common.Address{}) || owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrInvalidAddress
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grant{token, owner, spender}
	if amount.IsZero() {
		delete(s.allowances, key)
	} else {
		s.allowances[key] = new(uint256.Int).Set(amount)
	}
	s.record(Transaction{Kind: KindApprove, Token: token, From: owner, Spender: spender, Amount: amount.Dec()})
	return nil
}

func (s *InMemory) Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error {
	return s.Apply(ctx, Op{Kind: KindTransfer, Token: token, From: from, To: to, Amount: amount})
}

// TransferFrom moves funds on behalf of from, consuming the spender's allowance.
func (s *InMemory) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *uint256.Int) error {
	if err := validOp(Op{Kind: KindTransfer, Token: token, From: from, To: to, Amount: amount}); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := grant{token, from, spender}
	allowed := s.allowances[key]
	if spender != from && (allowed == nil || allowed.Lt(amount)) {
		return ErrInsufficientAllowance
	}
	if err := s.applyLocked([]Op{{Kind: KindTransfer, Token: token, From: from, To: to, Amount: amount}}, spender); err != nil {
		return err
	}
	if spender != from {
		left := new(uint256.Int).Sub(allowed, amount)
		if left.IsZero() {
			delete(s.allowances, key)
		} else {
			s.allowances[key] = left
		}
	}
	return nil
}

func (s *InMemory) Mint(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	return s.Apply(ctx, Op{Kind: KindMint, Token: token, To: to, Amount: amount})
}

func (s *InMemory) Burn(ctx context.Context, token, from common.Address, amount *uint256.Int) error {
	return s.Apply(ctx, Op{Kind: KindBurn, Token: token, From: from, Amount: amount})
}

// Apply executes ops in order as one unit: either every op is journaled or
// balances are left untouched.
func (s *InMemory) Apply(ctx context.Context, ops ...Op) error {
	for _, op := range ops {
		if err := validOp(op); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ops, common.Address{})
}

func (s *InMemory) applyLocked(ops []Op, spender common.Address) error {
	staged := make(map[holding]*uint256.Int)
	get := func(h holding) *uint256.Int {
		if v, ok := staged[h]; ok {
			return v
		}
		v := s.balance(h.token, h.owner)
		staged[h] = v
		return v
	}

	for i, op := range ops {
		switch op.Kind {
		case KindTransfer, KindBurn:
			src := get(holding{op.Token, op.From})
			if src.Lt(op.Amount) {
				return fmt.Errorf("%w: op %d %s of %s", ErrInsufficientFunds, i, op.Kind, op.Token.Hex())
			}
			src.Sub(src, op.Amount)
		}
		switch op.Kind {
		case KindTransfer, KindMint:
			dst := get(holding{op.Token, op.To})
			if _, overflow := dst.AddOverflow(dst, op.Amount); overflow {
				return ErrOverflow
			}
		}
	}

	for h, v := range staged {
		if v.IsZero() {
			delete(s.balances, h)
			continue
		}
		s.balances[h] = v
	}
	for _, op := range ops {
		s.record(Transaction{Kind: op.Kind, Token: op.Token, From: op.From, To: op.To, Spender: spender, Amount: op.Amount.Dec()})
	}
	return nil
}

func (s *InMemory) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) balance(token, owner common.Address) *uint256.Int {
	if v, ok := s.balances[holding{token, owner}]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (s *InMemory) record(tx Transaction) {
	s.seq++
	tx.Sequence = s.seq
	tx.CreatedAt = s.now()
	tx.ID = newID(tx.CreatedAt)
	s.txs = append(s.txs, tx)
}

func validOp(op Op) error {
	if op.Amount == nil || op.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if op.Token == (common.Address{}) {
		return ErrInvalidAddress
	}
	switch op.Kind {
	case KindTransfer:
		if op.From == (common.Address{}) || op.To == (common.Address{}) {
			return ErrInvalidAddress
		}
	case KindMint:
		if op.To == (common.Address{}) {
			return ErrInvalidAddress
		}
	case KindBurn:
		if op.From == (common.Address{}) {
			return ErrInvalidAddress
		}
	default:
		return fmt.Errorf("%w: unsupported op %q", ErrInvalidAmount, op.Kind)
	}
	return nil
}
