// Package repay implements delegated debt-repayment settlement: users authorize
// an executor to periodically pull a capped amount from them, split off a
// protocol fee and an executor tip, and repay the rest of their debt to a
// lending pool.
package repay

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"autorepay.org/internal/audit"
	"autorepay.org/internal/ids"
	"autorepay.org/internal/obs"
)

// Version is the engine version reported by Version().
const Version = "1.1.0"

// Assets is the value-transfer primitive.
type Assets interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *uint256.Int) error
}

// LendingPool is the debt-settlement service. Supply is only used to undo a
// Withdraw when a later step fails.
type LendingPool interface {
	DebtOf(ctx context.Context, borrower, debtToken common.Address) (*uint256.Int, error)
	Repay(ctx context.Context, base common.Address, amount *uint256.Int, payer, onBehalfOf common.Address) error
	Withdraw(ctx context.Context, base common.Address, amount *uint256.Int, holder, to common.Address) error
	Supply(ctx context.Context, base common.Address, amount *uint256.Int, from, onBehalfOf common.Address) error
}

// Publisher receives committed events.
type Publisher interface {
	Publish(ev Event)
}

// Metrics receives engine activity counters.
type Metrics interface {
	SettlementSucceeded(token common.Address, gross, fee, tip, net float64)
	SettlementFailed(kind string)
	AuthorizationsChanged(op string, n int)
	Paused(paused bool)
}

type nopMetrics struct{}

func (nopMetrics) SettlementSucceeded(common.Address, float64, float64, float64, float64) {}
func (nopMetrics) SettlementFailed(string)                                                {}
func (nopMetrics) AuthorizationsChanged(string, int)                                      {}
func (nopMetrics) Paused(bool)                                                            {}

// Engine is the settlement engine. Mutating calls are serialized; each runs as
// one store transaction followed by collaborator interactions.
//
// A collaborator that calls back into a mutating method with the context it was
// handed gets ErrReentrantCall. A callback on an unrelated context waits for the
// running call like any other caller, so it returns only when its own context
// ends; collaborators must not make such calls without a deadline.
type Engine struct {
	slot      chan struct{}
	store     Store
	assets    Assets
	pool      LendingPool
	account   common.Address
	now       func() time.Time
	log       *zap.Logger
	publisher Publisher
	metrics   Metrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithPublisher fans committed events out to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New builds an engine holding funds in transit at account.
func New(store Store, assets Assets, pool LendingPool, account common.Address, opts ...Option) (*Engine, error) {
	if store == nil || assets == nil || pool == nil {
		return nil, errors.New("repay: store, assets and pool are required")
	}
	if account == (common.Address{}) {
		return nil, ErrInvalidUserAddress
	}
	e := &Engine{
		store:   store,
		assets:  assets,
		pool:    pool,
		account: account,
		slot:    make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = obs.Logger().Named("repay")
	}
	return e, nil
}

// Account is the engine's own address on the value-transfer primitive. Users
// approve it as spender.
func (e *Engine) Account() common.Address { return e.account }

// Version returns the engine version string.
func (e *Engine) Version() string { return Version }

type callKey struct{}

// enter serializes a mutating call and marks ctx so collaborators calling back
// into the engine with it fail instead of deadlocking. Waiting for the running
// call ends with ctx.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if owner, _ := ctx.Value(callKey{}).(*Engine); owner == e {
		return ctx, func() {}, ErrReentrantCall
	}
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}
	return context.WithValue(ctx, callKey{}, e), func() { <-e.slot }, nil
}

// events collects events emitted inside one Update.
type events struct {
	at      time.Time
	actor   common.Address
	pending []Event
}

func (b *events) emit(kind EventKind, user, token common.Address, fields map[string]string) {
	b.pending = append(b.pending, Event{
		ID:         ids.NewAt(b.at),
		Kind:       kind,
		User:       user,
		Token:      token,
		Actor:      b.actor,
		Fields:     fields,
		OccurredAt: b.at,
	})
}

// update runs fn in a store transaction, appends whatever it emitted and
// publishes the events once committed.
func (e *Engine) update(ctx context.Context, actor common.Address, fn func(tx Tx, ev *events) error) error {
	var ev events
	err := e.store.Update(ctx, func(tx Tx) error {
		ev = events{at: e.now(), actor: actor}
		if err := fn(tx, &ev); err != nil {
			return err
		}
		for i := range ev.pending {
			stored, err := tx.AppendEvent(ctx, ev.pending[i])
			if err != nil {
				return err
			}
			ev.pending[i] = stored
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, ev.pending)
	return nil
}

func (e *Engine) publish(ctx context.Context, evs []Event) {
	for _, ev := range evs {
		if e.publisher != nil {
			e.publisher.Publish(ev)
		}
		fields := map[string]any{
			"seq":   ev.Seq,
			"user":  ev.User.Hex(),
			"token": ev.Token.Hex(),
			"actor": ev.Actor.Hex(),
		}
		for k, v := range ev.Fields {
			fields[k] = v
		}
		if err := audit.LogEvent(ctx, "repay."+string(ev.Kind), fields); err != nil {
			e.log.Warn("audit log failed", zap.Error(err))
		}
	}
}

func (e *Engine) requireInitialized(ctx context.Context, tx Tx) error {
	m, err := tx.Meta(ctx)
	if err != nil {
		return err
	}
	if !m.Initialized {
		return ErrNotInitialized
	}
	return nil
}

func (e *Engine) requireUnpaused(ctx context.Context, tx Tx) error {
	paused, err := tx.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func minAmount(vals ...*uint256.Int) *uint256.Int {
	out := new(uint256.Int).Set(vals[0])
	for _, v := range vals[1:] {
		if v.Lt(out) {
			out.Set(v)
		}
	}
	return out
}
