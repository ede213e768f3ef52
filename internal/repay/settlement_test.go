package repay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"autorepay.org/internal/auth"
)

func TestScenarioA_CooldownThenSettle(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 1_000_000, 1_000_000)
	h.configure(alice, usdc, 100_000, 1)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrCooldownNotElapsed)

	h.clock.Advance(time.Second)
	res, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.NoError(t, err)

	require.Equal(t, uint64(100_000), res.Gross.Uint64())
	require.Equal(t, uint64(500), res.ProtocolFee.Uint64())
	require.Equal(t, uint64(250), res.ExecutorTip.Uint64())
	require.Equal(t, uint64(99_250), res.Net.Uint64())
	require.False(t, res.Discounted)

	debt, err := h.pool.DebtOf(h.ctx, alice, dUSDC)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000-99_250), debt.Uint64())
	require.Equal(t, uint64(500), h.balance(usdc, treasury))
	require.Equal(t, uint64(250), h.balance(usdc, executor))
	require.Equal(t, uint64(900_000), h.balance(usdc, alice))
	require.Zero(t, h.balance(usdc, engineAcct), "engine must not retain funds")

	last, err := h.engine.LastSettlement(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Second).Unix(), last)
	require.Equal(t, 1, h.countEvents(EventSettled))

	// the window starts again
	_, err = h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrCooldownNotElapsed)
}

func TestScenarioB_BatchWithUnconfiguredUserChangesNothing(t *testing.T) {
	h := newHarness(t)
	for _, u := range []common.Address{alice, bob, carol} {
		h.borrow(u, 10_000, 10_000)
	}
	h.configure(alice, usdc, 1_000, 1)
	h.configure(bob, usdc, 1_000, 1)
	h.clock.Advance(time.Minute)

	_, err := h.engine.SettleBatch(h.ctx, executor, []common.Address{alice, carol, bob}, usdc)
	require.ErrorIs(t, err, ErrUserNotAuthorized)

	for _, u := range []common.Address{alice, bob, carol} {
		require.Equal(t, uint64(10_000), h.balance(usdc, u))
		require.Equal(t, uint64(10_000), h.balance(dUSDC, u))
	}
	last, err := h.engine.LastSettlement(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, t0.Unix(), last)
	require.Zero(t, h.countEvents(EventSettled))
}

func TestScenarioC_DiscountHolderPaysHalfFee(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.UpdateDiscountToken(h.ctx, admin, gov))
	require.NoError(t, h.engine.UpdateMinimumAmount(h.ctx, admin, uint256.NewInt(1000)))
	require.NoError(t, h.engine.UpdateDiscountPercentage(h.ctx, admin, 5000))

	require.NoError(t, h.ledger.Mint(h.ctx, gov, alice, uint256.NewInt(1000)))
	require.NoError(t, h.ledger.Mint(h.ctx, gov, bob, uint256.NewInt(999)))
	for _, u := range []common.Address{alice, bob} {
		h.borrow(u, 200_000, 200_000)
		h.configure(u, usdc, 100_000, 1)
	}
	h.clock.Advance(time.Second)

	holder, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.NoError(t, err)
	require.True(t, holder.Discounted)
	require.Equal(t, uint64(250), holder.ProtocolFee.Uint64())
	require.Equal(t, uint64(250), holder.ExecutorTip.Uint64())
	require.Equal(t, uint64(99_500), holder.Net.Uint64())

	other, err := h.engine.Settle(h.ctx, executor, bob, usdc)
	require.NoError(t, err)
	require.False(t, other.Discounted)
	require.Equal(t, uint64(500), other.ProtocolFee.Uint64())

	require.Equal(t, uint64(750), h.balance(usdc, treasury))
}

func TestScenarioD_PauseAndUnpause(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.GrantRole(h.ctx, admin, auth.Emergency, guardian))
	h.borrow(alice, 10_000, 10_000)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	require.NoError(t, h.engine.Pause(h.ctx, guardian))
	paused, err := h.engine.IsPaused(h.ctx)
	require.NoError(t, err)
	require.True(t, paused)

	err = h.engine.Configure(h.ctx, bob, []common.Address{usdc}, []*uint256.Int{uint256.NewInt(1)}, 1, 0)
	require.ErrorIs(t, err, ErrPaused)
	_, err = h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrPaused)
	_, err = h.engine.SettleBatch(h.ctx, executor, []common.Address{alice}, usdc)
	require.ErrorIs(t, err, ErrPaused)

	require.NoError(t, h.engine.Pause(h.ctx, guardian), "second pause is a no-op")
	require.Equal(t, 1, h.countEvents(EventPaused))

	require.ErrorIs(t, h.engine.Unpause(h.ctx, guardian), ErrUnauthorized)
	require.ErrorIs(t, h.engine.Pause(h.ctx, executor), ErrUnauthorized)
	require.NoError(t, h.engine.Unpause(h.ctx, admin))

	_, err = h.engine.Settle(h.ctx, executor, alice, usdc)
	require.NoError(t, err)
}

func TestRevokeWorksWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.configure(alice, usdc, 1_000, 1)
	require.NoError(t, h.engine.Pause(h.ctx, admin))
	require.NoError(t, h.engine.Revoke(h.ctx, alice, usdc))
}

func TestSettleBoundsGrossBySmallestLimit(t *testing.T) {
	cases := []struct {
		name      string
		debt      uint64
		allowance uint64
		limit     uint64
		spend     uint64 // usdc moved away from the user before settling
		want      uint64
	}{
		{"cap", 50_000, 50_000, 10_000, 0, 10_000},
		{"debt", 8_000, 50_000, 10_000, 0, 8_000},
		{"allowance", 50_000, 7_000, 10_000, 0, 7_000},
		{"balance", 50_000, 50_000, 10_000, 44_000, 6_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.borrow(alice, tc.debt, tc.allowance)
			if tc.spend > 0 {
				require.NoError(t, h.ledger.Transfer(h.ctx, usdc, alice, carol, uint256.NewInt(tc.spend)))
			}
			h.configure(alice, usdc, tc.limit, 1)
			h.clock.Advance(time.Second)

			res, err := h.engine.Settle(h.ctx, executor, alice, usdc)
			require.NoError(t, err)
			require.Equal(t, tc.want, res.Gross.Uint64())
			require.Equal(t, tc.want, res.ProtocolFee.Uint64()+res.ExecutorTip.Uint64()+res.Net.Uint64())
		})
	}
}

func TestSettleNothingToSettle(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 10_000, 0)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrNothingToSettle)
	last, err := h.engine.LastSettlement(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, t0.Unix(), last, "failed validation must not consume the window")
}

func TestSettleInactiveToken(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 10_000, 10_000)
	h.configure(alice, usdc, 1_000, 1)
	require.NoError(t, h.engine.Unauthorize(h.ctx, admin, aUSDC))
	h.clock.Advance(time.Second)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrTokenNotActive)
}

func TestSettleRejectsBadCallers(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Settle(h.ctx, common.Address{}, alice, usdc)
	require.ErrorIs(t, err, ErrInvalidUserAddress)
	_, err = h.engine.SettleBatch(h.ctx, executor, nil, usdc)
	require.ErrorIs(t, err, ErrInvalidUserAddress)
	_, err = h.engine.SettleBatch(h.ctx, executor, []common.Address{alice, alice}, usdc)
	require.ErrorIs(t, err, ErrInvalidUserAddress)
}

func TestSettleBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	e, err := New(NewMemStore(), h.ledger, h.pool, engineAcct, WithClock(h.clock.Now))
	require.NoError(t, err)
	_, err = e.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSettleBatchAggregatesFees(t *testing.T) {
	h := newHarness(t)
	for _, u := range []common.Address{alice, bob, carol} {
		h.borrow(u, 100_000, 100_000)
		h.configure(u, usdc, 40_000, 60)
	}
	h.clock.Advance(time.Minute)

	res, err := h.engine.SettleBatch(h.ctx, executor, []common.Address{alice, bob, carol}, usdc)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	require.Equal(t, uint64(120_000), res.TotalGross.Uint64())
	require.Equal(t, uint64(600), res.TotalFee.Uint64())
	require.Equal(t, uint64(300), res.TotalTip.Uint64())
	require.Equal(t, res.TotalGross.Uint64(), res.TotalFee.Uint64()+res.TotalTip.Uint64()+res.TotalNet.Uint64())

	require.Equal(t, uint64(600), h.balance(usdc, treasury))
	require.Equal(t, uint64(300), h.balance(usdc, executor))
	for _, u := range []common.Address{alice, bob, carol} {
		require.Equal(t, uint64(100_000-39_700), h.balance(dUSDC, u))
	}
	require.Equal(t, 3, h.countEvents(EventSettled))
	require.Equal(t, 1, h.countEvents(EventBatchSettled))
}

func TestSettleWithSupplyToken(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 1_000_000, 0)
	require.NoError(t, h.pool.Supply(h.ctx, usdc, uint256.NewInt(500_000), alice, alice))
	require.NoError(t, h.ledger.Approve(h.ctx, aUSDC, alice, engineAcct, uint256.NewInt(100_000)))
	h.configure(alice, aUSDC, 100_000, 1)
	h.clock.Advance(time.Second)

	res, err := h.engine.Settle(h.ctx, executor, alice, aUSDC)
	require.NoError(t, err)
	require.True(t, res.ViaSupply)
	require.Equal(t, usdc, res.Base)
	require.Equal(t, uint64(100_000), res.Gross.Uint64())

	require.Equal(t, uint64(400_000), h.balance(aUSDC, alice))
	require.Equal(t, uint64(1_000_000-99_250), h.balance(dUSDC, alice))
	require.Equal(t, uint64(500), h.balance(usdc, treasury))
	require.Equal(t, uint64(250), h.balance(usdc, executor))
	require.Zero(t, h.balance(usdc, engineAcct))
	require.Zero(t, h.balance(aUSDC, engineAcct))
}

func TestCooldownIsSharedAcrossTokens(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 1_000_000, 1_000_000)
	require.NoError(t, h.pool.Supply(h.ctx, usdc, uint256.NewInt(100_000), alice, alice))
	require.NoError(t, h.ledger.Approve(h.ctx, aUSDC, alice, engineAcct, uint256.NewInt(100_000)))
	require.NoError(t, h.engine.Configure(h.ctx, alice,
		[]common.Address{usdc, aUSDC},
		[]*uint256.Int{uint256.NewInt(1_000), uint256.NewInt(1_000)}, 60, 0))
	h.clock.Advance(time.Minute)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.NoError(t, err)
	_, err = h.engine.Settle(h.ctx, executor, alice, aUSDC)
	require.ErrorIs(t, err, ErrCooldownNotElapsed)
}

func TestRacingSettlesHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 1_000_000, 1_000_000)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	const racers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		cooldown int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Settle(context.Background(), executor, alice, usdc)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrCooldownNotElapsed):
				cooldown++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, cooldown)
	require.Equal(t, uint64(1_000_000-1_000), h.balance(usdc, alice))
}

type reentrantAssets struct {
	Assets
	engine *Engine
	got    error
}

func (r *reentrantAssets) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *uint256.Int) error {
	_, r.got = r.engine.Settle(ctx, executor, from, token)
	return r.Assets.TransferFrom(ctx, token, spender, from, to, amount)
}

func TestReentrantCollaboratorIsRejected(t *testing.T) {
	var spy *reentrantAssets
	h := newHarness(t, func(h *harness, assets *Assets, _ *LendingPool) {
		spy = &reentrantAssets{Assets: *assets}
		*assets = spy
	})
	spy.engine = h.engine
	h.borrow(alice, 10_000, 10_000)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.NoError(t, err)
	require.ErrorIs(t, spy.got, ErrReentrantCall)
	require.Equal(t, 1, h.countEvents(EventSettled))
}

var errPoolDown = errors.New("pool unavailable")

type faultyPool struct {
	LendingPool
	failRepayAt int
	repays      int
}

func (f *faultyPool) Repay(ctx context.Context, base common.Address, amount *uint256.Int, payer, onBehalfOf common.Address) error {
	f.repays++
	if f.repays == f.failRepayAt {
		return errPoolDown
	}
	return f.LendingPool.Repay(ctx, base, amount, payer, onBehalfOf)
}

func withFaultyPool(failAt int) harnessOption {
	return func(h *harness, _ *Assets, lp *LendingPool) {
		*lp = &faultyPool{LendingPool: *lp, failRepayAt: failAt}
	}
}

func TestFailedRepayIsCompensated(t *testing.T) {
	h := newHarness(t, withFaultyPool(1))
	h.borrow(alice, 10_000, 10_000)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, errPoolDown)

	require.Equal(t, uint64(10_000), h.balance(usdc, alice))
	require.Equal(t, uint64(10_000), h.balance(dUSDC, alice))
	require.Zero(t, h.balance(usdc, engineAcct))
	last, err := h.engine.LastSettlement(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, t0.Unix(), last, "cooldown must be restored")
	require.Zero(t, h.countEvents(EventSettled))
}

func TestFailedRepayViaSupplyIsCompensated(t *testing.T) {
	h := newHarness(t, withFaultyPool(1))
	h.borrow(alice, 10_000, 0)
	require.NoError(t, h.pool.Supply(h.ctx, usdc, uint256.NewInt(5_000), alice, alice))
	require.NoError(t, h.ledger.Approve(h.ctx, aUSDC, alice, engineAcct, uint256.NewInt(5_000)))
	h.configure(alice, aUSDC, 1_000, 1)
	h.clock.Advance(time.Second)

	_, err := h.engine.Settle(h.ctx, executor, alice, aUSDC)
	require.ErrorIs(t, err, errPoolDown)
	require.Equal(t, uint64(5_000), h.balance(aUSDC, alice))
	require.Zero(t, h.balance(aUSDC, engineAcct))
	require.Zero(t, h.balance(usdc, engineAcct))
}

func TestRepayFailureMidBatchReportsIncomplete(t *testing.T) {
	h := newHarness(t, withFaultyPool(2))
	for _, u := range []common.Address{alice, bob} {
		h.borrow(u, 10_000, 10_000)
		h.configure(u, usdc, 1_000, 1)
	}
	h.clock.Advance(time.Second)

	res, err := h.engine.SettleBatch(h.ctx, executor, []common.Address{alice, bob}, usdc)
	require.ErrorIs(t, err, ErrSettlementIncomplete)
	require.Len(t, res.Items, 1)
	require.Equal(t, alice, res.Items[0].User)

	require.Equal(t, uint64(9_000), h.balance(usdc, alice))
	require.Equal(t, uint64(10_000), h.balance(usdc, bob), "unsettled user is refunded")
	require.Equal(t, uint64(5), h.balance(usdc, treasury))

	last, err := h.engine.LastSettlement(h.ctx, bob)
	require.NoError(t, err)
	require.Equal(t, t0.Unix(), last)
}

func TestQuoteSettlement(t *testing.T) {
	h := newHarness(t)
	h.borrow(alice, 1_000_000, 1_000_000)
	h.configure(alice, usdc, 100_000, 60)

	q, err := h.engine.QuoteSettlement(h.ctx, alice, usdc)
	require.NoError(t, err)
	require.False(t, q.CooldownElapsed)
	require.Equal(t, t0.Unix()+60, q.EligibleAt)
	require.Equal(t, uint64(100_000), q.Gross.Uint64())
	require.Equal(t, uint64(99_250), q.Net.Uint64())

	_, err = h.engine.QuoteSettlement(h.ctx, bob, usdc)
	require.ErrorIs(t, err, ErrUserNotAuthorized)

	require.NoError(t, h.ledger.Approve(h.ctx, usdc, alice, engineAcct, uint256.NewInt(0)))
	q, err = h.engine.QuoteSettlement(h.ctx, alice, usdc)
	require.NoError(t, err)
	require.True(t, q.Gross.IsZero())
}

var errTipRejected = errors.New("executor cannot receive")

type tipRejectingAssets struct {
	Assets
}

func (r tipRejectingAssets) Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error {
	if to == executor {
		return errTipRejected
	}
	return r.Assets.Transfer(ctx, token, from, to, amount)
}

func TestFeeIsPaidWhenTipFails(t *testing.T) {
	h := newHarness(t, func(h *harness, assets *Assets, _ *LendingPool) {
		*assets = tipRejectingAssets{Assets: *assets}
	})
	h.borrow(alice, 10_000, 10_000)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	res, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.ErrorIs(t, err, ErrSettlementIncomplete)
	require.ErrorIs(t, err, errTipRejected)
	require.Equal(t, "1000", res.Gross.Dec())

	require.Equal(t, res.ProtocolFee.Uint64(), h.balance(usdc, treasury))
	require.Equal(t, res.ExecutorTip.Uint64(), h.balance(usdc, engineAcct))
	require.Zero(t, h.balance(usdc, executor))
	require.Equal(t, 1, h.countEvents(EventSettled))
}

type waitingAssets struct {
	Assets
	engine *Engine
	got    error
}

func (w *waitingAssets) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *uint256.Int) error {
	cbCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	w.got = w.engine.Pause(cbCtx, admin)
	return w.Assets.TransferFrom(ctx, token, spender, from, to, amount)
}

func TestCallbackOnFreshContextEndsWithItsDeadline(t *testing.T) {
	var spy *waitingAssets
	h := newHarness(t, func(h *harness, assets *Assets, _ *LendingPool) {
		spy = &waitingAssets{Assets: *assets}
		*assets = spy
	})
	spy.engine = h.engine
	h.borrow(alice, 10_000, 10_000)
	h.configure(alice, usdc, 1_000, 1)
	h.clock.Advance(time.Second)

	_, err := h.engine.Settle(h.ctx, executor, alice, usdc)
	require.NoError(t, err)
	require.ErrorIs(t, spy.got, context.DeadlineExceeded)

	paused, err := h.engine.IsPaused(h.ctx)
	require.NoError(t, err)
	require.False(t, paused)
}
