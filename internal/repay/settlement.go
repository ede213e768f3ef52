package repay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"autorepay.org/internal/ids"
)

// plan is one validated and sized user within a settlement call.
type plan struct {
	user       common.Address
	auth       Authorization
	gross      *uint256.Int
	split      FeeSplit
	discounted bool
	prevLast   int64
}

// terms is the configuration shared by every user of one settlement call.
type terms struct {
	triple    TokenTriple
	viaSupply bool
	fees      FeeConfig
	discount  DiscountConfig
}

func loadTerms(ctx context.Context, tx Tx, token common.Address) (terms, error) {
	var t terms
	tr, _, err := tx.Triple(ctx, token)
	if err != nil {
		return t, err
	}
	t.triple = tr
	t.viaSupply = tr.Supply == token && token != (common.Address{})
	if t.fees, err = tx.FeeConfig(ctx); err != nil {
		return t, err
	}
	if t.discount, err = tx.DiscountConfig(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// checkUser validates (user, token) at now: active authorization, elapsed
// cooldown, active triple. It returns the record and the current cooldown stamp.
func checkUser(ctx context.Context, tx Tx, t terms, user, token common.Address, now int64) (Authorization, int64, error) {
	if user == (common.Address{}) {
		return Authorization{}, 0, ErrInvalidUserAddress
	}
	a, ok, err := tx.Authorization(ctx, user, token)
	if err != nil {
		return Authorization{}, 0, err
	}
	if !ok || !a.Authorized() {
		return Authorization{}, 0, fmt.Errorf("%w: %s for %s", ErrUserNotAuthorized, user.Hex(), token.Hex())
	}
	last, err := tx.LastSettlement(ctx, user)
	if err != nil {
		return Authorization{}, 0, err
	}
	if now-last < int64(a.PeriodicitySeconds) {
		return Authorization{}, 0, fmt.Errorf("%w: %s eligible at %d", ErrCooldownNotElapsed, user.Hex(), last+int64(a.PeriodicitySeconds))
	}
	if !t.triple.Active {
		return Authorization{}, 0, fmt.Errorf("%w: %s", ErrTokenNotActive, token.Hex())
	}
	return a, last, nil
}

// size bounds the gross amount by debt, cap, balance and allowance and splits it.
func (e *Engine) size(ctx context.Context, t terms, user, token common.Address, a Authorization) (plan, error) {
	debt, err := e.pool.DebtOf(ctx, user, t.triple.Debt)
	if err != nil {
		return plan{}, fmt.Errorf("debt of %s: %w", user.Hex(), err)
	}
	balance, err := e.assets.BalanceOf(ctx, token, user)
	if err != nil {
		return plan{}, fmt.Errorf("balance of %s: %w", user.Hex(), err)
	}
	allowance, err := e.assets.Allowance(ctx, token, user, e.account)
	if err != nil {
		return plan{}, fmt.Errorf("allowance of %s: %w", user.Hex(), err)
	}
	p := plan{user: user, auth: a}
	p.gross = minAmount(debt, a.MaxAmountPerPeriod, balance, allowance)
	if p.gross.IsZero() {
		return p, fmt.Errorf("%w: %s", ErrNothingToSettle, user.Hex())
	}
	if p.discounted, err = e.discountEligible(ctx, t.discount, user); err != nil {
		return plan{}, err
	}
	if p.split, err = Split(p.gross, t.fees, t.discount.DiscountPercentageBps, p.discounted); err != nil {
		return plan{}, err
	}
	return p, nil
}

// Settle settles one user in token on behalf of caller, who receives the
// executor tip.
func (e *Engine) Settle(ctx context.Context, caller, user, token common.Address) (SettlementResult, error) {
	res, err := e.settle(ctx, caller, []common.Address{user}, token, false)
	if len(res.Items) == 0 {
		return SettlementResult{}, err
	}
	return res.Items[0], err
}

// SettleBatch settles every user in token or none of them. Fees and tips are
// transferred once for the whole batch.
func (e *Engine) SettleBatch(ctx context.Context, caller common.Address, users []common.Address, token common.Address) (BatchResult, error) {
	return e.settle(ctx, caller, users, token, true)
}

func (e *Engine) settle(ctx context.Context, caller common.Address, users []common.Address, token common.Address, batch bool) (res BatchResult, err error) {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	defer leave()
	defer func() {
		if err != nil {
			e.metrics.SettlementFailed(Kind(err))
			e.log.Info("settlement failed",
				zap.String("token", token.Hex()),
				zap.Int("users", len(users)),
				zap.String("kind", Kind(err)),
				zap.Error(err))
		}
	}()

	if caller == (common.Address{}) {
		return BatchResult{}, ErrInvalidUserAddress
	}
	if len(users) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no users", ErrInvalidUserAddress)
	}
	seen := make(map[common.Address]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup {
			return BatchResult{}, fmt.Errorf("%w: duplicate %s", ErrInvalidUserAddress, u.Hex())
		}
		seen[u] = struct{}{}
	}

	now := e.now()
	stamp := now.Unix()

	// validate from a snapshot, size against collaborators without holding the store
	var t terms
	records := make([]Authorization, len(users))
	err = e.store.View(ctx, func(tx Tx) error {
		if err := e.requireInitialized(ctx, tx); err != nil {
			return err
		}
		if err := e.requireUnpaused(ctx, tx); err != nil {
			return err
		}
		var err error
		if t, err = loadTerms(ctx, tx, token); err != nil {
			return err
		}
		for i, u := range users {
			if records[i], _, err = checkUser(ctx, tx, t, u, token, stamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	plans := make([]plan, len(users))
	for i, u := range users {
		if plans[i], err = e.size(ctx, t, u, token, records[i]); err != nil {
			return BatchResult{}, err
		}
	}

	// effects: re-check under the write transaction and stamp every cooldown
	err = e.store.Update(ctx, func(tx Tx) error {
		if err := e.requireUnpaused(ctx, tx); err != nil {
			return err
		}
		current, err := loadTerms(ctx, tx, token)
		if err != nil {
			return err
		}
		for i := range plans {
			if _, plans[i].prevLast, err = checkUser(ctx, tx, current, plans[i].user, token, stamp); err != nil {
				return err
			}
			if err := tx.SetLastSettlement(ctx, plans[i].user, stamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	// interactions
	settled, ierr := e.interact(ctx, caller, token, t, plans)
	if settled < len(plans) {
		e.restoreCooldowns(context.WithoutCancel(ctx), plans[settled:], stamp)
	}
	if settled == 0 {
		return BatchResult{}, ierr
	}

	res = buildResult(token, t, plans[:settled], now)
	if perr := e.recordSettlement(ctx, caller, batch, res); perr != nil {
		e.log.Error("settlement events not recorded", zap.String("token", token.Hex()), zap.Error(perr))
	}
	for _, item := range res.Items {
		e.metrics.SettlementSucceeded(token, toFloat(item.Gross), toFloat(item.ProtocolFee), toFloat(item.ExecutorTip), toFloat(item.Net))
	}
	if ierr != nil {
		return res, fmt.Errorf("%w: %d of %d users settled: %w", ErrSettlementIncomplete, settled, len(plans), ierr)
	}
	return res, nil
}

// interact moves value for plans in order: pull, redeem, repay, fees. It
// returns how many plans had their debt repaid. Anything that fails before the
// first repayment is undone in full.
func (e *Engine) interact(ctx context.Context, caller, token common.Address, t terms, plans []plan) (int, error) {
	undoCtx := context.WithoutCancel(ctx)
	base := t.triple.Base

	for i, p := range plans {
		if err := e.assets.TransferFrom(ctx, token, e.account, p.user, e.account, p.gross); err != nil {
			e.refund(undoCtx, token, plans[:i])
			return 0, fmt.Errorf("pull %s from %s: %w", p.gross.Dec(), p.user.Hex(), err)
		}
	}

	if t.viaSupply {
		total := sumOf(plans, func(p plan) *uint256.Int { return p.gross })
		if err := e.pool.Withdraw(ctx, base, total, e.account, e.account); err != nil {
			e.refund(undoCtx, token, plans)
			return 0, fmt.Errorf("redeem %s: %w", total.Dec(), err)
		}
	}

	settled := len(plans)
	var repayErr error
	for i, p := range plans {
		if p.split.Net.IsZero() {
			continue
		}
		if err := e.pool.Repay(ctx, base, p.split.Net, e.account, p.user); err != nil {
			settled = i
			repayErr = fmt.Errorf("repay %s for %s: %w", p.split.Net.Dec(), p.user.Hex(), err)
			break
		}
	}
	if rest := plans[settled:]; len(rest) > 0 {
		e.unwind(undoCtx, token, base, t.viaSupply, rest)
	}
	if settled == 0 {
		return 0, repayErr
	}

	// the fee goes out even when the tip could not
	done := plans[:settled]
	tip := sumOf(done, func(p plan) *uint256.Int { return p.split.ExecutorTip })
	fee := sumOf(done, func(p plan) *uint256.Int { return p.split.ProtocolFee })
	var tipErr, feeErr error
	if !tip.IsZero() {
		if err := e.assets.Transfer(ctx, base, e.account, caller, tip); err != nil {
			tipErr = fmt.Errorf("executor tip: %w", err)
		}
	}
	if !fee.IsZero() {
		if err := e.assets.Transfer(ctx, base, e.account, t.discount.Treasury, fee); err != nil {
			feeErr = fmt.Errorf("protocol fee: %w", err)
		}
	}
	return settled, errors.Join(repayErr, tipErr, feeErr)
}

// unwind returns the pulled funds of plans that were not repaid.
func (e *Engine) unwind(ctx context.Context, token, base common.Address, viaSupply bool, plans []plan) {
	if viaSupply {
		total := sumOf(plans, func(p plan) *uint256.Int { return p.gross })
		if err := e.pool.Supply(ctx, base, total, e.account, e.account); err != nil {
			e.log.Error("re-supply failed; base left on engine account",
				zap.String("base", base.Hex()), zap.String("amount", total.Dec()), zap.Error(err))
			return
		}
	}
	e.refund(ctx, token, plans)
}

func (e *Engine) refund(ctx context.Context, token common.Address, plans []plan) {
	for _, p := range plans {
		if err := e.assets.Transfer(ctx, token, e.account, p.user, p.gross); err != nil {
			e.log.Error("refund failed",
				zap.String("user", p.user.Hex()), zap.String("token", token.Hex()),
				zap.String("amount", p.gross.Dec()), zap.Error(err))
		}
	}
}

// restoreCooldowns puts back the previous stamp of users whose settlement was
// unwound, unless something else has stamped them since.
func (e *Engine) restoreCooldowns(ctx context.Context, plans []plan, stamp int64) {
	err := e.store.Update(ctx, func(tx Tx) error {
		for _, p := range plans {
			cur, err := tx.LastSettlement(ctx, p.user)
			if err != nil {
				return err
			}
			if cur != stamp {
				continue
			}
			if err := tx.SetLastSettlement(ctx, p.user, p.prevLast); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error("cooldown compensation failed", zap.Int("users", len(plans)), zap.Error(err))
	}
}

func (e *Engine) recordSettlement(ctx context.Context, caller common.Address, batch bool, res BatchResult) error {
	return e.update(ctx, caller, func(tx Tx, ev *events) error {
		for _, item := range res.Items {
			ev.emit(EventSettled, item.User, item.Token, map[string]string{
				"settlement_id": item.ID,
				"gross":         item.Gross.Dec(),
				"protocol_fee":  item.ProtocolFee.Dec(),
				"executor_tip":  item.ExecutorTip.Dec(),
				"net":           item.Net.Dec(),
				"discounted":    strconv.FormatBool(item.Discounted),
				"via_supply":    strconv.FormatBool(item.ViaSupply),
			})
		}
		if batch {
			ev.emit(EventBatchSettled, common.Address{}, res.Token, map[string]string{
				"users":        strconv.Itoa(len(res.Items)),
				"gross":        res.TotalGross.Dec(),
				"protocol_fee": res.TotalFee.Dec(),
				"executor_tip": res.TotalTip.Dec(),
				"net":          res.TotalNet.Dec(),
			})
		}
		return nil
	})
}

func buildResult(token common.Address, t terms, plans []plan, at time.Time) BatchResult {
	res := BatchResult{
		Token:       token,
		TotalGross:  new(uint256.Int),
		TotalFee:    new(uint256.Int),
		TotalTip:    new(uint256.Int),
		TotalNet:    new(uint256.Int),
		CompletedAt: at,
	}
	for _, p := range plans {
		res.Items = append(res.Items, SettlementResult{
			ID:          ids.NewAt(at),
			User:        p.user,
			Token:       token,
			Base:        t.triple.Base,
			ViaSupply:   t.viaSupply,
			Gross:       p.gross,
			ProtocolFee: p.split.ProtocolFee,
			ExecutorTip: p.split.ExecutorTip,
			Net:         p.split.Net,
			Discounted:  p.discounted,
			SettledAt:   at,
		})
		res.TotalGross.Add(res.TotalGross, p.gross)
		res.TotalFee.Add(res.TotalFee, p.split.ProtocolFee)
		res.TotalTip.Add(res.TotalTip, p.split.ExecutorTip)
		res.TotalNet.Add(res.TotalNet, p.split.Net)
	}
	return res
}

// QuoteSettlement previews what Settle would move for user right now, ignoring
// the cooldown. Nothing to settle yields zero amounts rather than an error.
func (e *Engine) QuoteSettlement(ctx context.Context, user, token common.Address) (Quote, error) {
	var (
		t    terms
		a    Authorization
		last int64
	)
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		if t, err = loadTerms(ctx, tx, token); err != nil {
			return err
		}
		rec, ok, err := tx.Authorization(ctx, user, token)
		if err != nil {
			return err
		}
		if !ok || !rec.Authorized() {
			return fmt.Errorf("%w: %s for %s", ErrUserNotAuthorized, user.Hex(), token.Hex())
		}
		if !t.triple.Active {
			return fmt.Errorf("%w: %s", ErrTokenNotActive, token.Hex())
		}
		a = rec
		last, err = tx.LastSettlement(ctx, user)
		return err
	})
	if err != nil {
		return Quote{}, err
	}

	eligible := last + int64(a.PeriodicitySeconds)
	q := Quote{
		User:            user,
		Token:           token,
		Gross:           new(uint256.Int),
		ProtocolFee:     new(uint256.Int),
		ExecutorTip:     new(uint256.Int),
		Net:             new(uint256.Int),
		EligibleAt:      eligible,
		CooldownElapsed: e.now().Unix() >= eligible,
	}
	p, err := e.size(ctx, t, user, token, a)
	if errors.Is(err, ErrNothingToSettle) {
		return q, nil
	}
	if err != nil {
		return Quote{}, err
	}
	q.Gross, q.ProtocolFee, q.ExecutorTip, q.Net = p.gross, p.split.ProtocolFee, p.split.ExecutorTip, p.split.Net
	q.Discounted = p.discounted
	return q, nil
}

func sumOf(plans []plan, pick func(plan) *uint256.Int) *uint256.Int {
	total := new(uint256.Int)
	for _, p := range plans {
		total.Add(total, pick(p))
	}
	return total
}
