package repay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// maxPeriodicity bounds the cooldown window at roughly a century.
const maxPeriodicity = 100 * 365 * 24 * 60 * 60

// Configure writes user's authorization for each (token, cap) pair and resets
// the user's cooldown clock to startTimestamp, or to now when it is zero. The
// whole token list is applied or none of it.
func (e *Engine) Configure(ctx context.Context, user common.Address, tokens []common.Address, caps []*uint256.Int, periodicitySeconds uint64, startTimestamp int64) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if user == (common.Address{}) {
		return ErrInvalidUserAddress
	}
	if len(tokens) == 0 || len(tokens) != len(caps) {
		return fmt.Errorf("%w: %d tokens, %d caps", ErrInvalidTokenOrAmount, len(tokens), len(caps))
	}
	if periodicitySeconds == 0 || periodicitySeconds > maxPeriodicity || startTimestamp < 0 {
		return fmt.Errorf("%w: periodicity must be between 1 and %d seconds", ErrInvalidTokenOrAmount, maxPeriodicity)
	}

	err = e.update(ctx, user, func(tx Tx, ev *events) error {
		if err := e.requireInitialized(ctx, tx); err != nil {
			return err
		}
		if err := e.requireUnpaused(ctx, tx); err != nil {
			return err
		}
		now := ev.at.Unix()
		if startTimestamp > now+maxPeriodicity {
			return fmt.Errorf("%w: start timestamp %d is more than %d seconds ahead", ErrInvalidTokenOrAmount, startTimestamp, maxPeriodicity)
		}
		for i, token := range tokens {
			if caps[i] == nil || caps[i].IsZero() {
				return fmt.Errorf("%w: zero cap for %s", ErrInvalidTokenOrAmount, token.Hex())
			}
			tr, ok, err := tx.Triple(ctx, token)
			if err != nil {
				return err
			}
			if !ok || !tr.Active {
				return fmt.Errorf("%w: %s is not an active token", ErrInvalidTokenOrAmount, token.Hex())
			}
			a := Authorization{
				User:               user,
				Token:              token,
				MaxAmountPerPeriod: new(uint256.Int).Set(caps[i]),
				PeriodicitySeconds: periodicitySeconds,
				UpdatedAt:          now,
			}
			if err := tx.PutAuthorization(ctx, a); err != nil {
				return err
			}
			ev.emit(EventConfigurationSet, user, token, map[string]string{
				"max_amount_per_period": caps[i].Dec(),
				"periodicity_seconds":   formatUint(periodicitySeconds),
			})
		}
		start := startTimestamp
		if start == 0 {
			start = now
		}
		return tx.SetLastSettlement(ctx, user, start)
	})
	if err != nil {
		return err
	}
	e.metrics.AuthorizationsChanged("configure", len(tokens))
	return nil
}

// Revoke zeroes user's record for token. It is not gated by pause.
func (e *Engine) Revoke(ctx context.Context, user, token common.Address) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if user == (common.Address{}) {
		return ErrInvalidUserAddress
	}
	err = e.update(ctx, user, func(tx Tx, ev *events) error {
		a, ok, err := tx.Authorization(ctx, user, token)
		if err != nil {
			return err
		}
		if !ok || !a.Authorized() {
			return fmt.Errorf("%w: %s for %s", ErrUserNotAuthorized, user.Hex(), token.Hex())
		}
		if err := tx.PutAuthorization(ctx, zeroed(a, ev.at.Unix())); err != nil {
			return err
		}
		ev.emit(EventAuthorizationRevoked, user, token, map[string]string{"reason": "revoke"})
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.AuthorizationsChanged("revoke", 1)
	return nil
}

// RevokeAll zeroes every active record of user.
func (e *Engine) RevokeAll(ctx context.Context, user common.Address) (int, error) {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	if user == (common.Address{}) {
		return 0, ErrInvalidUserAddress
	}
	var n int
	err = e.update(ctx, user, func(tx Tx, ev *events) error {
		var err error
		n, err = zeroAll(ctx, tx, ev, user, "revoke_all")
		return err
	})
	if err != nil {
		return 0, err
	}
	e.metrics.AuthorizationsChanged("revoke_all", n)
	return n, nil
}

func zeroAll(ctx context.Context, tx Tx, ev *events, user common.Address, reason string) (int, error) {
	all, err := tx.Authorizations(ctx, user)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range all {
		if !a.Authorized() {
			continue
		}
		if err := tx.PutAuthorization(ctx, zeroed(a, ev.at.Unix())); err != nil {
			return 0, err
		}
		ev.emit(EventAuthorizationRevoked, user, a.Token, map[string]string{"reason": reason})
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s has no active authorization", ErrUserNotAuthorized, user.Hex())
	}
	return n, nil
}

// IsAuthorized reports whether user has any active authorization.
func (e *Engine) IsAuthorized(ctx context.Context, user common.Address) (bool, error) {
	all, err := e.GetAllConfigs(ctx, user)
	return len(all) > 0, err
}

// IsAuthorizedFor reports whether user has an active authorization for token.
func (e *Engine) IsAuthorizedFor(ctx context.Context, user, token common.Address) (bool, error) {
	a, err := e.GetConfig(ctx, user, token)
	return a.Authorized(), err
}

// GetConfig returns user's record for token. Unknown records read back zeroed.
func (e *Engine) GetConfig(ctx context.Context, user, token common.Address) (Authorization, error) {
	out := Authorization{User: user, Token: token, MaxAmountPerPeriod: new(uint256.Int)}
	err := e.store.View(ctx, func(tx Tx) error {
		a, ok, err := tx.Authorization(ctx, user, token)
		if err != nil || !ok {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// GetAllConfigs returns user's active records ordered by token.
func (e *Engine) GetAllConfigs(ctx context.Context, user common.Address) ([]Authorization, error) {
	var out []Authorization
	err := e.store.View(ctx, func(tx Tx) error {
		all, err := tx.Authorizations(ctx, user)
		if err != nil {
			return err
		}
		for _, a := range all {
			if a.Authorized() {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// LastSettlement returns the user's cooldown timestamp, shared by all tokens.
func (e *Engine) LastSettlement(ctx context.Context, user common.Address) (int64, error) {
	var last int64
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		last, err = tx.LastSettlement(ctx, user)
		return err
	})
	return last, err
}

// NextEligibleAt returns when user may next be settled in token, or 0 when the
// pair is not authorized.
func (e *Engine) NextEligibleAt(ctx context.Context, user, token common.Address) (int64, error) {
	var at int64
	err := e.store.View(ctx, func(tx Tx) error {
		a, ok, err := tx.Authorization(ctx, user, token)
		if err != nil || !ok || !a.Authorized() {
			return err
		}
		last, err := tx.LastSettlement(ctx, user)
		if err != nil {
			return err
		}
		at = last + int64(a.PeriodicitySeconds)
		return nil
	})
	return at, err
}
