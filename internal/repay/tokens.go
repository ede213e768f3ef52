package repay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/auth"
)

// AuthorizeTriple registers or reactivates a (base, debt, supply) triple,
// resolvable afterwards by base or supply address.
func (e *Engine) AuthorizeTriple(ctx context.Context, caller, base, debt, supply common.Address) (TokenTriple, error) {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return TokenTriple{}, err
	}
	defer leave()

	zero := common.Address{}
	if base == zero || debt == zero || supply == zero || base == debt || base == supply || debt == supply {
		return TokenTriple{}, fmt.Errorf("%w: triple addresses must be non-zero and distinct", ErrInvalidTokenOrAmount)
	}

	var out TokenTriple
	err = e.update(ctx, caller, func(tx Tx, ev *events) error {
		if err := auth.Require(ctx, tx, caller, auth.Administer); err != nil {
			return err
		}
		// neither address may already belong to a different triple
		for _, addr := range []common.Address{base, supply} {
			existing, ok, err := tx.Triple(ctx, addr)
			if err != nil {
				return err
			}
			if ok && existing.Base != base {
				return fmt.Errorf("%w: %s already registered under base %s", ErrInvalidTokenOrAmount, addr.Hex(), existing.Base.Hex())
			}
		}
		out = TokenTriple{Base: base, Debt: debt, Supply: supply, Active: true, UpdatedAt: ev.at.Unix()}
		if err := tx.PutTriple(ctx, out); err != nil {
			return err
		}
		ev.emit(EventTripleAuthorized, common.Address{}, base, map[string]string{
			"debt":   debt.Hex(),
			"supply": supply.Hex(),
		})
		return nil
	})
	if err != nil {
		return TokenTriple{}, err
	}
	return out, nil
}

// Unauthorize soft-deletes the triple reachable from token. Existing user
// authorizations are left in place.
func (e *Engine) Unauthorize(ctx context.Context, caller, token common.Address) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	return e.update(ctx, caller, func(tx Tx, ev *events) error {
		if err := auth.Require(ctx, tx, caller, auth.Administer); err != nil {
			return err
		}
		tr, ok, err := tx.Triple(ctx, token)
		if err != nil {
			return err
		}
		if !ok || !tr.Active {
			return fmt.Errorf("%w: %s", ErrTokenNotActive, token.Hex())
		}
		tr.Active = false
		tr.UpdatedAt = ev.at.Unix()
		if err := tx.PutTriple(ctx, tr); err != nil {
			return err
		}
		ev.emit(EventTripleUnauthorized, common.Address{}, tr.Base, nil)
		return nil
	})
}

// GetTokenConfig returns the triple reachable from token, or the zero value.
func (e *Engine) GetTokenConfig(ctx context.Context, token common.Address) (TokenTriple, error) {
	var out TokenTriple
	err := e.store.View(ctx, func(tx Tx) error {
		tr, ok, err := tx.Triple(ctx, token)
		if err != nil || !ok {
			return err
		}
		out = tr
		return nil
	})
	return out, err
}

// GetDebtToken returns the debt token paired with token, or the zero address.
func (e *Engine) GetDebtToken(ctx context.Context, token common.Address) (common.Address, error) {
	tr, err := e.GetTokenConfig(ctx, token)
	return tr.Debt, err
}

// ListActiveTokens returns the base addresses of active triples in byte order.
func (e *Engine) ListActiveTokens(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := e.store.View(ctx, func(tx Tx) error {
		all, err := tx.Triples(ctx)
		if err != nil {
			return err
		}
		for _, tr := range all {
			if tr.Active {
				out = append(out, tr.Base)
			}
		}
		return nil
	})
	return out, err
}

// CleanupUnauthorizedTokenConfigs zeroes the stale records users still hold
// for an inactive token and returns how many records were cleared.
func (e *Engine) CleanupUnauthorizedTokenConfigs(ctx context.Context, caller, token common.Address, users []common.Address) (int, error) {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	var cleaned int
	err = e.update(ctx, caller, func(tx Tx, ev *events) error {
		cleaned = 0
		if err := auth.Require(ctx, tx, caller, auth.Administer); err != nil {
			return err
		}
		keys := []common.Address{token}
		tr, ok, err := tx.Triple(ctx, token)
		if err != nil {
			return err
		}
		if ok {
			if tr.Active {
				return fmt.Errorf("%w: %s", ErrTokenStillActive, token.Hex())
			}
			keys = []common.Address{tr.Base, tr.Supply}
		}
		for _, user := range users {
			if user == (common.Address{}) {
				return ErrInvalidUserAddress
			}
			for _, key := range keys {
				a, found, err := tx.Authorization(ctx, user, key)
				if err != nil {
					return err
				}
				if !found || !a.Authorized() {
					continue
				}
				if err := tx.PutAuthorization(ctx, zeroed(a, ev.at.Unix())); err != nil {
					return err
				}
				ev.emit(EventAuthorizationRevoked, user, key, map[string]string{"reason": "cleanup"})
				cleaned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.metrics.AuthorizationsChanged("cleanup", cleaned)
	return cleaned, nil
}

func zeroed(a Authorization, at int64) Authorization {
	return Authorization{User: a.User, Token: a.Token, UpdatedAt: at}
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
