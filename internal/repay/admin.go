package repay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/auth"
)

// Initialize grants every capability to admin and stores the treasury and fee
// configuration. It succeeds once.
func (e *Engine) Initialize(ctx context.Context, admin, treasury common.Address, fees FeeConfig) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if admin == (common.Address{}) || treasury == (common.Address{}) {
		return ErrInvalidUserAddress
	}
	if err := fees.Validate(); err != nil {
		return err
	}
	return e.update(ctx, admin, func(tx Tx, ev *events) error {
		m, err := tx.Meta(ctx)
		if err != nil {
			return err
		}
		if m.Initialized {
			return ErrAlreadyInitialized
		}
		for _, c := range auth.Capabilities {
			if err := tx.SetRole(ctx, c, admin, true); err != nil {
				return err
			}
		}
		if err := tx.PutFeeConfig(ctx, fees); err != nil {
			return err
		}
		d, err := tx.DiscountConfig(ctx)
		if err != nil {
			return err
		}
		d.Treasury = treasury
		if err := tx.PutDiscountConfig(ctx, d); err != nil {
			return err
		}
		if err := tx.PutMeta(ctx, Meta{Initialized: true, InitializedAt: ev.at.Unix()}); err != nil {
			return err
		}
		ev.emit(EventInitialized, common.Address{}, common.Address{}, map[string]string{
			"admin":            admin.Hex(),
			"treasury":         treasury.Hex(),
			"protocol_fee_bps": formatUint(fees.ProtocolFeeBps),
			"executor_tip_bps": formatUint(fees.ExecutorTipBps),
		})
		return nil
	})
}

// IsInitialized reports whether Initialize has run.
func (e *Engine) IsInitialized(ctx context.Context) (bool, error) {
	var m Meta
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		m, err = tx.Meta(ctx)
		return err
	})
	return m.Initialized, err
}

// UpdateProtocolFee sets the protocol fee, keeping fee+tip within 100%.
func (e *Engine) UpdateProtocolFee(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateFees(ctx, caller, func(f *FeeConfig) { f.ProtocolFeeBps = bps })
}

// UpdateExecutorTip sets the executor tip, keeping fee+tip within 100%.
func (e *Engine) UpdateExecutorTip(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateFees(ctx, caller, func(f *FeeConfig) { f.ExecutorTipBps = bps })
}

func (e *Engine) updateFees(ctx context.Context, caller common.Address, change func(*FeeConfig)) error {
	return e.administer(ctx, caller, func(tx Tx, ev *events) error {
		f, err := tx.FeeConfig(ctx)
		if err != nil {
			return err
		}
		change(&f)
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: protocol %d + tip %d bps", err, f.ProtocolFeeBps, f.ExecutorTipBps)
		}
		if err := tx.PutFeeConfig(ctx, f); err != nil {
			return err
		}
		ev.emit(EventFeeConfigUpdated, common.Address{}, common.Address{}, map[string]string{
			"protocol_fee_bps": formatUint(f.ProtocolFeeBps),
			"executor_tip_bps": formatUint(f.ExecutorTipBps),
		})
		return nil
	})
}

// UpdateTreasury sets the protocol fee recipient.
func (e *Engine) UpdateTreasury(ctx context.Context, caller, treasury common.Address) error {
	if treasury == (common.Address{}) {
		return ErrInvalidUserAddress
	}
	return e.updateDiscount(ctx, caller, EventTreasuryUpdated, func(d *DiscountConfig) error {
		d.Treasury = treasury
		return nil
	})
}

// UpdateDiscountToken sets the governance token whose holders get the
// discount. The zero address disables discounts.
func (e *Engine) UpdateDiscountToken(ctx context.Context, caller, token common.Address) error {
	return e.updateDiscount(ctx, caller, EventDiscountConfigUpdated, func(d *DiscountConfig) error {
		d.DiscountToken = token
		return nil
	})
}

// UpdateMinimumAmount sets the holding required for the discount.
func (e *Engine) UpdateMinimumAmount(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	return e.updateDiscount(ctx, caller, EventDiscountConfigUpdated, func(d *DiscountConfig) error {
		d.MinimumHoldingAmount = amountOrZero(amount)
		return nil
	})
}

// UpdateDiscountPercentage sets how much of the protocol fee is waived.
func (e *Engine) UpdateDiscountPercentage(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateDiscount(ctx, caller, EventDiscountConfigUpdated, func(d *DiscountConfig) error {
		if bps > BPSDenominator {
			return fmt.Errorf("%w: discount %d bps", ErrInvalidFeeConfig, bps)
		}
		d.DiscountPercentageBps = bps
		return nil
	})
}

func (e *Engine) updateDiscount(ctx context.Context, caller common.Address, kind EventKind, change func(*DiscountConfig) error) error {
	return e.administer(ctx, caller, func(tx Tx, ev *events) error {
		d, err := tx.DiscountConfig(ctx)
		if err != nil {
			return err
		}
		if err := change(&d); err != nil {
			return err
		}
		if err := tx.PutDiscountConfig(ctx, d); err != nil {
			return err
		}
		fields := map[string]string{"treasury": d.Treasury.Hex()}
		if kind == EventDiscountConfigUpdated {
			fields = map[string]string{
				"discount_token":          d.DiscountToken.Hex(),
				"minimum_holding_amount":  amountOrZero(d.MinimumHoldingAmount).Dec(),
				"discount_percentage_bps": formatUint(d.DiscountPercentageBps),
			}
		}
		ev.emit(kind, common.Address{}, common.Address{}, fields)
		return nil
	})
}

// administer runs fn for a caller holding the administer capability.
func (e *Engine) administer(ctx context.Context, caller common.Address, fn func(tx Tx, ev *events) error) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return e.update(ctx, caller, func(tx Tx, ev *events) error {
		if err := auth.Require(ctx, tx, caller, auth.Administer); err != nil {
			return err
		}
		return fn(tx, ev)
	})
}

// GetFeeConfig returns the current fee configuration.
func (e *Engine) GetFeeConfig(ctx context.Context) (FeeConfig, error) {
	var f FeeConfig
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		f, err = tx.FeeConfig(ctx)
		return err
	})
	return f, err
}

// GetDiscountConfig returns the current discount configuration and treasury.
func (e *Engine) GetDiscountConfig(ctx context.Context) (DiscountConfig, error) {
	var d DiscountConfig
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		d, err = tx.DiscountConfig(ctx)
		return err
	})
	return d, err
}

// Pause stops Configure, Settle and SettleBatch. Pausing a paused engine is a no-op.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true, auth.Emergency)
}

// Unpause resumes normal operation. It needs administer, not emergency.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false, auth.Administer)
}

func (e *Engine) setPaused(ctx context.Context, caller common.Address, paused bool, c auth.Capability) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	err = e.update(ctx, caller, func(tx Tx, ev *events) error {
		if err := auth.Require(ctx, tx, caller, c); err != nil {
			return err
		}
		cur, err := tx.Paused(ctx)
		if err != nil || cur == paused {
			return err
		}
		if err := tx.SetPaused(ctx, paused); err != nil {
			return err
		}
		kind := EventUnpaused
		if paused {
			kind = EventPaused
		}
		ev.emit(kind, common.Address{}, common.Address{}, nil)
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.Paused(paused)
	return nil
}

// IsPaused reports the global pause switch.
func (e *Engine) IsPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		paused, err = tx.Paused(ctx)
		return err
	})
	return paused, err
}

// RemoveUser lets an operator zero every active record of user.
func (e *Engine) RemoveUser(ctx context.Context, caller, user common.Address) (int, error) {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	if user == (common.Address{}) {
		return 0, ErrInvalidUserAddress
	}
	var n int
	err = e.update(ctx, caller, func(tx Tx, ev *events) error {
		if err := auth.Require(ctx, tx, caller, auth.Operate); err != nil {
			return err
		}
		var err error
		n, err = zeroAll(ctx, tx, ev, user, "removed_by_operator")
		return err
	})
	if err != nil {
		return 0, err
	}
	e.metrics.AuthorizationsChanged("remove_user", n)
	return n, nil
}

// EmergencyRecoverToken moves amount of token held by the engine account to
// to. It works while paused.
func (e *Engine) EmergencyRecoverToken(ctx context.Context, caller, token common.Address, amount *uint256.Int, to common.Address) error {
	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if token == (common.Address{}) || amount == nil || amount.IsZero() {
		return ErrInvalidTokenOrAmount
	}
	if to == (common.Address{}) {
		return ErrInvalidUserAddress
	}
	err = e.store.View(ctx, func(tx Tx) error {
		return auth.Require(ctx, tx, caller, auth.Administer)
	})
	if err != nil {
		return err
	}
	if err := e.assets.Transfer(ctx, token, e.account, to, amount); err != nil {
		return fmt.Errorf("recover %s of %s: %w", amount.Dec(), token.Hex(), err)
	}
	return e.update(ctx, caller, func(tx Tx, ev *events) error {
		ev.emit(EventTokenRecovered, common.Address{}, token, map[string]string{
			"amount": amount.Dec(),
			"to":     to.Hex(),
		})
		return nil
	})
}

// GrantRole gives who capability c. Granting a held capability is a no-op.
func (e *Engine) GrantRole(ctx context.Context, caller common.Address, c auth.Capability, who common.Address) error {
	return e.setRole(ctx, caller, c, who, true)
}

// RevokeRole takes capability c from who. The last administrator cannot be removed.
func (e *Engine) RevokeRole(ctx context.Context, caller common.Address, c auth.Capability, who common.Address) error {
	return e.setRole(ctx, caller, c, who, false)
}

func (e *Engine) setRole(ctx context.Context, caller common.Address, c auth.Capability, who common.Address, grant bool) error {
	if _, err := auth.ParseCapability(string(c)); err != nil {
		return err
	}
	if who == (common.Address{}) {
		return ErrInvalidUserAddress
	}
	return e.administer(ctx, caller, func(tx Tx, ev *events) error {
		held, err := tx.HasRole(ctx, c, who)
		if err != nil || held == grant {
			return err
		}
		if !grant && c == auth.Administer {
			members, err := tx.RoleMembers(ctx, auth.Administer)
			if err != nil {
				return err
			}
			if len(members) <= 1 {
				return fmt.Errorf("%w: cannot remove the last administrator", ErrUnauthorized)
			}
		}
		if err := tx.SetRole(ctx, c, who, grant); err != nil {
			return err
		}
		kind := EventRoleRevoked
		if grant {
			kind = EventRoleGranted
		}
		ev.emit(kind, who, common.Address{}, map[string]string{"capability": string(c)})
		return nil
	})
}

// WhoAmI resolves the capabilities held by principal.
func (e *Engine) WhoAmI(ctx context.Context, principal common.Address) (auth.Principal, error) {
	var p auth.Principal
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		p, err = auth.Resolve(ctx, tx, principal)
		return err
	})
	return p, err
}

// Events pages through the event log after afterSeq.
func (e *Engine) Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	var out []Event
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Events(ctx, afterSeq, limit)
		return err
	})
	return out, err
}

// Ready reports whether the store answers and settlements are accepted.
func (e *Engine) Ready(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	paused, err := e.IsPaused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}
