package repay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FeeSplit is the division of a gross amount. ProtocolFee+ExecutorTip+Net == gross.
type FeeSplit struct {
	ProtocolFee *uint256.Int
	ExecutorTip *uint256.Int
	Net         *uint256.Int
}

var bpsDenominator = uint256.NewInt(BPSDenominator)

// Split divides gross into protocol fee, executor tip and net amount. When
// discounted, the protocol fee is reduced by discountBps of itself; the tip is
// never discounted.
func Split(gross *uint256.Int, fees FeeConfig, discountBps uint64, discounted bool) (FeeSplit, error) {
	if err := fees.Validate(); err != nil {
		return FeeSplit{}, err
	}
	if discountBps > BPSDenominator {
		return FeeSplit{}, ErrInvalidFeeConfig
	}
	g := amountOrZero(gross)

	fee, err := bpsOf(g, fees.ProtocolFeeBps)
	if err != nil {
		return FeeSplit{}, err
	}
	if discounted {
		cut, err := bpsOf(fee, discountBps)
		if err != nil {
			return FeeSplit{}, err
		}
		fee.Sub(fee, cut)
	}
	tip, err := bpsOf(g, fees.ExecutorTipBps)
	if err != nil {
		return FeeSplit{}, err
	}

	skim := new(uint256.Int).Add(fee, tip)
	if g.Lt(skim) {
		return FeeSplit{}, fmt.Errorf("%w: fees exceed gross", ErrInvalidFeeConfig)
	}
	return FeeSplit{ProtocolFee: fee, ExecutorTip: tip, Net: new(uint256.Int).Sub(g, skim)}, nil
}

func bpsOf(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(x, uint256.NewInt(bps), bpsDenominator)
	if overflow {
		return nil, fmt.Errorf("%w: overflow computing %d bps of %s", ErrInvalidTokenOrAmount, bps, x.Dec())
	}
	return z, nil
}

// discountEligible reports whether payer holds at least the minimum amount of
// the configured discount token.
func (e *Engine) discountEligible(ctx context.Context, d DiscountConfig, payer common.Address) (bool, error) {
	if d.DiscountToken == (common.Address{}) || d.DiscountPercentageBps == 0 {
		return false, nil
	}
	held, err := e.assets.BalanceOf(ctx, d.DiscountToken, payer)
	if err != nil {
		return false, fmt.Errorf("discount balance: %w", err)
	}
	return !held.Lt(amountOrZero(d.MinimumHoldingAmount)), nil
}
