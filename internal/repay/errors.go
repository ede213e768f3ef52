package repay

import (
	"errors"

	"autorepay.org/internal/auth"
)

var (
	ErrInvalidTokenOrAmount = errors.New("invalid token or amount")
	ErrUserNotAuthorized    = errors.New("user not authorized")
	ErrTokenNotActive       = errors.New("token not active")
	ErrCooldownNotElapsed   = errors.New("cooldown not elapsed")
	ErrInvalidUserAddress   = errors.New("invalid user address")
	ErrUnauthorized         = auth.ErrUnauthorized
	ErrPaused               = errors.New("paused")
	ErrAlreadyInitialized   = errors.New("already initialized")
	ErrTokenStillActive     = errors.New("token still active")
	ErrInvalidFeeConfig     = errors.New("invalid fee config")
	ErrNothingToSettle      = errors.New("nothing to settle")
	ErrReentrantCall        = errors.New("reentrant call")
	ErrNotInitialized       = errors.New("not initialized")
	// ErrSettlementIncomplete reports an interaction failure after at least one
	// debt repayment went through; the result lists the users that were settled.
	ErrSettlementIncomplete = errors.New("settlement incomplete")
)

var kinds = []struct {
	err  error
	kind string
}{
	// first: it wraps the collaborator error that cut the settlement short
	{ErrSettlementIncomplete, "SettlementIncomplete"},
	{ErrInvalidTokenOrAmount, "InvalidTokenOrAmount"},
	{ErrUserNotAuthorized, "UserNotAuthorized"},
	{ErrTokenNotActive, "TokenNotActive"},
	{ErrCooldownNotElapsed, "CooldownNotElapsed"},
	{ErrInvalidUserAddress, "InvalidUserAddress"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrPaused, "Paused"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrTokenStillActive, "TokenStillActive"},
	{ErrInvalidFeeConfig, "InvalidFeeConfig"},
	{ErrNothingToSettle, "NothingToSettle"},
	{ErrReentrantCall, "ReentrantCall"},
	{ErrNotInitialized, "NotInitialized"},
}

// Kind returns the stable code for err, or "Internal" for anything that is not
// an engine sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
