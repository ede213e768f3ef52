package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

type principalContextKey struct{}

// ContextWithCaller attaches the authenticated caller address to the context.
func ContextWithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, principalContextKey{}, caller)
}

// CallerFromContext extracts the authenticated caller address from the context.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(common.Address)
	if !ok || v == (common.Address{}) {
		return common.Address{}, false
	}
	return v, true
}
