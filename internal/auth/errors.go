package auth

import "errors"

var (
	ErrUnauthorized      = errors.New("auth: unauthorized")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrMissingSecret     = errors.New("auth: secret is not configured")
	ErrInvalidCapability = errors.New("auth: invalid capability")
)
