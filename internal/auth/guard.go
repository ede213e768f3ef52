package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Capability is one independently granted privilege.
type Capability string

const (
	// Administer covers fees, treasury, discount, the token registry, cleanup,
	// unpause, token recovery and role grants.
	Administer Capability = "administer"
	// Emergency may pause the engine and nothing else.
	Emergency Capability = "emergency"
	// Operate may force-remove a user's authorizations.
	Operate Capability = "operate"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []Capability{Administer, Emergency, Operate}

// ParseCapability accepts the capability name in any case.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Capabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCapability, raw)
}

// RoleReader answers set-membership questions per capability.
type RoleReader interface {
	HasRole(ctx context.Context, c Capability, who common.Address) (bool, error)
}

// Require fails with ErrUnauthorized unless who holds c.
func Require(ctx context.Context, roles RoleReader, who common.Address, c Capability) error {
	if who == (common.Address{}) {
		return ErrUnauthorized
	}
	ok, err := roles.HasRole(ctx, c, who)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, who.Hex(), c)
	}
	return nil
}

// Resolve builds the principal view of who from roles.
func Resolve(ctx context.Context, roles RoleReader, who common.Address) (Principal, error) {
	var held []Capability
	for _, c := range Capabilities {
		ok, err := roles.HasRole(ctx, c, who)
		if err != nil {
			return Principal{}, err
		}
		if ok {
			held = append(held, c)
		}
	}
	return NewPrincipal(who, held...), nil
}
