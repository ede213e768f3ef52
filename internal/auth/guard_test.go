package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type staticRoles map[Capability]map[common.Address]bool

func (s staticRoles) HasRole(_ context.Context, c Capability, who common.Address) (bool, error) {
	return s[c][who], nil
}

type brokenRoles struct{}

func (brokenRoles) HasRole(context.Context, Capability, common.Address) (bool, error) {
	return false, errors.New("store down")
}

func TestRequire(t *testing.T) {
	admin := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	roles := staticRoles{Administer: {admin: true}}
	ctx := context.Background()

	cases := []struct {
		name string
		who  common.Address
		cap  Capability
		want error
	}{
		{"holder", admin, Administer, nil},
		{"missing capability", admin, Emergency, ErrUnauthorized},
		{"stranger", caller, Administer, ErrUnauthorized},
		{"zero address", common.Address{}, Administer, ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Require(ctx, roles, tc.who, tc.cap)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if err := Require(ctx, brokenRoles{}, admin, Administer); err == nil || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
}

func TestResolveAndPrincipal(t *testing.T) {
	who := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	roles := staticRoles{Emergency: {who: true}, Operate: {who: true}}
	p, err := Resolve(context.Background(), roles, who)
	if err != nil {
		t.Fatal(err)
	}
	if p.IsAdmin() || !p.IsEmergency() || !p.IsOperator() {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestParseCapability(t *testing.T) {
	if c, err := ParseCapability(" Administer "); err != nil || c != Administer {
		t.Fatalf("unexpected parse: %q %v", c, err)
	}
	if _, err := ParseCapability("root"); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}
