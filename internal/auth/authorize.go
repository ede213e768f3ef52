package auth

import "github.com/ethereum/go-ethereum/common"

// Principal is an account with its resolved capabilities.
type Principal struct {
	Address      common.Address
	Capabilities map[Capability]struct{}
}

// NewPrincipal constructs a principal holding caps.
func NewPrincipal(addr common.Address, caps ...Capability) Principal {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return Principal{Address: addr, Capabilities: set}
}

// Has reports whether the principal holds c.
func (p Principal) Has(c Capability) bool {
	_, ok := p.Capabilities[c]
	return ok
}

func (p Principal) IsAdmin() bool     { return p.Has(Administer) }
func (p Principal) IsOperator() bool  { return p.Has(Operate) }
func (p Principal) IsEmergency() bool { return p.Has(Emergency) }
