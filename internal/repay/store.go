package repay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/auth"
)

// Store persists engine state as typed records. Update runs fn in a single
// transaction: either every write fn made is committed or none is.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the record-level view of the store inside one transaction. Writes on
// a View transaction fail.
type Tx interface {
	Meta(ctx context.Context) (Meta, error)
	PutMeta(ctx context.Context, m Meta) error

	// Triple resolves token by either its base or its supply address.
	Triple(ctx context.Context, token common.Address) (TokenTriple, bool, error)
	PutTriple(ctx context.Context, t TokenTriple) error
	Triples(ctx context.Context) ([]TokenTriple, error)

	Authorization(ctx context.Context, user, token common.Address) (Authorization, bool, error)
	PutAuthorization(ctx context.Context, a Authorization) error
	// Authorizations returns every record of user, zeroed ones included.
	Authorizations(ctx context.Context, user common.Address) ([]Authorization, error)

	LastSettlement(ctx context.Context, user common.Address) (int64, error)
	SetLastSettlement(ctx context.Context, user common.Address, ts int64) error

	FeeConfig(ctx context.Context) (FeeConfig, error)
	PutFeeConfig(ctx context.Context, f FeeConfig) error
	DiscountConfig(ctx context.Context) (DiscountConfig, error)
	PutDiscountConfig(ctx context.Context, d DiscountConfig) error

	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error

	auth.RoleReader
	SetRole(ctx context.Context, c auth.Capability, who common.Address, granted bool) error
	RoleMembers(ctx context.Context, c auth.Capability) ([]common.Address, error)

	// AppendEvent assigns the next sequence number and returns the stored event.
	AppendEvent(ctx context.Context, ev Event) (Event, error)
	Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
}
