package repay

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BPSDenominator is 100% expressed in basis points.
const BPSDenominator = 10_000

// Authorization is a user's standing consent to be settled in one token.
// A record is authorized iff MaxAmountPerPeriod > 0.
type Authorization struct {
	User               common.Address
	Token              common.Address
	MaxAmountPerPeriod *uint256.Int
	PeriodicitySeconds uint64
	UpdatedAt          int64
}

// Authorized reports whether the record grants anything.
func (a Authorization) Authorized() bool {
	return a.MaxAmountPerPeriod != nil && !a.MaxAmountPerPeriod.IsZero()
}

func (a Authorization) clone() Authorization {
	out := a
	out.MaxAmountPerPeriod = amountOrZero(a.MaxAmountPerPeriod)
	return out
}

// TokenTriple links a base asset with its debt and supply variants.
// Inactive triples stay queryable.
type TokenTriple struct {
	Base      common.Address
	Debt      common.Address
	Supply    common.Address
	Active    bool
	UpdatedAt int64
}

// FeeConfig holds the protocol fee and executor tip in basis points.
type FeeConfig struct {
	ProtocolFeeBps uint64
	ExecutorTipBps uint64
}

// Validate enforces protocolFeeBps + executorTipBps <= 10000.
func (f FeeConfig) Validate() error {
	if f.ProtocolFeeBps > BPSDenominator || f.ExecutorTipBps > BPSDenominator ||
		f.ProtocolFeeBps+f.ExecutorTipBps > BPSDenominator {
		return ErrInvalidFeeConfig
	}
	return nil
}

// DiscountConfig controls the protocol fee discount for holders of
// DiscountToken. A zero DiscountToken disables discounts.
type DiscountConfig struct {
	DiscountToken         common.Address
	MinimumHoldingAmount  *uint256.Int
	DiscountPercentageBps uint64
	Treasury              common.Address
}

func (d DiscountConfig) clone() DiscountConfig {
	out := d
	out.MinimumHoldingAmount = amountOrZero(d.MinimumHoldingAmount)
	return out
}

// Meta is engine-wide bookkeeping.
type Meta struct {
	Initialized   bool
	InitializedAt int64
}

// EventKind names an emitted engine event.
type EventKind string

const (
	EventInitialized           EventKind = "Initialized"
	EventConfigurationSet      EventKind = "ConfigurationSet"
	EventAuthorizationRevoked  EventKind = "AuthorizationRevoked"
	EventTripleAuthorized      EventKind = "TripleAuthorized"
	EventTripleUnauthorized    EventKind = "TripleUnauthorized"
	EventSettled               EventKind = "Settled"
	EventBatchSettled          EventKind = "BatchSettled"
	EventFeeConfigUpdated      EventKind = "FeeConfigUpdated"
	EventDiscountConfigUpdated EventKind = "DiscountConfigUpdated"
	EventTreasuryUpdated       EventKind = "TreasuryUpdated"
	EventPaused                EventKind = "Paused"
	EventUnpaused              EventKind = "Unpaused"
	EventRoleGranted           EventKind = "RoleGranted"
	EventRoleRevoked           EventKind = "RoleRevoked"
	EventTokenRecovered        EventKind = "TokenRecovered"
)

// Event is one append-only, sequenced engine event. Seq is assigned by the store.
type Event struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	User       common.Address    `json:"user"`
	Token      common.Address    `json:"token"`
	Actor      common.Address    `json:"actor"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// SettlementResult describes one settled user.
type SettlementResult struct {
	ID          string
	User        common.Address
	Token       common.Address
	Base        common.Address
	ViaSupply   bool
	Gross       *uint256.Int
	ProtocolFee *uint256.Int
	ExecutorTip *uint256.Int
	Net         *uint256.Int
	Discounted  bool
	SettledAt   time.Time
}

// BatchResult aggregates a batch. Totals are the amounts actually transferred.
type BatchResult struct {
	Token       common.Address
	Items       []SettlementResult
	TotalGross  *uint256.Int
	TotalFee    *uint256.Int
	TotalTip    *uint256.Int
	TotalNet    *uint256.Int
	CompletedAt time.Time
}

// Quote is a read-only settlement preview.
type Quote struct {
	User            common.Address
	Token           common.Address
	Gross           *uint256.Int
	ProtocolFee     *uint256.Int
	ExecutorTip     *uint256.Int
	Net             *uint256.Int
	Discounted      bool
	EligibleAt      int64
	CooldownElapsed bool
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
