package ledger

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/ids"
)

// Kind distinguishes the ledger movements recorded in the journal.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindMint     Kind = "mint"
	KindBurn     Kind = "burn"
	KindApprove  Kind = "approve"
)

// Transaction is one journal entry. Amounts are base-10 strings on the wire.
type Transaction struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Kind      Kind           `json:"kind"`
	Token     common.Address `json:"token"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Spender   common.Address `json:"spender,omitempty"`
	Amount    string         `json:"amount"`
	Sequence  uint64         `json:"sequence"` // monotonic sequence number
}

// Op is a single movement applied as part of an atomic Apply call.
// From is ignored for mints and To for burns.
type Op struct {
	Kind   Kind
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount (must be > 0)")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrOverflow              = errors.New("balance overflow")
)

func newID(t time.Time) string {
	return ids.NewAt(t)
}
