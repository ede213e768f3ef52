package httpapi

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/auth"
	"autorepay.org/internal/repay"
)

// Amounts travel as base-10 strings; addresses as checksummed hex.

type configureRequest struct {
	Tokens             []string `json:"tokens"`
	Caps               []string `json:"caps"`
	PeriodicitySeconds uint64   `json:"periodicity_seconds"`
	StartTimestamp     int64    `json:"start_timestamp"`
}

type settleRequest struct {
	User  string `json:"user"`
	Token string `json:"token"`
}

type settleBatchRequest struct {
	Users []string `json:"users"`
	Token string   `json:"token"`
}

type tripleRequest struct {
	Base   string `json:"base"`
	Debt   string `json:"debt"`
	Supply string `json:"supply"`
}

type cleanupRequest struct {
	Users []string `json:"users"`
}

type feesRequest struct {
	ProtocolFeeBps *uint64 `json:"protocol_fee_bps"`
	ExecutorTipBps *uint64 `json:"executor_tip_bps"`
}

type treasuryRequest struct {
	Treasury string `json:"treasury"`
}

type discountRequest struct {
	DiscountToken         *string `json:"discount_token"`
	MinimumHoldingAmount  *string `json:"minimum_holding_amount"`
	DiscountPercentageBps *uint64 `json:"discount_percentage_bps"`
}

type recoverRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

type roleRequest struct {
	Capability string `json:"capability"`
	Account    string `json:"account"`
}

type countResponse struct {
	Count int `json:"count"`
}

type authorizationDTO struct {
	User               string `json:"user"`
	Token              string `json:"token"`
	MaxAmountPerPeriod string `json:"max_amount_per_period"`
	PeriodicitySeconds uint64 `json:"periodicity_seconds"`
	Authorized         bool   `json:"authorized"`
	UpdatedAt          int64  `json:"updated_at"`
	NextEligibleAt     *int64 `json:"next_eligible_at,omitempty"`
}

func toAuthorizationDTO(a repay.Authorization) authorizationDTO {
	return authorizationDTO{
		User:               a.User.Hex(),
		Token:              a.Token.Hex(),
		MaxAmountPerPeriod: dec(a.MaxAmountPerPeriod),
		PeriodicitySeconds: a.PeriodicitySeconds,
		Authorized:         a.Authorized(),
		UpdatedAt:          a.UpdatedAt,
	}
}

type userAuthorizationsResponse struct {
	User           string             `json:"user"`
	Authorized     bool               `json:"authorized"`
	LastSettlement int64              `json:"last_settlement"`
	Items          []authorizationDTO `json:"items"`
}

type tripleDTO struct {
	Base      string `json:"base"`
	Debt      string `json:"debt"`
	Supply    string `json:"supply"`
	Active    bool   `json:"active"`
	UpdatedAt int64  `json:"updated_at"`
}

func toTripleDTO(t repay.TokenTriple) tripleDTO {
	return tripleDTO{
		Base:      t.Base.Hex(),
		Debt:      t.Debt.Hex(),
		Supply:    t.Supply.Hex(),
		Active:    t.Active,
		UpdatedAt: t.UpdatedAt,
	}
}

type settlementDTO struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	Token       string    `json:"token"`
	Base        string    `json:"base"`
	ViaSupply   bool      `json:"via_supply"`
	Gross       string    `json:"gross"`
	ProtocolFee string    `json:"protocol_fee"`
	ExecutorTip string    `json:"executor_tip"`
	Net         string    `json:"net"`
	Discounted  bool      `json:"discounted"`
	SettledAt   time.Time `json:"settled_at"`
}

func toSettlementDTO(s repay.SettlementResult) settlementDTO {
	return settlementDTO{
		ID:          s.ID,
		User:        s.User.Hex(),
		Token:       s.Token.Hex(),
		Base:        s.Base.Hex(),
		ViaSupply:   s.ViaSupply,
		Gross:       dec(s.Gross),
		ProtocolFee: dec(s.ProtocolFee),
		ExecutorTip: dec(s.ExecutorTip),
		Net:         dec(s.Net),
		Discounted:  s.Discounted,
		SettledAt:   s.SettledAt,
	}
}

type batchDTO struct {
	Token       string          `json:"token"`
	Items       []settlementDTO `json:"items"`
	TotalGross  string          `json:"total_gross"`
	TotalFee    string          `json:"total_fee"`
	TotalTip    string          `json:"total_tip"`
	TotalNet    string          `json:"total_net"`
	CompletedAt time.Time       `json:"completed_at"`
}

func toBatchDTO(b repay.BatchResult) batchDTO {
	items := make([]settlementDTO, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, toSettlementDTO(it))
	}
	return batchDTO{
		Token:       b.Token.Hex(),
		Items:       items,
		TotalGross:  dec(b.TotalGross),
		TotalFee:    dec(b.TotalFee),
		TotalTip:    dec(b.TotalTip),
		TotalNet:    dec(b.TotalNet),
		CompletedAt: b.CompletedAt,
	}
}

type quoteDTO struct {
	User            string `json:"user"`
	Token           string `json:"token"`
	Gross           string `json:"gross"`
	ProtocolFee     string `json:"protocol_fee"`
	ExecutorTip     string `json:"executor_tip"`
	Net             string `json:"net"`
	Discounted      bool   `json:"discounted"`
	EligibleAt      int64  `json:"eligible_at"`
	CooldownElapsed bool   `json:"cooldown_elapsed"`
}

func toQuoteDTO(q repay.Quote) quoteDTO {
	return quoteDTO{
		User:            q.User.Hex(),
		Token:           q.Token.Hex(),
		Gross:           dec(q.Gross),
		ProtocolFee:     dec(q.ProtocolFee),
		ExecutorTip:     dec(q.ExecutorTip),
		Net:             dec(q.Net),
		Discounted:      q.Discounted,
		EligibleAt:      q.EligibleAt,
		CooldownElapsed: q.CooldownElapsed,
	}
}

type feesDTO struct {
	ProtocolFeeBps uint64 `json:"protocol_fee_bps"`
	ExecutorTipBps uint64 `json:"executor_tip_bps"`
}

type discountDTO struct {
	DiscountToken         string `json:"discount_token"`
	MinimumHoldingAmount  string `json:"minimum_holding_amount"`
	DiscountPercentageBps uint64 `json:"discount_percentage_bps"`
	Treasury              string `json:"treasury"`
	Enabled               bool   `json:"enabled"`
}

func toDiscountDTO(d repay.DiscountConfig) discountDTO {
	return discountDTO{
		DiscountToken:         d.DiscountToken.Hex(),
		MinimumHoldingAmount:  dec(d.MinimumHoldingAmount),
		DiscountPercentageBps: d.DiscountPercentageBps,
		Treasury:              d.Treasury.Hex(),
		Enabled:               d.DiscountToken != (common.Address{}),
	}
}

type whoAmIResponse struct {
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
}

func toWhoAmI(p auth.Principal) whoAmIResponse {
	caps := make([]string, 0, len(auth.Capabilities))
	for _, c := range auth.Capabilities {
		if p.Has(c) {
			caps = append(caps, string(c))
		}
	}
	return whoAmIResponse{Address: p.Address.Hex(), Capabilities: caps}
}

type eventsResponse struct {
	Items     []repay.Event `json:"items"`
	NextAfter uint64        `json:"next_after"`
	AsOf      time.Time     `json:"as_of"`
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
