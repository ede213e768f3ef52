package httpapi

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/audit"
)

// Funder seeds an account with debt and spendable base on in-process
// collaborators.
type Funder interface {
	Fund(ctx context.Context, account, base common.Address, amount *uint256.Int) error
}

// WithDevFunding enables POST /v1/dev/fund for the authenticated caller.
// Development only.
func WithDevFunding(f Funder) Option {
	return func(a *API) { a.funder = f }
}

type fundRequest struct {
	Base   string `json:"base"`
	Amount string `json:"amount"`
}

type fundResponse struct {
	Account string `json:"account"`
	Base    string `json:"base"`
	Amount  string `json:"amount"`
}

func (a *API) handleDevFund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	base, err := parseAddress("base", req.Base)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	if err := a.funder.Fund(r.Context(), caller, base, amount); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "FundingFailed", err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "dev.funded", map[string]any{
		"account": caller.Hex(),
		"base":    base.Hex(),
		"amount":  amount.Dec(),
	})
	writeJSON(w, http.StatusOK, fundResponse{
		Account: caller.Hex(),
		Base:    base.Hex(),
		Amount:  amount.Dec(),
	})
}
