package httpapi

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/audit"
	"autorepay.org/internal/auth"
)

func (a *API) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	bases, err := a.engine.ListActiveTokens(r.Context())
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	items := make([]tripleDTO, 0, len(bases))
	for _, base := range bases {
		tr, err := a.engine.GetTokenConfig(r.Context(), base)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		items = append(items, toTripleDTO(tr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token, ok := a.pathAddress(w, r, "token")
	if !ok {
		return
	}
	tr, err := a.engine.GetTokenConfig(r.Context(), token)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if tr.Base == (common.Address{}) {
		writeError(w, r, http.StatusNotFound, "UnknownToken", "token is not part of any triple")
		return
	}
	writeJSON(w, http.StatusOK, toTripleDTO(tr))
}

func (a *API) handleFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.writeFees(w, r)
}

func (a *API) writeFees(w http.ResponseWriter, r *http.Request) {
	f, err := a.engine.GetFeeConfig(r.Context())
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feesDTO{ProtocolFeeBps: f.ProtocolFeeBps, ExecutorTipBps: f.ExecutorTipBps})
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.writeDiscount(w, r)
}

func (a *API) writeDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.GetDiscountConfig(r.Context())
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountDTO(d))
}

func (a *API) handleAdminTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req tripleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	base, err := parseAddress("base", req.Base)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	debt, err := parseAddress("debt", req.Debt)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	supply, err := parseAddress("supply", req.Supply)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	tr, err := a.engine.AuthorizeTriple(r.Context(), caller, base, debt, supply)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "http.admin.triple_authorized", map[string]any{
		"base":   tr.Base.Hex(),
		"debt":   tr.Debt.Hex(),
		"supply": tr.Supply.Hex(),
	})
	writeJSON(w, http.StatusCreated, toTripleDTO(tr))
}

func (a *API) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	token, ok := a.pathAddress(w, r, "token")
	if !ok {
		return
	}
	if err := a.engine.Unauthorize(r.Context(), caller, token); err != nil {
		handleEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminTokenCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	token, ok := a.pathAddress(w, r, "token")
	if !ok {
		return
	}
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	users, err := parseAddresses("users", req.Users)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	n, err := a.engine.CleanupUnauthorizedTokenConfigs(r.Context(), caller, token, users)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (a *API) handleAdminFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req feesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.ProtocolFeeBps == nil && req.ExecutorTipBps == nil {
		badRequest(w, r, "protocol_fee_bps or executor_tip_bps is required")
		return
	}
	if req.ProtocolFeeBps != nil {
		if err := a.engine.UpdateProtocolFee(r.Context(), caller, *req.ProtocolFeeBps); err != nil {
			handleEngineError(w, r, err)
			return
		}
	}
	if req.ExecutorTipBps != nil {
		if err := a.engine.UpdateExecutorTip(r.Context(), caller, *req.ExecutorTipBps); err != nil {
			handleEngineError(w, r, err)
			return
		}
	}
	a.writeFees(w, r)
}

func (a *API) handleAdminTreasury(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req treasuryRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	treasury, err := parseAddress("treasury", req.Treasury)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.engine.UpdateTreasury(r.Context(), caller, treasury); err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.writeDiscount(w, r)
}

// handleAdminDiscount applies each present field in turn. An empty
// discount_token disables discounts.
func (a *API) handleAdminDiscount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req discountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.DiscountToken == nil && req.MinimumHoldingAmount == nil && req.DiscountPercentageBps == nil {
		badRequest(w, r, "no discount field supplied")
		return
	}

	ctx := r.Context()
	if req.DiscountToken != nil {
		var token common.Address
		if strings.TrimSpace(*req.DiscountToken) != "" {
			var err error
			if token, err = parseAddress("discount_token", *req.DiscountToken); err != nil {
				badRequest(w, r, err.Error())
				return
			}
		}
		if err := a.engine.UpdateDiscountToken(ctx, caller, token); err != nil {
			handleEngineError(w, r, err)
			return
		}
	}
	if req.MinimumHoldingAmount != nil {
		amount, err := parseAmount("minimum_holding_amount", *req.MinimumHoldingAmount)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		if err := a.engine.UpdateMinimumAmount(ctx, caller, amount); err != nil {
			handleEngineError(w, r, err)
			return
		}
	}
	if req.DiscountPercentageBps != nil {
		if err := a.engine.UpdateDiscountPercentage(ctx, caller, *req.DiscountPercentageBps); err != nil {
			handleEngineError(w, r, err)
			return
		}
	}
	a.writeDiscount(w, r)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.togglePause(w, r, true)
}

func (a *API) handleUnpause(w http.ResponseWriter, r *http.Request) {
	a.togglePause(w, r, false)
}

func (a *API) togglePause(w http.ResponseWriter, r *http.Request, pause bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var err error
	if pause {
		err = a.engine.Pause(r.Context(), caller)
	} else {
		err = a.engine.Unpause(r.Context(), caller)
	}
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	paused, err := a.engine.IsPaused(r.Context())
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}

func (a *API) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req recoverRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.engine.EmergencyRecoverToken(r.Context(), caller, token, amount, to); err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "http.admin.token_recovered", map[string]any{
		"token":  token.Hex(),
		"amount": amount.Dec(),
		"to":     to.Hex(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	user, ok := a.pathAddress(w, r, "user")
	if !ok {
		return
	}
	n, err := a.engine.RemoveUser(r.Context(), caller, user)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// handleRoles grants (POST) or revokes (DELETE) a capability.
func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	c, err := auth.ParseCapability(req.Capability)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	who, err := parseAddress("account", req.Account)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	if r.Method == http.MethodPost {
		err = a.engine.GrantRole(r.Context(), caller, c, who)
	} else {
		err = a.engine.RevokeRole(r.Context(), caller, c, who)
	}
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	p, err := a.engine.WhoAmI(r.Context(), who)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWhoAmI(p))
}
