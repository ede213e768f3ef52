package httpapi

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"autorepay.org/internal/audit"
)

func (a *API) handleAuthorizations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.configure(w, r)
	case http.MethodDelete:
		a.revokeAll(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleAuthorizationResource(w http.ResponseWriter, r *http.Request) {
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
	if err := a.engine.Revoke(r.Context(), caller, token); err != nil {
		handleEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) configure(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req configureRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	tokens, err := parseAddresses("tokens", req.Tokens)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	caps := make([]*uint256.Int, 0, len(req.Caps))
	for i, raw := range req.Caps {
		v, err := parseAmount(fmt.Sprintf("caps[%d]", i), raw)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		caps = append(caps, v)
	}

	if err := a.engine.Configure(r.Context(), caller, tokens, caps, req.PeriodicitySeconds, req.StartTimestamp); err != nil {
		handleEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "http.authorizations.configure", map[string]any{
		"tokens":      req.Tokens,
		"periodicity": req.PeriodicitySeconds,
	})
	a.writeUserAuthorizations(w, r, caller, http.StatusOK)
}

func (a *API) revokeAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	n, err := a.engine.RevokeAll(r.Context(), caller)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (a *API) handleUserAuthorizations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.pathAddress(w, r, "user")
	if !ok {
		return
	}
	a.writeUserAuthorizations(w, r, user, http.StatusOK)
}

func (a *API) writeUserAuthorizations(w http.ResponseWriter, r *http.Request, user common.Address, status int) {
	all, err := a.engine.GetAllConfigs(r.Context(), user)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	last, err := a.engine.LastSettlement(r.Context(), user)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	items := make([]authorizationDTO, 0, len(all))
	for _, rec := range all {
		dto := toAuthorizationDTO(rec)
		next := last + int64(rec.PeriodicitySeconds)
		dto.NextEligibleAt = &next
		items = append(items, dto)
	}
	writeJSON(w, status, userAuthorizationsResponse{
		User:           user.Hex(),
		Authorized:     len(items) > 0,
		LastSettlement: last,
		Items:          items,
	})
}

func (a *API) handleUserAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.pathAddress(w, r, "user")
	if !ok {
		return
	}
	token, ok := a.pathAddress(w, r, "token")
	if !ok {
		return
	}
	rec, err := a.engine.GetConfig(r.Context(), user, token)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	dto := toAuthorizationDTO(rec)
	if rec.Authorized() {
		next, err := a.engine.NextEligibleAt(r.Context(), user, token)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		dto.NextEligibleAt = &next
	}
	writeJSON(w, http.StatusOK, dto)
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.pathAddress(w, r, "user")
	if !ok {
		return
	}
	token, ok := a.pathAddress(w, r, "token")
	if !ok {
		return
	}
	q, err := a.engine.QuoteSettlement(r.Context(), user, token)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

func (a *API) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	res, err := a.engine.Settle(r.Context(), caller, user, token)
	if err != nil {
		var extra map[string]any
		if res.ID != "" {
			extra = map[string]any{"partial": toSettlementDTO(res)}
		}
		handleEngineErrorWith(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(res))
}

func (a *API) handleSettleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req settleBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	users, err := parseAddresses("users", req.Users)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	res, err := a.engine.SettleBatch(r.Context(), caller, users, token)
	if err != nil {
		var extra map[string]any
		if len(res.Items) > 0 {
			extra = map[string]any{"partial": toBatchDTO(res)}
		}
		handleEngineErrorWith(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(res))
}
