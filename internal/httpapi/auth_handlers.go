package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"autorepay.org/internal/audit"
	"autorepay.org/internal/obs"
)

type tokenRequest struct {
	Address string `json:"address"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues a bearer token for the requested address. It is only
// routed when WithTokenEndpoint is set.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.issuer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "AuthDisabled", "token issuer not configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	token, expiresAt, err := a.issuer.GenerateToken(addr, a.tokenTTL)
	if err != nil {
		obs.Logger().Error("token generation failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Internal", "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token_issued", map[string]any{
		"address":    addr.Hex(),
		"expires_at": expiresAt,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Address:   addr.Hex(),
		ExpiresAt: expiresAt,
	})
}
