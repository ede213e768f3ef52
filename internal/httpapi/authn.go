package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"autorepay.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/version",
	"/v1/auth/token",
}

// Reads under these prefixes are public; every write needs a bearer token.
var publicReadPrefixes = []string{
	"/v1/tokens",
	"/v1/fees",
	"/v1/discount",
	"/v1/users/",
	"/v1/events",
}

// withAuth authenticates the caller's address from a bearer token. Capabilities
// are resolved per call by the engine, never taken from the token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(authHeader)
		if isPublic(r) && strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		if a.issuer == nil {
			writeError(w, r, http.StatusUnauthorized, "Unauthenticated", "authentication disabled")
			return
		}

		token, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "Unauthenticated", err.Error())
			return
		}
		claims, err := a.issuer.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "Unauthenticated", "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "Internal", "authentication error")
			return
		}

		ctx := auth.ContextWithCaller(r.Context(), claims.Address())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublic(r *http.Request) bool {
	for _, p := range publicPaths {
		if r.URL.Path == p {
			return true
		}
	}
	if r.Method != http.MethodGet {
		return false
	}
	for _, prefix := range publicReadPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}
