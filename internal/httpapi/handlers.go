package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/auth"
	"autorepay.org/internal/obs"
	"autorepay.org/internal/repay"
	"autorepay.org/internal/stream"
)

const serviceName = "repayd"

// API is the HTTP layer over the settlement engine.
type API struct {
	mux    *http.ServeMux
	engine *repay.Engine
	issuer *auth.Issuer
	stream *stream.Stream
	funder Funder

	version     string
	rateBurst   int
	ratePerSec  float64
	maxBody     int64
	corsOrigins []string
	tokenTTL    time.Duration
	heartbeat   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithCORSOrigins allows browser calls from origins.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTokenEndpoint enables POST /v1/auth/token, which issues a bearer token
// for any address without proof of ownership. Development only.
func WithTokenEndpoint(ttl time.Duration) Option {
	return func(a *API) { a.tokenTTL = ttl }
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.heartbeat = d
		}
	}
}

// WithVersion overrides the reported build version.
func WithVersion(v string) Option {
	return func(a *API) {
		if v != "" {
			a.version = v
		}
	}
}

func New(engine *repay.Engine, issuer *auth.Issuer, st *stream.Stream, opts ...Option) *API {
	ctx, cancel := context.WithCancel(context.Background())
	a := &API{
		mux:        http.NewServeMux(),
		engine:     engine,
		issuer:     issuer,
		stream:     st,
		version:    obs.Version,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
		heartbeat:  15 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	// health/ready/metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/v1/version", a.Version)
	a.mux.HandleFunc("/v1/whoami", a.handleWhoAmI)
	if a.tokenTTL > 0 {
		a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	}
	if a.funder != nil {
		a.mux.HandleFunc("/v1/dev/fund", a.handleDevFund)
	}

	// user-facing authorizations
	a.mux.HandleFunc("/v1/authorizations", a.handleAuthorizations)
	a.mux.HandleFunc("/v1/authorizations/{token}", a.handleAuthorizationResource)
	a.mux.HandleFunc("/v1/users/{user}/authorizations", a.handleUserAuthorizations)
	a.mux.HandleFunc("/v1/users/{user}/authorizations/{token}", a.handleUserAuthorization)
	a.mux.HandleFunc("/v1/users/{user}/quote/{token}", a.handleQuote)

	// settlement
	a.mux.HandleFunc("/v1/settlements", a.handleSettle)
	a.mux.HandleFunc("/v1/settlements/batch", a.handleSettleBatch)

	// registry and configuration reads
	a.mux.HandleFunc("/v1/tokens", a.handleTokens)
	a.mux.HandleFunc("/v1/tokens/{token}", a.handleToken)
	a.mux.HandleFunc("/v1/fees", a.handleFees)
	a.mux.HandleFunc("/v1/discount", a.handleDiscount)

	// administration
	a.mux.HandleFunc("/v1/admin/tokens", a.handleAdminTokens)
	a.mux.HandleFunc("/v1/admin/tokens/{token}", a.handleAdminToken)
	a.mux.HandleFunc("/v1/admin/tokens/{token}/cleanup", a.handleAdminTokenCleanup)
	a.mux.HandleFunc("/v1/admin/fees", a.handleAdminFees)
	a.mux.HandleFunc("/v1/admin/treasury", a.handleAdminTreasury)
	a.mux.HandleFunc("/v1/admin/discount", a.handleAdminDiscount)
	a.mux.HandleFunc("/v1/admin/pause", a.handlePause)
	a.mux.HandleFunc("/v1/admin/unpause", a.handleUnpause)
	a.mux.HandleFunc("/v1/admin/recover", a.handleRecover)
	a.mux.HandleFunc("/v1/admin/users/{user}", a.handleRemoveUser)
	a.mux.HandleFunc("/v1/admin/roles", a.handleRoles)

	// events
	a.mux.HandleFunc("/v1/events", a.handleEvents)
	a.mux.HandleFunc("/v1/events/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NotFound", "resource not found")
	})
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(a.ctx, h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Close stops background housekeeping started by Handler.
func (a *API) Close() { a.cancel() }

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Ready(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"engine":  a.engine.Version(),
		"version": a.version,
		"commit":  obs.Commit,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	p, err := a.engine.WhoAmI(r.Context(), caller)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWhoAmI(p))
}

// caller returns the authenticated account or writes 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Unauthenticated", "missing bearer token")
		return common.Address{}, false
	}
	return caller, true
}

func (a *API) pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(name, r.PathValue(name))
	if err != nil {
		badRequest(w, r, err.Error())
		return common.Address{}, false
	}
	return addr, true
}
