package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/teemow/inboxrank/internal/broker"
	"github.com/teemow/inboxrank/internal/gmail"
	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/session"
)

const (
	// DefaultHTTPAddr is where the gateway listens by default.
	DefaultHTTPAddr = "127.0.0.1:8000"

	// StateCookieName carries the OAuth state between login and callback.
	StateCookieName = "inboxrank_oauth_state"
	stateTTL        = 10 * time.Minute

	DefaultRateLimit = 10
	DefaultRateBurst = 20

	defaultReadHeaderTimeout = 10 * time.Second
	// Ranking fans out to the provider, so writes get more room than reads.
	defaultWriteTimeout = 2 * time.Minute
	defaultIdleTimeout  = 2 * time.Minute
)

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	// Addr defaults to DefaultHTTPAddr.
	Addr string

	// Cookie controls the session and state cookies. Secure should be set
	// whenever the gateway is reached over HTTPS.
	Cookie session.CookieOptions

	// RedirectAfterLogin is where the browser lands after the callback and
	// after logout (default "/").
	RedirectAfterLogin string

	// RateLimit is requests per second per client IP. Zero means
	// DefaultRateLimit; negative disables limiting.
	RateLimit float64
	RateBurst int
	// TrustProxy honors X-Forwarded-For and X-Real-IP for rate limiting.
	TrustProxy bool

	// Health is registered under /healthz and /readyz. One is created when nil.
	Health *HealthChecker
}

// Gateway is the HTTP surface of the inbox service.
type Gateway struct {
	sc       *ServerContext
	service  *inbox.Service
	cfg      GatewayConfig
	limiter  *RateLimiter
	health   *HealthChecker
	logger   *slog.Logger
	handler  http.Handler
	stopOnce sync.Once

	mu         sync.Mutex
	httpServer *http.Server
}

// NewGateway builds the routes for sc's service.
func NewGateway(sc *ServerContext, cfg GatewayConfig) *Gateway {
	if cfg.Addr == "" {
		cfg.Addr = DefaultHTTPAddr
	}
	if cfg.RedirectAfterLogin == "" {
		cfg.RedirectAfterLogin = "/"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthChecker(sc)
	}

	g := &Gateway{
		sc:      sc,
		service: sc.Service(),
		cfg:     cfg,
		health:  cfg.Health,
		logger:  logging.WithComponent(sc.Logger(), "gateway"),
	}
	if cfg.RateLimit > 0 {
		g.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.TrustProxy)
	}
	g.handler = g.routes()
	return g
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	g.handle(mux, "GET /auth/login", g.handleLogin)
	g.handle(mux, "GET /oauth2callback", g.handleCallback)
	g.handle(mux, "GET /auth/status", g.handleStatus)
	g.handle(mux, "GET /auth/logout", g.handleLogout)
	g.handle(mux, "GET /emails", g.handleEmails)
	g.health.RegisterHealthEndpoints(mux)
	return mux
}

// handle registers h behind the common middleware. Probes bypass it so
// they are never rate limited.
func (g *Gateway) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, Chain(h,
		RequestID,
		AccessLog(g.logger, g.sc.Metrics(), pattern),
		Recover(g.logger),
		SecurityHeaders,
		g.limiter.Middleware,
		withSource,
	))
}

func withSource(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(inbox.WithSource(r.Context(), inbox.SourceHTTP)))
	}
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Addr returns the configured listen address.
func (g *Gateway) Addr() string {
	return g.cfg.Addr
}

// Start listens on the configured address and serves until Shutdown.
func (g *Gateway) Start() error {
	l, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return err
	}
	return g.Serve(l)
}

// Serve serves on l until Shutdown.
func (g *Gateway) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return g.sc.Context() },
	}
	g.mu.Lock()
	g.httpServer = srv
	g.mu.Unlock()

	g.logger.Info("Starting HTTP gateway", "addr", l.Addr().String())
	return srv.Serve(l)
}

// Shutdown marks the gateway not ready, drains open requests and stops the
// rate limiter.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.health.SetReady(false)
	g.stopOnce.Do(func() {
		if g.limiter != nil {
			g.limiter.Stop()
		}
	})

	g.mu.Lock()
	srv := g.httpServer
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("Shutting down HTTP gateway")
	return srv.Shutdown(ctx)
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := session.GenerateID()
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	session.SetCookie(w, StateCookieName, state, time.Now().Add(stateTTL), g.cfg.Cookie)
	http.Redirect(w, r, g.service.AuthURL(state), http.StatusFound)
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expected := session.FromRequest(r, StateCookieName)
	session.ClearCookie(w, StateCookieName, g.cfg.Cookie)

	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, e, q.Get("error_description"))
		return
	}
	state := q.Get("state")
	if expected == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
		writeError(w, http.StatusBadRequest, "invalid_state", "state does not match the login request")
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing authorization code")
		return
	}

	ref, identity, err := g.service.CompleteLogin(r.Context(), code)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.logger.Info("User logged in", logging.UserHash(identity), logging.RequestID(RequestIDFromContext(r.Context())))

	session.SetCookie(w, session.CookieName, ref, time.Time{}, g.cfg.Cookie)
	http.Redirect(w, r, g.cfg.RedirectAfterLogin, http.StatusFound)
}

// StatusResponse is the body of /auth/status.
type StatusResponse struct {
	LoggedIn bool   `json:"logged_in"`
	Email    string `json:"email,omitempty"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.service.Status(session.FromRequest(r, session.CookieName))
	writeJSON(w, http.StatusOK, StatusResponse{LoggedIn: ok, Email: identity})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	revoke, err := boolParam(r, "revoke")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ref := session.FromRequest(r, session.CookieName)
	session.ClearCookie(w, session.CookieName, g.cfg.Cookie)
	if err := g.service.Logout(r.Context(), ref, revoke); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, g.cfg.RedirectAfterLogin, http.StatusFound)
}

func (g *Gateway) handleEmails(w http.ResponseWriter, r *http.Request) {
	var (
		opts inbox.Options
		err  error
	)
	if opts.MaxResults, err = intParam(r, "max"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	hours, err := intParam(r, "hours")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if opts.Window, err = inbox.WindowHours(hours); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if opts.TopN, err = intParam(r, "top"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := g.service.RankRecent(r.Context(), session.FromRequest(r, session.CookieName), opts)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// intParam reads a non-negative integer query parameter. Absent means 0.
func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return b, nil
}

// errorResponse follows the OAuth error body shape.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// statusFor maps service errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var (
		exchangeErr *broker.AuthExchangeError
		identityErr *broker.IdentityResolutionError
		providerErr *gmail.ProviderError
	)
	switch {
	case errors.Is(err, broker.ErrAuthRequired),
		errors.Is(err, broker.ErrNotRenewable),
		errors.Is(err, gmail.ErrCredentialExpired):
		return http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &exchangeErr):
		if exchangeErr.Code != "" {
			return http.StatusBadRequest, exchangeErr.Code
		}
		return http.StatusBadRequest, "invalid_grant"
	case errors.As(err, &identityErr):
		return http.StatusBadRequest, "identity_unavailable"
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, "provider_error"
	}
	return http.StatusInternalServerError, "server_error"
}

func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	desc := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("Request failed", logging.RequestID(RequestIDFromContext(r.Context())), logging.Err(err))
		desc = "internal error"
	}
	writeError(w, status, code, desc)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
