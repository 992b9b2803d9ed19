package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
)

// Pinger is anything that can report backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe — проверка готовности (ping хранилища).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// Deps are the services the HTTP layer serves.
type Deps struct {
	Tokens    *auth.TokenService
	Gate      *auth.Gate
	Accounts  *auth.AccountService
	Resolver  *auth.Resolver
	Devices   *auth.DeviceRegistry
	Directory *auth.Directory
	Ready     ReadyProbe
	Version   string
}

// Options tune the middleware chain.
type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	CORSOrigins    []string
}

func (o Options) withDefaults() Options {
	if o.RateLimitRPS <= 0 {
		o.RateLimitRPS = 10
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 20
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	return o
}

// API — HTTP слой.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	opts    Options
	limiter *ipLimiter
}

func New(deps Deps, opts Options) *API {
	opts = opts.withDefaults()
	a := &API{
		mux:     http.NewServeMux(),
		deps:    deps,
		opts:    opts,
		limiter: newIPLimiter(opts.RateLimitBurst, opts.RateLimitRPS),
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// публичные маршруты аутентификации
	a.mux.Handle("/v1/auth/login", a.public(a.handleLogin))
	a.mux.Handle("/v1/auth/token", a.public(a.handleToken))
	a.mux.Handle("/v1/auth/signup", a.public(a.handleSignup))
	a.mux.Handle("/v1/auth/verify-email", a.public(a.handleVerifyEmail))
	a.mux.Handle("/v1/auth/resend-verification", a.public(a.handleResendVerification))
	a.mux.Handle("/v1/auth/forgot-password", a.public(a.handleForgotPassword))
	a.mux.Handle("/v1/auth/reset-password", a.public(a.handleResetPassword))

	// защищённые маршруты
	a.mux.Handle("/v1/auth/me", a.protected(a.handleMe))
	a.mux.Handle("/v1/auth/logout", a.protected(a.handleLogout))
	a.mux.Handle("/v1/auth/change-password", a.protected(a.handleChangePassword))
	a.mux.Handle("/v1/auth/devices", a.protected(a.handleDevices))
	a.mux.Handle("/v1/auth/devices/", a.protected(a.handleDeviceResource))
	a.mux.Handle("/v1/auth/link-provider", a.protected(a.handleLinkProvider))
	a.mux.Handle("/v1/auth/unlink-provider", a.protected(a.handleUnlinkProvider))
	a.mux.Handle("/v1/auth/linked-providers", a.protected(a.handleLinkedProviders))
	a.mux.Handle("/v1/users", a.protected(a.handleUsersCollection))
	a.mux.Handle("/v1/users/", a.protected(a.handleUserResource))
	a.mux.Handle("/v1/roles", a.protected(a.handleRolesCollection))
	a.mux.Handle("/v1/roles/", a.protected(a.handleRoleResource))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(h, a.opts.CORSOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authcore",
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authcore",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": errorBody{Code: code, Message: msg},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeAuthError maps the auth error taxonomy onto HTTP statuses.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, auth.ErrInvalidAssertion):
		status, code = http.StatusUnauthorized, "invalid_assertion"
	case errors.Is(err, auth.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrAccountLinkingRequired):
		status, code = http.StatusConflict, "account_linking_required"
	case errors.Is(err, auth.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, auth.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, auth.ErrBadRequest):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, auth.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	msg := strings.TrimPrefix(err.Error(), "auth: ")
	if status == http.StatusInternalServerError {
		obs.LogEvent("error", "request failed", map[string]any{
			"path":       r.URL.Path,
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		msg = "internal error"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}
	writeError(w, r, status, code, msg)
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeBody decodes a JSON body and writes a 400 on failure. optional tolerates an empty body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := decodeJSON(w, r, dst)
	if err == nil || (optional && errors.Is(err, errEmptyBody)) {
		return true
	}
	writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	return false
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogEvent("warn", "audit log failed", map[string]any{"event": event, "error": err.Error()})
	}
}
