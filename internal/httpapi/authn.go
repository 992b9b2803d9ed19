package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"qazna.org/authcore/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// public wraps an unauthenticated auth route: per-IP rate limit plus device capture.
func (a *API) public(h http.HandlerFunc) http.Handler {
	return a.limiter.wrap(withDevice(h))
}

// protected requires a live access token. Permission checks happen per method in the handler.
func (a *API) protected(h http.HandlerFunc) http.Handler {
	return withDevice(a.withAuth(h))
}

func withDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.ContextWithDevice(r.Context(), deviceFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Gate == nil {
			writeError(w, r, http.StatusServiceUnavailable, "unavailable", "authentication is not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeAuthError(w, r, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err))
			return
		}
		claims, err := a.deps.Gate.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		noteAccount(r.Context(), claims.Subject)
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require evaluates req against the caller's scope and writes 403 when it fails.
func (a *API) require(w http.ResponseWriter, r *http.Request, req auth.Requirement) (*auth.AccessClaims, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, auth.ErrUnauthenticated)
		return nil, false
	}
	if err := req.Check(claims); err != nil {
		writeAuthError(w, r, err)
		return nil, false
	}
	return claims, true
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

// callerID is the authenticated account id; empty outside protected routes.
func callerID(r *http.Request) string {
	id, _ := auth.AccountIDFromContext(r.Context())
	return id
}
