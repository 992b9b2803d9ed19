package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/authcore/internal/obs"
)

// Requirement is a permission check: all of or any of Permissions.
type Requirement struct {
	Any         bool
	Permissions []Permission
}

// RequireAll is satisfied when every permission is in scope.
func RequireAll(perms ...Permission) Requirement {
	return Requirement{Permissions: perms}
}

// RequireAny is satisfied when at least one permission is in scope.
func RequireAny(perms ...Permission) Requirement {
	return Requirement{Any: true, Permissions: perms}
}

// Check evaluates the requirement against the scope embedded in claims.
func (r Requirement) Check(claims *AccessClaims) error {
	if claims == nil {
		return ErrUnauthenticated
	}
	if len(r.Permissions) == 0 {
		return nil
	}
	ok := claims.HasAll(r.Permissions...)
	if r.Any {
		ok = claims.HasAny(r.Permissions...)
	}
	if !ok {
		return fmt.Errorf("%w: requires %s", ErrForbidden, r)
	}
	return nil
}

func (r Requirement) String() string {
	parts := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		parts[i] = string(p)
	}
	sep := " and "
	if r.Any {
		sep = " or "
	}
	return strings.Join(parts, sep)
}

// Gate authenticates bearer access tokens at the request boundary.
type Gate struct {
	tokens        *TokenService
	creds         CredentialStore
	trackLastUsed bool
	now           func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLastUsedTracking bumps the session's last-used time on every authenticated request.
func WithLastUsedTracking(enabled bool) GateOption {
	return func(g *Gate) { g.trackLastUsed = enabled }
}

// NewGate constructs a Gate.
func NewGate(tokens *TokenService, store Store, opts ...GateOption) *Gate {
	g := &Gate{tokens: tokens, creds: store.Credentials(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate verifies the token and requires it to be neither revoked nor missing its record.
func (g *Gate) Authenticate(ctx context.Context, signed string) (*AccessClaims, error) {
	claims, err := verifyActiveAccess(ctx, g.tokens, g.creds, signed)
	if err != nil {
		return nil, err
	}
	if g.trackLastUsed && claims.SessionID != "" {
		if err := g.creds.Touch(ctx, claims.Subject, claims.SessionID, g.now().UTC()); err != nil {
			obs.LogEvent("warn", "last-used update failed", map[string]any{
				"account_id": claims.Subject,
				"error":      err.Error(),
			})
		}
	}
	return claims, nil
}

// verifyActiveAccess checks the signature, then the revocation ledger, then the stored record.
func verifyActiveAccess(ctx context.Context, tokens *TokenService, creds CredentialStore, signed string) (*AccessClaims, error) {
	claims, err := tokens.Verify(signed)
	if err != nil {
		return nil, err
	}
	revoked, err := creds.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		obs.RecordTokenRejected("revoked")
		return nil, fmt.Errorf("%w: token has been revoked", ErrUnauthenticated)
	}
	rec, err := creds.FindByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordTokenRejected("missing_record")
			return nil, fmt.Errorf("%w: token is no longer active", ErrUnauthenticated)
		}
		return nil, err
	}
	if rec.Type != TokenAccess || rec.AccountID != claims.Subject {
		return nil, fmt.Errorf("%w: token record mismatch", ErrUnauthenticated)
	}
	return claims, nil
}

// Authorize authenticates and then evaluates req against the token's scope.
func (g *Gate) Authorize(ctx context.Context, signed string, req Requirement) (*AccessClaims, error) {
	claims, err := g.Authenticate(ctx, signed)
	if err != nil {
		return nil, err
	}
	if err := req.Check(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
