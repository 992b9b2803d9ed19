package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimKind tags locally issued tokens so one variant can never be accepted as another.
type ClaimKind string

const (
	KindAccess            ClaimKind = "access"
	KindRefresh           ClaimKind = "refresh"
	KindEmailVerification ClaimKind = "email_verification"
	KindPasswordReset     ClaimKind = "password_reset"
)

var errWrongKind = errors.New("unexpected token type")

func checkKind(got, want ClaimKind, subject string) error {
	if got != want {
		return fmt.Errorf("%w: %q", errWrongKind, got)
	}
	if strings.TrimSpace(subject) == "" {
		return errors.New("subject is required")
	}
	return nil
}

// AccessClaims authorize individual requests. Scope is fixed at issuance.
type AccessClaims struct {
	Kind      ClaimKind    `json:"type"`
	Scope     []Permission `json:"scope"`
	Roles     []string     `json:"roles,omitempty"`
	SessionID string       `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Validate is invoked by the jwt parser after the registered claims pass.
func (c AccessClaims) Validate() error {
	return checkKind(c.Kind, KindAccess, c.Subject)
}

// AccountID is the subject of the token.
func (c AccessClaims) AccountID() string { return c.Subject }

// HasAll reports whether every permission is in scope.
func (c AccessClaims) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !c.has(p) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one permission is in scope. An empty list is never satisfied.
func (c AccessClaims) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if c.has(p) {
			return true
		}
	}
	return false
}

func (c AccessClaims) has(p Permission) bool {
	for _, s := range c.Scope {
		if s == p {
			return true
		}
	}
	return false
}

// RefreshClaims only mint new pairs; their scope is always empty.
type RefreshClaims struct {
	Kind      ClaimKind    `json:"type"`
	Scope     []Permission `json:"scope"`
	SessionID string       `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (c RefreshClaims) Validate() error {
	if err := checkKind(c.Kind, KindRefresh, c.Subject); err != nil {
		return err
	}
	if len(c.Scope) > 0 {
		return errors.New("refresh token must not carry scope")
	}
	return nil
}

// EmailVerificationClaims prove control of Email for the subject account.
type EmailVerificationClaims struct {
	Kind  ClaimKind `json:"type"`
	Email string    `json:"email"`
	jwt.RegisteredClaims
}

func (c EmailVerificationClaims) Validate() error {
	if err := checkKind(c.Kind, KindEmailVerification, c.Subject); err != nil {
		return err
	}
	if strings.TrimSpace(c.Email) == "" {
		return errors.New("email is required")
	}
	return nil
}

// PasswordResetClaims authorize one password change. Fingerprint binds the token to the
// password hash that was current at issuance.
type PasswordResetClaims struct {
	Kind        ClaimKind `json:"type"`
	Fingerprint string    `json:"pwf"`
	jwt.RegisteredClaims
}

func (c PasswordResetClaims) Validate() error {
	return checkKind(c.Kind, KindPasswordReset, c.Subject)
}

// ExternalIdentityClaims is the payload of a provider ID token.
type ExternalIdentityClaims struct {
	Email         string   `json:"email,omitempty"`
	EmailVerified flexBool `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	GivenName     string   `json:"given_name,omitempty"`
	FamilyName    string   `json:"family_name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

func (c ExternalIdentityClaims) Validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject is required")
	}
	return nil
}

// DisplayName prefers the full name and falls back to given + family.
func (c ExternalIdentityClaims) DisplayName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(c.GivenName) + " " + strings.TrimSpace(c.FamilyName))
}

// flexBool accepts both JSON booleans and the "true"/"false" strings Apple sends.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(strings.ToLower(string(data)), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}
