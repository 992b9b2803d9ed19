package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const assertionLeeway = 30 * time.Second

// ProviderConfig describes how to verify one provider's ID tokens.
type ProviderConfig struct {
	Provider Provider
	Issuers  []string
	ClientID string
	JWKSURL  string
}

// GoogleProvider returns the Google Sign-In configuration for clientID.
func GoogleProvider(clientID string) ProviderConfig {
	return ProviderConfig{
		Provider: ProviderGoogle,
		Issuers:  []string{"https://accounts.google.com", "accounts.google.com"},
		ClientID: clientID,
		JWKSURL:  "https://www.googleapis.com/oauth2/v3/certs",
	}
}

// AppleProvider returns the Sign in with Apple configuration for clientID.
func AppleProvider(clientID string) ProviderConfig {
	return ProviderConfig{
		Provider: ProviderApple,
		Issuers:  []string{"https://appleid.apple.com"},
		ClientID: clientID,
		JWKSURL:  "https://appleid.apple.com/auth/keys",
	}
}

// FacebookProvider returns the Facebook Limited Login configuration for appID.
func FacebookProvider(appID string) ProviderConfig {
	return ProviderConfig{
		Provider: ProviderFacebook,
		Issuers:  []string{"https://www.facebook.com"},
		ClientID: appID,
		JWKSURL:  "https://limited.facebook.com/.well-known/oauth/openid/jwks/",
	}
}

// AssertionVerifier validates an external identity token.
type AssertionVerifier interface {
	VerifyAssertion(ctx context.Context, raw string) (Provider, *ExternalIdentityClaims, error)
}

type keySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type registeredProvider struct {
	cfg  ProviderConfig
	keys keySource
}

// ProviderVerifier routes an assertion to its provider by issuer and checks signature,
// audience, issuer and expiry.
type ProviderVerifier struct {
	byIssuer map[string]*registeredProvider
	now      func() time.Time
}

// NewProviderVerifier registers every config that carries a client id.
func NewProviderVerifier(client *http.Client, configs ...ProviderConfig) (*ProviderVerifier, error) {
	v := &ProviderVerifier{byIssuer: make(map[string]*registeredProvider), now: time.Now}
	for _, cfg := range configs {
		cfg.ClientID = strings.TrimSpace(cfg.ClientID)
		if cfg.ClientID == "" {
			continue
		}
		if !cfg.Provider.Valid() || cfg.Provider == ProviderLocal {
			return nil, fmt.Errorf("auth: invalid provider %q", cfg.Provider)
		}
		if cfg.JWKSURL == "" || len(cfg.Issuers) == 0 {
			return nil, fmt.Errorf("auth: provider %s needs issuers and a key set url", cfg.Provider)
		}
		rp := &registeredProvider{cfg: cfg, keys: NewJWKSClient(cfg.Provider, cfg.JWKSURL, client)}
		for _, iss := range cfg.Issuers {
			v.byIssuer[iss] = rp
		}
	}
	return v, nil
}

// Providers lists the registered providers.
func (v *ProviderVerifier) Providers() []Provider {
	seen := make(map[Provider]struct{})
	var out []Provider
	for _, rp := range v.byIssuer {
		if _, ok := seen[rp.cfg.Provider]; ok {
			continue
		}
		seen[rp.cfg.Provider] = struct{}{}
		out = append(out, rp.cfg.Provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifyAssertion implements AssertionVerifier.
func (v *ProviderVerifier) VerifyAssertion(ctx context.Context, raw string) (Provider, *ExternalIdentityClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil, fmt.Errorf("%w: id token is required", ErrInvalidAssertion)
	}
	var peek jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &peek); err != nil {
		return "", nil, fmt.Errorf("%w: malformed id token", ErrInvalidAssertion)
	}
	rp, ok := v.byIssuer[peek.Issuer]
	if !ok {
		return "", nil, fmt.Errorf("%w: unsupported id token issuer %q", ErrInvalidAssertion, peek.Issuer)
	}

	claims := &ExternalIdentityClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(peek.Issuer),
		jwt.WithAudience(rp.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(assertionLeeway),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return rp.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	return rp.cfg.Provider, claims, nil
}
