package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"qazna.org/authcore/internal/ids"
	"qazna.org/authcore/internal/obs"
)

const (
	DefaultIssuer   = "api.yourapp.com"
	DefaultAudience = "yourapp.com"

	defaultAccessTTL       = time.Hour
	defaultRefreshTTL      = 30 * 24 * time.Hour
	defaultVerificationTTL = 24 * time.Hour
	defaultResetTTL        = time.Hour

	maxJTIAttempts = 3
	bearerType     = "bearer"
)

// TokenService issues, verifies and rotates signed credentials.
type TokenService struct {
	store Store
	keys  *Keyring
	now   func() time.Time

	issuer          string
	audience        string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	verificationTTL time.Duration
	resetTTL        time.Duration

	reuse *reuseDetector
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAudience overrides the aud claim.
func WithAudience(audience string) TokenOption {
	return func(s *TokenService) error {
		if v := strings.TrimSpace(audience); v != "" {
			s.audience = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithEmailVerificationTTL configures the lifetime of email verification tokens.
func WithEmailVerificationTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.verificationTTL = ttl
		}
		return nil
	}
}

// WithPasswordResetTTL configures the lifetime of password reset tokens.
func WithPasswordResetTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithReuseDetection remembers rotated-away refresh tokens. Presenting one again revokes every
// session of the account.
func WithReuseDetection(maxEntries int64) TokenOption {
	return func(s *TokenService) error {
		if maxEntries <= 0 {
			return nil
		}
		d, err := newReuseDetector(maxEntries)
		if err != nil {
			return fmt.Errorf("auth: reuse detector: %w", err)
		}
		s.reuse = d
		return nil
	}
}

// NewTokenService constructs TokenService with optional configuration.
func NewTokenService(store Store, keys *Keyring, opts ...TokenOption) (*TokenService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if keys == nil || keys.Current() == nil {
		return nil, errors.New("auth: keyring is required")
	}
	svc := &TokenService{
		store:           store,
		keys:            keys,
		now:             time.Now,
		issuer:          DefaultIssuer,
		audience:        DefaultAudience,
		accessTTL:       defaultAccessTTL,
		refreshTTL:      defaultRefreshTTL,
		verificationTTL: defaultVerificationTTL,
		resetTTL:        defaultResetTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.accessTTL >= svc.refreshTTL {
		return nil, errors.New("auth: access ttl must be shorter than refresh ttl")
	}
	return svc, nil
}

// Close releases in-process caches.
func (s *TokenService) Close() {
	s.reuse.close()
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// Issue mints a new session: an access token scoped to the union of the roles' permissions and
// an unscoped refresh token, each with its own credential record.
func (s *TokenService) Issue(ctx context.Context, acct Account, roles []Role) (TokenPair, error) {
	if strings.TrimSpace(acct.ID) == "" {
		return TokenPair{}, fmt.Errorf("%w: account id is required", ErrBadRequest)
	}
	device, _ := DeviceFromContext(ctx)
	return s.issue(ctx, acct.ID, roles, ids.New(), device)
}

func (s *TokenService) issue(ctx context.Context, accountID string, roles []Role, sessionID string, device *DeviceInfo) (TokenPair, error) {
	ks := s.keys.Current()
	now := s.now().UTC()
	scope := UnionPermissions(roles)
	roleNames := RoleNames(roles)

	accessExp := now.Add(s.accessTTL)
	access, accessJTI, err := s.mint(ctx, ks, TokenRecord{
		AccountID: accountID, SessionID: sessionID, Type: TokenAccess,
		ExpiresAt: accessExp, LastUsedAt: now, Device: device, CreatedAt: now,
	}, func(jti string) jwt.Claims {
		return &AccessClaims{
			Kind:             KindAccess,
			Scope:            scope,
			Roles:            roleNames,
			SessionID:        sessionID,
			RegisteredClaims: s.registered(accountID, jti, now, accessExp),
		}
	})
	if err != nil {
		return TokenPair{}, err
	}

	refreshExp := now.Add(s.refreshTTL)
	refresh, refreshJTI, err := s.mint(ctx, ks, TokenRecord{
		AccountID: accountID, SessionID: sessionID, Type: TokenRefresh,
		ExpiresAt: refreshExp, LastUsedAt: now, Device: device, CreatedAt: now,
	}, func(jti string) jwt.Claims {
		return &RefreshClaims{
			Kind:             KindRefresh,
			Scope:            []Permission{},
			SessionID:        sessionID,
			RegisteredClaims: s.registered(accountID, jti, now, refreshExp),
		}
	})
	if err != nil {
		_, _ = s.store.Credentials().DeleteByJTI(context.WithoutCancel(ctx), accessJTI)
		return TokenPair{}, err
	}

	obs.RecordTokenIssued(string(TokenAccess))
	obs.RecordTokenIssued(string(TokenRefresh))
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        bearerType,
		ExpiresIn:        int64(s.accessTTL / time.Second),
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		SessionID:        sessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// mint signs claims under a fresh jti and records it, retrying on the (negligible) chance of a
// jti collision.
func (s *TokenService) mint(ctx context.Context, ks *KeySet, rec TokenRecord, build func(jti string) jwt.Claims) (string, string, error) {
	creds := s.store.Credentials()
	for attempt := 0; attempt < maxJTIAttempts; attempt++ {
		jti := uuid.NewString()
		signed, err := ks.sign(build(jti))
		if err != nil {
			return "", "", fmt.Errorf("auth: sign %s token: %w", rec.Type, err)
		}
		row := rec
		row.ID = ids.New()
		row.JTI = jti
		if err := creds.Create(ctx, &row); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return "", "", err
		}
		return signed, jti, nil
	}
	return "", "", fmt.Errorf("%w: could not allocate a unique token id", ErrUnavailable)
}

func (s *TokenService) registered(subject, jti string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        jti,
	}
}

// Verify checks signature, issuer, audience and clock claims of an access token. It does not
// consult the credential store or the ledger.
func (s *TokenService) Verify(signed string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(signed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh is Verify for refresh tokens.
func (s *TokenService) VerifyRefresh(signed string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(signed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenService) parse(signed string, claims jwt.Claims) error {
	signed = strings.TrimSpace(signed)
	if signed == "" {
		return fmt.Errorf("%w: token is required", ErrUnauthenticated)
	}
	ks := s.keys.Current()
	parser := jwt.NewParser(
		jwt.WithValidMethods(ks.methods()),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := parser.ParseWithClaims(signed, claims, ks.keyfunc); err != nil {
		obs.RecordTokenRejected(rejectReason(err))
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "not_yet_valid"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "claims"
	}
}

// RefreshRotate exchanges a refresh token for a new pair. The refresh token is single-use: the
// new pair is recorded before the old row is removed, and losing the race to remove it voids
// the new pair.
func (s *TokenService) RefreshRotate(ctx context.Context, signed string) (TokenPair, error) {
	claims, err := s.VerifyRefresh(signed)
	if err != nil {
		return TokenPair{}, err
	}
	creds := s.store.Credentials()
	rec, err := creds.FindByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, s.inactiveRefresh(ctx, claims)
		}
		return TokenPair{}, err
	}
	if rec.Type != TokenRefresh || rec.AccountID != claims.Subject {
		return TokenPair{}, fmt.Errorf("%w: not a refresh token", ErrUnauthenticated)
	}
	revoked, err := creds.IsBlacklisted(ctx, rec.JTI)
	if err != nil {
		return TokenPair{}, err
	}
	if revoked {
		return TokenPair{}, fmt.Errorf("%w: refresh token revoked", ErrUnauthenticated)
	}

	acct, err := s.store.Accounts().FindByID(ctx, rec.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, fmt.Errorf("%w: account no longer exists", ErrUnauthenticated)
		}
		return TokenPair{}, err
	}
	if acct.Status != StatusActive {
		return TokenPair{}, fmt.Errorf("%w: account is %s", ErrUnauthenticated, acct.Status)
	}
	roles, err := s.store.Roles().RolesForAccount(ctx, acct.ID)
	if err != nil {
		return TokenPair{}, err
	}

	device := rec.Device
	if d, ok := DeviceFromContext(ctx); ok {
		device = d
	}
	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = ids.New()
	}
	pair, err := s.issue(ctx, acct.ID, roles, sessionID, device)
	if err != nil {
		return TokenPair{}, err
	}

	deleted, err := creds.DeleteByJTI(ctx, rec.JTI)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: retire refresh token: %w", err)
	}
	if !deleted {
		s.discard(context.WithoutCancel(ctx), pair)
		return TokenPair{}, fmt.Errorf("%w: refresh token already used", ErrUnauthenticated)
	}
	s.reuse.remember(rec.JTI, rec.AccountID, rec.ExpiresAt.Sub(s.now()))
	return pair, nil
}

func (s *TokenService) inactiveRefresh(ctx context.Context, claims *RefreshClaims) error {
	owner, seen := s.reuse.owner(claims.ID)
	if !seen || owner != claims.Subject {
		return fmt.Errorf("%w: refresh token is no longer active", ErrUnauthenticated)
	}
	n, err := s.store.Credentials().RevokeAll(context.WithoutCancel(ctx), owner, "", s.now().UTC())
	if err != nil {
		obs.LogEvent("error", "refresh reuse revocation failed", map[string]any{
			"account_id": owner,
			"error":      err.Error(),
		})
	} else {
		obs.RecordRevocations("refresh_reuse", n)
	}
	obs.LogEvent("warn", "refresh token reuse detected", map[string]any{
		"account_id": owner,
		"jti":        claims.ID,
		"revoked":    n,
	})
	return ErrRefreshReuse
}

func (s *TokenService) discard(ctx context.Context, pair TokenPair) {
	creds := s.store.Credentials()
	now := s.now().UTC()
	for _, item := range []struct {
		jti string
		typ TokenType
		exp time.Time
	}{
		{pair.AccessJTI, TokenAccess, pair.AccessExpiresAt},
		{pair.RefreshJTI, TokenRefresh, pair.RefreshExpiresAt},
	} {
		rec, err := creds.FindByJTI(ctx, item.jti)
		if err != nil {
			continue
		}
		_ = creds.Blacklist(ctx, LedgerEntry{JTI: item.jti, AccountID: rec.AccountID, Type: item.typ, ExpiresAt: item.exp, BlacklistedAt: now})
		_, _ = creds.DeleteByJTI(ctx, item.jti)
	}
}

// IssueEmailVerification signs a token proving control of the account's email.
func (s *TokenService) IssueEmailVerification(acct Account) (string, error) {
	now := s.now().UTC()
	claims := &EmailVerificationClaims{
		Kind:             KindEmailVerification,
		Email:            acct.Email,
		RegisteredClaims: s.registered(acct.ID, uuid.NewString(), now, now.Add(s.verificationTTL)),
	}
	return s.keys.Current().sign(claims)
}

// VerifyEmailVerification validates an email verification token.
func (s *TokenService) VerifyEmailVerification(signed string) (*EmailVerificationClaims, error) {
	claims := &EmailVerificationClaims{}
	if err := s.parse(signed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// IssuePasswordReset signs a reset token bound to the account's current password hash.
func (s *TokenService) IssuePasswordReset(acct Account) (string, error) {
	now := s.now().UTC()
	claims := &PasswordResetClaims{
		Kind:             KindPasswordReset,
		Fingerprint:      passwordFingerprint(acct.PasswordHash),
		RegisteredClaims: s.registered(acct.ID, uuid.NewString(), now, now.Add(s.resetTTL)),
	}
	return s.keys.Current().sign(claims)
}

// VerifyPasswordReset validates a password reset token.
func (s *TokenService) VerifyPasswordReset(signed string) (*PasswordResetClaims, error) {
	claims := &PasswordResetClaims{}
	if err := s.parse(signed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
