package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/authcore/internal/obs"
)

// SignupInput is the payload of a local registration.
type SignupInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Profile is an account with its roles and effective permissions.
type Profile struct {
	Account     Account
	Roles       []Role
	Permissions []Permission
}

// TokenInfo describes a verified access token and its owner.
type TokenInfo struct {
	Subject   string
	Scope     []Permission
	ExpiresAt time.Time
	IssuedAt  time.Time
	Profile   Profile
}

// AccountService implements local account flows on top of the token service and directory.
type AccountService struct {
	accounts    AccountStore
	creds       CredentialStore
	tokens      *TokenService
	directory   *Directory
	mailer      Mailer
	defaultRole string
	now         func() time.Time
}

// AccountOption configures AccountService.
type AccountOption func(*AccountService)

// WithMailer sets the delivery collaborator for verification and reset tokens.
func WithMailer(m Mailer) AccountOption {
	return func(s *AccountService) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithSignupRole sets the role attached at signup.
func WithSignupRole(name string) AccountOption {
	return func(s *AccountService) {
		if v := strings.TrimSpace(name); v != "" {
			s.defaultRole = v
		}
	}
}

// NewAccountService constructs AccountService.
func NewAccountService(store Store, tokens *TokenService, directory *Directory, opts ...AccountOption) *AccountService {
	s := &AccountService{
		accounts:    store.Accounts(),
		creds:       store.Credentials(),
		tokens:      tokens,
		directory:   directory,
		mailer:      LogMailer{},
		defaultRole: DefaultMemberRole,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup registers a local account, attaches the default role and sends a verification token.
func (s *AccountService) Signup(ctx context.Context, in SignupInput) (Account, error) {
	email := NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return Account{}, err
	}
	if err := validateNewPassword(in.Password); err != nil {
		return Account{}, err
	}
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if err := validateName("first name", first); err != nil {
		return Account{}, err
	}
	if err := validateName("last name", last); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Account{}, err
	}
	role, err := s.directory.RoleByName(ctx, s.defaultRole)
	if err != nil {
		return Account{}, err
	}
	acct := Account{
		Email:        email,
		PasswordHash: hash,
		FirstName:    first,
		LastName:     last,
		Status:       StatusActive,
		Provider:     ProviderLocal,
		ValidSince:   s.now().UTC(),
	}
	if err := s.accounts.Create(ctx, &acct); err != nil {
		if errors.Is(err, ErrConflict) {
			return Account{}, fmt.Errorf("%w: email is already registered", ErrConflict)
		}
		return Account{}, err
	}
	if err := s.directory.AssignRole(ctx, acct.ID, role.ID); err != nil {
		return Account{}, err
	}
	s.sendVerification(ctx, acct)
	s.send(ctx, Message{To: acct.Email, Name: acct.FirstName, Kind: MailWelcome})
	return acct, nil
}

// Login authenticates with email and password and issues a new session.
func (s *AccountService) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || len(password) < minLoginPasswordLen {
		return LoginResult{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
		}
		return LoginResult{}, err
	}
	if !acct.HasPassword() || VerifyPassword(acct.PasswordHash, password) != nil {
		return LoginResult{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	if acct.Status != StatusActive {
		return LoginResult{}, fmt.Errorf("%w: account is %s", ErrForbidden, acct.Status)
	}
	if err := recordLogin(ctx, s.accounts, &acct, s.now()); err != nil {
		return LoginResult{}, err
	}
	roles, err := s.directory.RolesForAccount(ctx, acct.ID)
	if err != nil {
		return LoginResult{}, err
	}
	pair, err := s.tokens.Issue(ctx, acct, roles)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tokens: pair, Account: acct}, nil
}

func recordLogin(ctx context.Context, accounts AccountStore, acct *Account, now time.Time) error {
	at := now.UTC()
	acct.LastLoginAt = &at
	if d, ok := DeviceFromContext(ctx); ok && d.IPAddress != "" {
		acct.LastLoginIP = d.IPAddress
	}
	return accounts.Update(ctx, acct)
}

// VerifyEmail marks the account's email verified.
func (s *AccountService) VerifyEmail(ctx context.Context, token string) (Account, error) {
	claims, err := s.tokens.VerifyEmailVerification(token)
	if err != nil {
		return Account{}, fmt.Errorf("%w: invalid verification token", ErrBadRequest)
	}
	acct, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return Account{}, err
	}
	if NormalizeEmail(acct.Email) != NormalizeEmail(claims.Email) {
		return Account{}, fmt.Errorf("%w: verification token does not match the current email", ErrBadRequest)
	}
	if acct.EmailVerified {
		return acct, nil
	}
	acct.EmailVerified = true
	if err := s.accounts.Update(ctx, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// ResendVerification sends a fresh verification token.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	acct, err := s.accounts.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return err
	}
	if acct.EmailVerified {
		return fmt.Errorf("%w: email is already verified", ErrBadRequest)
	}
	s.sendVerification(ctx, acct)
	return nil
}

// ForgotPassword sends a reset token when the account exists. It reports success either way so
// callers cannot probe for registered emails.
func (s *AccountService) ForgotPassword(ctx context.Context, email string) {
	acct, err := s.accounts.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.LogEvent("error", "forgot password lookup failed", map[string]any{"error": err.Error()})
		}
		return
	}
	if !acct.HasPassword() {
		return
	}
	token, err := s.tokens.IssuePasswordReset(acct)
	if err != nil {
		obs.LogEvent("error", "issue password reset token failed", map[string]any{
			"account_id": acct.ID,
			"error":      err.Error(),
		})
		return
	}
	s.send(ctx, Message{To: acct.Email, Name: acct.FirstName, Kind: MailPasswordReset, Token: token})
}

// ResetPassword sets a new password from a reset token and revokes every session.
func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string) (Account, error) {
	claims, err := s.tokens.VerifyPasswordReset(token)
	if err != nil {
		return Account{}, fmt.Errorf("%w: invalid reset token", ErrBadRequest)
	}
	if err := validateNewPassword(newPassword); err != nil {
		return Account{}, err
	}
	acct, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return Account{}, err
	}
	if passwordFingerprint(acct.PasswordHash) != claims.Fingerprint {
		return Account{}, fmt.Errorf("%w: reset token has already been used", ErrBadRequest)
	}
	if err := s.setPassword(ctx, &acct, newPassword); err != nil {
		return Account{}, err
	}
	n, err := s.creds.RevokeAll(ctx, acct.ID, "", s.now().UTC())
	if err != nil {
		return Account{}, err
	}
	obs.RecordRevocations("password_reset", n)
	return acct, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *AccountService) ChangePassword(ctx context.Context, accountID, current, newPassword string) error {
	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.HasPassword() {
		return fmt.Errorf("%w: account has no local password", ErrBadRequest)
	}
	if VerifyPassword(acct.PasswordHash, current) != nil {
		return fmt.Errorf("%w: invalid current password", ErrUnauthenticated)
	}
	if err := validateNewPassword(newPassword); err != nil {
		return err
	}
	return s.setPassword(ctx, &acct, newPassword)
}

func (s *AccountService) setPassword(ctx context.Context, acct *Account, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	acct.PasswordHash = hash
	return s.accounts.Update(ctx, acct)
}

// Logout revokes the presented access token and, when given, the refresh token of the same
// account, then bumps the account's validSince.
func (s *AccountService) Logout(ctx context.Context, access *AccessClaims, refreshToken string) error {
	if access == nil {
		return ErrUnauthenticated
	}
	now := s.now().UTC()
	if err := s.revoke(ctx, access.ID, access.Subject, TokenAccess, access.ExpiresAt.Time, now); err != nil {
		return err
	}
	revoked := 1
	if strings.TrimSpace(refreshToken) != "" {
		rc, err := s.tokens.VerifyRefresh(refreshToken)
		if err != nil {
			return err
		}
		if rc.Subject != access.Subject {
			return fmt.Errorf("%w: refresh token belongs to another account", ErrForbidden)
		}
		if err := s.revoke(ctx, rc.ID, rc.Subject, TokenRefresh, rc.ExpiresAt.Time, now); err != nil {
			return err
		}
		revoked++
	}
	obs.RecordRevocations("logout", revoked)

	acct, err := s.accounts.FindByID(ctx, access.Subject)
	if err != nil {
		return err
	}
	acct.ValidSince = now
	return s.accounts.Update(ctx, &acct)
}

func (s *AccountService) revoke(ctx context.Context, jti, accountID string, typ TokenType, exp, now time.Time) error {
	err := s.creds.Blacklist(ctx, LedgerEntry{JTI: jti, AccountID: accountID, Type: typ, ExpiresAt: exp, BlacklistedAt: now})
	if err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	_, err = s.creds.DeleteByJTI(ctx, jti)
	return err
}

// Profile returns the account with its roles and permissions.
func (s *AccountService) Profile(ctx context.Context, accountID string) (Profile, error) {
	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return Profile{}, err
	}
	roles, err := s.directory.RolesForAccount(ctx, acct.ID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{Account: acct, Roles: roles, Permissions: UnionPermissions(roles)}, nil
}

// TokenInfo describes a live access token with its owner's profile.
// Revoked tokens and tokens without a record are Unauthenticated.
func (s *AccountService) TokenInfo(ctx context.Context, accessToken string) (TokenInfo, error) {
	claims, err := verifyActiveAccess(ctx, s.tokens, s.creds, accessToken)
	if err != nil {
		return TokenInfo{}, err
	}
	profile, err := s.Profile(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenInfo{}, fmt.Errorf("%w: invalid access token", ErrUnauthenticated)
		}
		return TokenInfo{}, err
	}
	info := TokenInfo{Subject: claims.Subject, Scope: claims.Scope, Profile: profile}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	return info, nil
}

// ListAccounts returns one page of accounts matching filter.
func (s *AccountService) ListAccounts(ctx context.Context, filter AccountFilter) (AccountPage, error) {
	return s.accounts.List(ctx, filter.Normalize())
}

// GetAccount returns one account.
func (s *AccountService) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.accounts.FindByID(ctx, strings.TrimSpace(id))
}

func (s *AccountService) sendVerification(ctx context.Context, acct Account) {
	token, err := s.tokens.IssueEmailVerification(acct)
	if err != nil {
		obs.LogEvent("error", "issue verification token failed", map[string]any{
			"account_id": acct.ID,
			"error":      err.Error(),
		})
		return
	}
	s.send(ctx, Message{To: acct.Email, Name: acct.FirstName, Kind: MailVerification, Token: token})
}

func (s *AccountService) send(ctx context.Context, msg Message) {
	if err := s.mailer.Send(ctx, msg); err != nil {
		obs.LogEvent("error", "mail delivery failed", map[string]any{
			"kind":  string(msg.Kind),
			"error": err.Error(),
		})
	}
}
