package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// LoginResult is the outcome of a password or external-identity login.
type LoginResult struct {
	Tokens    TokenPair
	Account   Account
	IsNewUser bool
}

// Resolver reconciles external identity assertions with local accounts.
type Resolver struct {
	verifier    AssertionVerifier
	accounts    AccountStore
	directory   *Directory
	tokens      *TokenService
	defaultRole string
	now         func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaultRole sets the role attached to accounts created from an assertion.
func WithDefaultRole(name string) ResolverOption {
	return func(r *Resolver) {
		if v := strings.TrimSpace(name); v != "" {
			r.defaultRole = v
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, verifier AssertionVerifier, tokens *TokenService, directory *Directory, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		verifier:    verifier,
		accounts:    store.Accounts(),
		directory:   directory,
		tokens:      tokens,
		defaultRole: DefaultMemberRole,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) verify(ctx context.Context, raw string) (Provider, *ExternalIdentityClaims, LinkedIdentity, error) {
	if r.verifier == nil {
		return "", nil, LinkedIdentity{}, fmt.Errorf("%w: no identity providers configured", ErrInvalidAssertion)
	}
	provider, claims, err := r.verifier.VerifyAssertion(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidAssertion) || errors.Is(err, ErrUnavailable) {
			return "", nil, LinkedIdentity{}, err
		}
		return "", nil, LinkedIdentity{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	identity := LinkedIdentity{
		Provider:    provider,
		Subject:     claims.Subject,
		Email:       NormalizeEmail(claims.Email),
		DisplayName: claims.DisplayName(),
		PhotoURL:    strings.TrimSpace(claims.Picture),
		LinkedAt:    r.now().UTC(),
	}
	return provider, claims, identity, nil
}

// Login signs in with an external identity assertion, creating the account on first use.
// An existing account is never silently attached to a provider it has not linked.
func (r *Resolver) Login(ctx context.Context, raw string) (LoginResult, error) {
	provider, claims, identity, err := r.verify(ctx, raw)
	if err != nil {
		return LoginResult{}, err
	}

	if identity.Email == "" {
		acct, err := r.accounts.FindByLinkedIdentity(ctx, provider, identity.Subject)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return LoginResult{}, fmt.Errorf("%w: id token carries no email", ErrInvalidAssertion)
			}
			return LoginResult{}, err
		}
		return r.loginExisting(ctx, acct, claims, identity)
	}

	acct, err := r.accounts.FindByEmail(ctx, identity.Email)
	switch {
	case err == nil:
		return r.loginExisting(ctx, acct, claims, identity)
	case !errors.Is(err, ErrNotFound):
		return LoginResult{}, err
	}

	if _, err := r.accounts.FindByLinkedIdentity(ctx, provider, identity.Subject); err == nil {
		return LoginResult{}, fmt.Errorf("%w: %s identity is bound to another account", ErrConflict, provider)
	} else if !errors.Is(err, ErrNotFound) {
		return LoginResult{}, err
	}
	return r.createFromAssertion(ctx, claims, identity)
}

func (r *Resolver) loginExisting(ctx context.Context, acct Account, claims *ExternalIdentityClaims, identity LinkedIdentity) (LoginResult, error) {
	if acct.Status != StatusActive {
		return LoginResult{}, fmt.Errorf("%w: account is %s", ErrForbidden, acct.Status)
	}
	provider := identity.Provider
	if linked, ok := acct.LinkedIdentity(provider); ok {
		if linked.Subject != identity.Subject {
			return LoginResult{}, fmt.Errorf("%w: account is linked to a different %s identity", ErrConflict, provider)
		}
		identity.LinkedAt = linked.LinkedAt
		if err := r.accounts.UpdateLinkedIdentity(ctx, acct.ID, identity); err != nil {
			return LoginResult{}, err
		}
	} else if acct.Provider == provider {
		if err := r.accounts.AddLinkedIdentity(ctx, acct.ID, identity); err != nil {
			return LoginResult{}, err
		}
	} else {
		return LoginResult{}, ErrAccountLinkingRequired
	}
	if !acct.EmailVerified && bool(claims.EmailVerified) && NormalizeEmail(claims.Email) == NormalizeEmail(acct.Email) {
		acct.EmailVerified = true
	}
	if err := recordLogin(ctx, r.accounts, &acct, r.now()); err != nil {
		return LoginResult{}, err
	}
	acct, err := r.accounts.FindByID(ctx, acct.ID)
	if err != nil {
		return LoginResult{}, err
	}
	pair, err := r.issue(ctx, acct)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tokens: pair, Account: acct, IsNewUser: false}, nil
}

func (r *Resolver) createFromAssertion(ctx context.Context, claims *ExternalIdentityClaims, identity LinkedIdentity) (LoginResult, error) {
	role, err := r.directory.RoleByName(ctx, r.defaultRole)
	if err != nil {
		return LoginResult{}, err
	}
	now := r.now().UTC()
	acct := Account{
		Email:           identity.Email,
		FirstName:       clampName(claims.GivenName),
		LastName:        clampName(claims.FamilyName),
		Status:          StatusActive,
		Provider:        identity.Provider,
		EmailVerified:   true,
		ValidSince:      now,
		LastLoginAt:     &now,
		LinkedProviders: []LinkedIdentity{identity},
	}
	if d, ok := DeviceFromContext(ctx); ok {
		acct.LastLoginIP = d.IPAddress
	}
	if err := r.accounts.Create(ctx, &acct); err != nil {
		return LoginResult{}, err
	}
	if err := r.directory.AssignRole(ctx, acct.ID, role.ID); err != nil {
		return LoginResult{}, err
	}
	pair, err := r.issue(ctx, acct)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tokens: pair, Account: acct, IsNewUser: true}, nil
}

func (r *Resolver) issue(ctx context.Context, acct Account) (TokenPair, error) {
	roles, err := r.directory.RolesForAccount(ctx, acct.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return r.tokens.Issue(ctx, acct, roles)
}

// LinkProvider binds the asserted identity to an authenticated account.
func (r *Resolver) LinkProvider(ctx context.Context, accountID, raw string) (Account, error) {
	acct, err := r.accounts.FindByID(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	provider, _, identity, err := r.verify(ctx, raw)
	if err != nil {
		return Account{}, err
	}
	if _, ok := acct.LinkedIdentity(provider); ok {
		return Account{}, fmt.Errorf("%w: %s is already linked", ErrConflict, provider)
	}
	owner, err := r.accounts.FindByLinkedIdentity(ctx, provider, identity.Subject)
	switch {
	case err == nil && owner.ID != acct.ID:
		return Account{}, fmt.Errorf("%w: %s identity is bound to another account", ErrConflict, provider)
	case err != nil && !errors.Is(err, ErrNotFound):
		return Account{}, err
	}
	if identity.Email != "" && identity.Email != NormalizeEmail(acct.Email) {
		return Account{}, fmt.Errorf("%w: id token email does not match the account", ErrBadRequest)
	}
	if err := r.accounts.AddLinkedIdentity(ctx, acct.ID, identity); err != nil {
		return Account{}, err
	}
	return r.accounts.FindByID(ctx, acct.ID)
}

// UnlinkProvider removes a linked identity as long as another way to sign in remains.
func (r *Resolver) UnlinkProvider(ctx context.Context, accountID string, provider Provider) (Account, error) {
	if !provider.Valid() || provider == ProviderLocal {
		return Account{}, fmt.Errorf("%w: invalid provider %q", ErrBadRequest, provider)
	}
	acct, err := r.accounts.FindByID(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if _, ok := acct.LinkedIdentity(provider); !ok {
		return Account{}, fmt.Errorf("%w: %s is not linked", ErrNotFound, provider)
	}
	if len(acct.LinkedProviders) < 2 && !acct.HasPassword() {
		return Account{}, fmt.Errorf("%w: cannot remove the last authentication method", ErrBadRequest)
	}
	if err := r.accounts.RemoveLinkedIdentity(ctx, acct.ID, provider); err != nil {
		return Account{}, err
	}
	updated, err := r.accounts.FindByID(ctx, acct.ID)
	if err != nil {
		return Account{}, err
	}
	if updated.Provider == provider {
		updated.Provider = ProviderLocal
		if !updated.HasPassword() && len(updated.LinkedProviders) > 0 {
			updated.Provider = updated.LinkedProviders[0].Provider
		}
		if err := r.accounts.Update(ctx, &updated); err != nil {
			return Account{}, err
		}
	}
	return updated, nil
}

// LinkedProviders returns the primary provider and the linked identities of an account.
func (r *Resolver) LinkedProviders(ctx context.Context, accountID string) (Provider, []LinkedIdentity, error) {
	acct, err := r.accounts.FindByID(ctx, accountID)
	if err != nil {
		return "", nil, err
	}
	return acct.Provider, acct.LinkedProviders, nil
}

func clampName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= maxNameLen {
		return name
	}
	return string([]rune(name)[:maxNameLen])
}
