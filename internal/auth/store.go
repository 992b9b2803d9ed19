package auth

import (
	"context"
	"time"
)

// Store aggregates the repositories the auth core needs.
type Store interface {
	Accounts() AccountStore
	Roles() RoleStore
	Credentials() CredentialStore
}

// AccountStore persists accounts and their linked identities.
type AccountStore interface {
	// Create inserts the account and its linked identities. Duplicate email or identity -> ErrConflict.
	Create(ctx context.Context, acct *Account) error
	FindByID(ctx context.Context, id string) (Account, error)
	// FindByEmail matches case-insensitively.
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByLinkedIdentity(ctx context.Context, provider Provider, subject string) (Account, error)
	// Update writes profile, credential, status and timestamp fields. Linked identities are untouched.
	Update(ctx context.Context, acct *Account) error
	// AddLinkedIdentity fails with ErrConflict when the pair is bound to any account or the account
	// already links the provider.
	AddLinkedIdentity(ctx context.Context, accountID string, li LinkedIdentity) error
	UpdateLinkedIdentity(ctx context.Context, accountID string, li LinkedIdentity) error
	// RemoveLinkedIdentity fails with ErrBadRequest when it would leave the account without any
	// authentication method, and ErrNotFound when the provider is not linked.
	RemoveLinkedIdentity(ctx context.Context, accountID string, provider Provider) error
	List(ctx context.Context, filter AccountFilter) (AccountPage, error)
}

// RoleStore is the RBAC directory: roles and account assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Update(ctx context.Context, role *Role) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (Role, error)
	FindByName(ctx context.Context, name string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Assign(ctx context.Context, accountID, roleID string) error
	Unassign(ctx context.Context, accountID, roleID string) error
	RolesForAccount(ctx context.Context, accountID string) ([]Role, error)
	CountAssignments(ctx context.Context, roleID string) (int, error)
}

// CredentialStore owns token records and the revocation ledger.
type CredentialStore interface {
	// Create fails with ErrConflict only on a JTI collision.
	Create(ctx context.Context, rec *TokenRecord) error
	FindByJTI(ctx context.Context, jti string) (TokenRecord, error)
	FindByID(ctx context.Context, id string) (TokenRecord, error)
	// ListActiveRefreshTokens returns unexpired refresh records, most recently used first.
	ListActiveRefreshTokens(ctx context.Context, accountID string, now time.Time) ([]TokenRecord, error)
	// DeleteByJTI is idempotent; deleted reports whether this call removed the record.
	DeleteByJTI(ctx context.Context, jti string) (deleted bool, err error)
	// Touch bumps last-used on every record of a session.
	Touch(ctx context.Context, accountID, sessionID string, at time.Time) error
	// RevokeSession ledgers and deletes every record of one session.
	RevokeSession(ctx context.Context, accountID, sessionID string, at time.Time) (int, error)
	// RevokeAll ledgers and deletes the account's records, except exceptJTI and its session siblings.
	RevokeAll(ctx context.Context, accountID, exceptJTI string, at time.Time) (int, error)
	Blacklist(ctx context.Context, entry LedgerEntry) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	PurgeExpiredLedgerEntries(ctx context.Context, now time.Time) (int64, error)
}
