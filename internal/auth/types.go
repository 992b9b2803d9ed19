package auth

import "time"

// Provider identifies a sign-in method.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderGoogle   Provider = "google"
	ProviderApple    Provider = "apple"
	ProviderFacebook Provider = "facebook"
)

// Valid reports whether p is a known provider tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderGoogle, ProviderApple, ProviderFacebook:
		return true
	}
	return false
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusInactive  AccountStatus = "inactive"
	StatusSuspended AccountStatus = "suspended"
)

// Account is a local identity. Email is unique case-insensitively.
type Account struct {
	ID              string
	Email           string
	PasswordHash    string
	FirstName       string
	LastName        string
	Phone           string
	Status          AccountStatus
	Provider        Provider
	EmailVerified   bool
	PhoneVerified   bool
	LastLoginAt     *time.Time
	LastLoginIP     string
	ValidSince      time.Time
	LinkedProviders []LinkedIdentity
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasPassword reports whether the account can sign in with a local password.
func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// LinkedIdentity returns the identity bound for provider, if any.
func (a Account) LinkedIdentity(provider Provider) (LinkedIdentity, bool) {
	for _, li := range a.LinkedProviders {
		if li.Provider == provider {
			return li, true
		}
	}
	return LinkedIdentity{}, false
}

// LinkedIdentity binds an external provider subject to an account.
// A (Provider, Subject) pair belongs to at most one account.
type LinkedIdentity struct {
	Provider    Provider  `json:"provider"`
	Subject     string    `json:"provider_id"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	LinkedAt    time.Time `json:"linked_at"`
}

// Role groups permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []Permission
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TokenType distinguishes credential records.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// DeviceType is derived from the client user agent.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
	DeviceOther   DeviceType = "other"
)

// DeviceInfo is client metadata captured when a credential is issued.
type DeviceInfo struct {
	DeviceID    string     `json:"device_id,omitempty"`
	DeviceType  DeviceType `json:"device_type"`
	DeviceName  string     `json:"device_name,omitempty"`
	DeviceModel string     `json:"device_model,omitempty"`
	OSName      string     `json:"os_name,omitempty"`
	OSVersion   string     `json:"os_version,omitempty"`
	AppVersion  string     `json:"app_version,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	Location    string     `json:"last_location,omitempty"`
}

// TokenRecord is the server-side row for an issued credential, keyed by JTI.
// Access and refresh tokens minted together share SessionID.
type TokenRecord struct {
	ID         string
	JTI        string
	AccountID  string
	SessionID  string
	Type       TokenType
	ExpiresAt  time.Time
	LastUsedAt time.Time
	Device     *DeviceInfo
	CreatedAt  time.Time
}

// LedgerEntry records an explicitly revoked credential until its original expiry.
type LedgerEntry struct {
	JTI           string
	AccountID     string
	Type          TokenType
	ExpiresAt     time.Time
	BlacklistedAt time.Time
}

// TokenPair is the result of an issuance.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int64
	AccessJTI        string
	RefreshJTI       string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// DeviceSummary is a session as shown to its owner. It never carries token material.
type DeviceSummary struct {
	ID         string      `json:"id"`
	Device     *DeviceInfo `json:"device_info,omitempty"`
	LastUsedAt time.Time   `json:"last_used_at"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Current    bool        `json:"current"`
}

// AccountFilter narrows ListAccounts. Nil pointers do not filter.
type AccountFilter struct {
	Status        *AccountStatus
	Provider      *Provider
	EmailVerified *bool
	RoleID        string
	Search        string
	Page          int
	PerPage       int
}

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

// Normalize clamps paging to sane bounds.
func (f AccountFilter) Normalize() AccountFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	return f
}

// Offset returns the row offset for the current page.
func (f AccountFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// AccountPage is one page of ListAccounts.
type AccountPage struct {
	Accounts []Account
	Page     int
	PerPage  int
	Total    int
}

// PageCount is the number of pages at the current page size.
func (p AccountPage) PageCount() int {
	if p.PerPage <= 0 {
		return 0
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}
