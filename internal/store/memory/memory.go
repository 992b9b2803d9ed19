// Package memory is an in-process auth.Store for tests and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	accounts   map[string]auth.Account
	identities map[identityKey]string // -> account id
	roles      map[string]auth.Role
	assigned   map[string]map[string]time.Time // account id -> role id -> assigned at
	tokens     map[string]auth.TokenRecord     // by jti
	ledger     map[string]auth.LedgerEntry     // by jti

	now func() time.Time
}

type identityKey struct {
	provider auth.Provider
	subject  string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:   make(map[string]auth.Account),
		identities: make(map[identityKey]string),
		roles:      make(map[string]auth.Role),
		assigned:   make(map[string]map[string]time.Time),
		tokens:     make(map[string]auth.TokenRecord),
		ledger:     make(map[string]auth.LedgerEntry),
		now:        time.Now,
	}
}

func (s *Store) Accounts() auth.AccountStore       { return accountStore{s} }
func (s *Store) Roles() auth.RoleStore             { return roleStore{s} }
func (s *Store) Credentials() auth.CredentialStore { return credentialStore{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func notFound(what string) error {
	return fmt.Errorf("%w: %s", auth.ErrNotFound, what)
}

func cloneAccount(a auth.Account) auth.Account {
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		a.LastLoginAt = &t
	}
	a.LinkedProviders = append([]auth.LinkedIdentity(nil), a.LinkedProviders...)
	return a
}

func cloneRole(r auth.Role) auth.Role {
	r.Permissions = append([]auth.Permission(nil), r.Permissions...)
	return r
}

func cloneRecord(rec auth.TokenRecord) auth.TokenRecord {
	if rec.Device != nil {
		d := *rec.Device
		rec.Device = &d
	}
	return rec
}

type accountStore struct{ s *Store }

func (a accountStore) Create(_ context.Context, acct *auth.Account) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	email := auth.NormalizeEmail(acct.Email)
	for _, existing := range s.accounts {
		if auth.NormalizeEmail(existing.Email) == email {
			return fmt.Errorf("%w: email already registered", auth.ErrConflict)
		}
	}
	seen := make(map[auth.Provider]bool)
	for _, li := range acct.LinkedProviders {
		if seen[li.Provider] {
			return fmt.Errorf("%w: provider %s linked twice", auth.ErrConflict, li.Provider)
		}
		seen[li.Provider] = true
		if _, taken := s.identities[identityKey{li.Provider, li.Subject}]; taken {
			return fmt.Errorf("%w: %s identity already bound", auth.ErrConflict, li.Provider)
		}
	}
	now := s.now().UTC()
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	acct.Email = email
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	for i := range acct.LinkedProviders {
		if acct.LinkedProviders[i].LinkedAt.IsZero() {
			acct.LinkedProviders[i].LinkedAt = now
		}
		li := acct.LinkedProviders[i]
		s.identities[identityKey{li.Provider, li.Subject}] = acct.ID
	}
	s.accounts[acct.ID] = cloneAccount(*acct)
	return nil
}

func (a accountStore) FindByID(_ context.Context, id string) (auth.Account, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	acct, ok := a.s.accounts[id]
	if !ok {
		return auth.Account{}, notFound("account")
	}
	return cloneAccount(acct), nil
}

func (a accountStore) FindByEmail(_ context.Context, email string) (auth.Account, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	email = auth.NormalizeEmail(email)
	for _, acct := range a.s.accounts {
		if auth.NormalizeEmail(acct.Email) == email {
			return cloneAccount(acct), nil
		}
	}
	return auth.Account{}, notFound("account")
}

func (a accountStore) FindByLinkedIdentity(_ context.Context, provider auth.Provider, subject string) (auth.Account, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	id, ok := a.s.identities[identityKey{provider, subject}]
	if !ok {
		return auth.Account{}, notFound("linked identity")
	}
	return cloneAccount(a.s.accounts[id]), nil
}

func (a accountStore) Update(_ context.Context, acct *auth.Account) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[acct.ID]
	if !ok {
		return notFound("account")
	}
	email := auth.NormalizeEmail(acct.Email)
	for id, other := range s.accounts {
		if id != acct.ID && auth.NormalizeEmail(other.Email) == email {
			return fmt.Errorf("%w: email already registered", auth.ErrConflict)
		}
	}
	updated := cloneAccount(*acct)
	updated.Email = email
	updated.LinkedProviders = existing.LinkedProviders
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now().UTC()
	s.accounts[acct.ID] = updated
	acct.UpdatedAt = updated.UpdatedAt
	acct.LinkedProviders = append([]auth.LinkedIdentity(nil), existing.LinkedProviders...)
	return nil
}

func (a accountStore) AddLinkedIdentity(_ context.Context, accountID string, li auth.LinkedIdentity) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return notFound("account")
	}
	if _, linked := acct.LinkedIdentity(li.Provider); linked {
		return fmt.Errorf("%w: %s already linked", auth.ErrConflict, li.Provider)
	}
	key := identityKey{li.Provider, li.Subject}
	if _, taken := s.identities[key]; taken {
		return fmt.Errorf("%w: %s identity already bound", auth.ErrConflict, li.Provider)
	}
	if li.LinkedAt.IsZero() {
		li.LinkedAt = s.now().UTC()
	}
	acct = cloneAccount(acct)
	acct.LinkedProviders = append(acct.LinkedProviders, li)
	acct.UpdatedAt = s.now().UTC()
	s.accounts[accountID] = acct
	s.identities[key] = accountID
	return nil
}

func (a accountStore) UpdateLinkedIdentity(_ context.Context, accountID string, li auth.LinkedIdentity) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return notFound("account")
	}
	acct = cloneAccount(acct)
	for i, existing := range acct.LinkedProviders {
		if existing.Provider != li.Provider || existing.Subject != li.Subject {
			continue
		}
		li.LinkedAt = existing.LinkedAt
		acct.LinkedProviders[i] = li
		s.accounts[accountID] = acct
		return nil
	}
	return notFound("linked identity")
}

func (a accountStore) RemoveLinkedIdentity(_ context.Context, accountID string, provider auth.Provider) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return notFound("account")
	}
	li, linked := acct.LinkedIdentity(provider)
	if !linked {
		return notFound("linked identity")
	}
	if len(acct.LinkedProviders) < 2 && !acct.HasPassword() {
		return fmt.Errorf("%w: cannot remove the last authentication method", auth.ErrBadRequest)
	}
	acct = cloneAccount(acct)
	kept := acct.LinkedProviders[:0]
	for _, existing := range acct.LinkedProviders {
		if existing.Provider != provider {
			kept = append(kept, existing)
		}
	}
	acct.LinkedProviders = kept
	acct.UpdatedAt = s.now().UTC()
	s.accounts[accountID] = acct
	delete(s.identities, identityKey{li.Provider, li.Subject})
	return nil
}

func (a accountStore) List(_ context.Context, filter auth.AccountFilter) (auth.AccountPage, error) {
	s := a.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter = filter.Normalize()
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	var matched []auth.Account
	for _, acct := range s.accounts {
		if filter.Status != nil && acct.Status != *filter.Status {
			continue
		}
		if filter.Provider != nil && acct.Provider != *filter.Provider {
			continue
		}
		if filter.EmailVerified != nil && acct.EmailVerified != *filter.EmailVerified {
			continue
		}
		if filter.RoleID != "" {
			if _, ok := s.assigned[acct.ID][filter.RoleID]; !ok {
				continue
			}
		}
		if search != "" && !strings.Contains(strings.ToLower(acct.Email), search) &&
			!strings.Contains(strings.ToLower(acct.FirstName), search) &&
			!strings.Contains(strings.ToLower(acct.LastName), search) {
			continue
		}
		matched = append(matched, acct)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := auth.AccountPage{Page: filter.Page, PerPage: filter.PerPage, Total: len(matched)}
	start := filter.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	for _, acct := range matched[start:end] {
		page.Accounts = append(page.Accounts, cloneAccount(acct))
	}
	return page, nil
}

type roleStore struct{ s *Store }

func (r roleStore) nameTaken(name, exceptID string) bool {
	for id, role := range r.s.roles {
		if id != exceptID && strings.EqualFold(role.Name, name) {
			return true
		}
	}
	return false
}

func (r roleStore) Create(_ context.Context, role *auth.Role) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.nameTaken(role.Name, "") {
		return fmt.Errorf("%w: role %q exists", auth.ErrConflict, role.Name)
	}
	now := s.now().UTC()
	if role.ID == "" {
		role.ID = ids.New()
	}
	role.CreatedAt, role.UpdatedAt = now, now
	s.roles[role.ID] = cloneRole(*role)
	return nil
}

func (r roleStore) Update(_ context.Context, role *auth.Role) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[role.ID]
	if !ok {
		return notFound("role")
	}
	if r.nameTaken(role.Name, role.ID) {
		return fmt.Errorf("%w: role %q exists", auth.ErrConflict, role.Name)
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = s.now().UTC()
	s.roles[role.ID] = cloneRole(*role)
	return nil
}

func (r roleStore) Delete(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return notFound("role")
	}
	delete(s.roles, id)
	for _, held := range s.assigned {
		delete(held, id)
	}
	return nil
}

func (r roleStore) FindByID(_ context.Context, id string) (auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, ok := r.s.roles[id]
	if !ok {
		return auth.Role{}, notFound("role")
	}
	return cloneRole(role), nil
}

func (r roleStore) FindByName(_ context.Context, name string) (auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, role := range r.s.roles {
		if strings.EqualFold(role.Name, strings.TrimSpace(name)) {
			return cloneRole(role), nil
		}
	}
	return auth.Role{}, notFound("role")
}

func (r roleStore) List(_ context.Context) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		out = append(out, cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r roleStore) Assign(_ context.Context, accountID, roleID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return notFound("account")
	}
	if _, ok := s.roles[roleID]; !ok {
		return notFound("role")
	}
	held := s.assigned[accountID]
	if held == nil {
		held = make(map[string]time.Time)
		s.assigned[accountID] = held
	}
	if _, ok := held[roleID]; !ok {
		held[roleID] = s.now().UTC()
	}
	return nil
}

func (r roleStore) Unassign(_ context.Context, accountID, roleID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assigned[accountID][roleID]; !ok {
		return notFound("role assignment")
	}
	delete(s.assigned[accountID], roleID)
	return nil
}

func (r roleStore) RolesForAccount(_ context.Context, accountID string) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []auth.Role
	for roleID := range r.s.assigned[accountID] {
		if role, ok := r.s.roles[roleID]; ok {
			out = append(out, cloneRole(role))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r roleStore) CountAssignments(_ context.Context, roleID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, held := range r.s.assigned {
		if _, ok := held[roleID]; ok {
			n++
		}
	}
	return n, nil
}

type credentialStore struct{ s *Store }

func (c credentialStore) Create(_ context.Context, rec *auth.TokenRecord) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[rec.JTI]; exists {
		return fmt.Errorf("%w: jti collision", auth.ErrConflict)
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.tokens[rec.JTI] = cloneRecord(*rec)
	return nil
}

func (c credentialStore) FindByJTI(_ context.Context, jti string) (auth.TokenRecord, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	rec, ok := c.s.tokens[jti]
	if !ok {
		return auth.TokenRecord{}, notFound("token")
	}
	return cloneRecord(rec), nil
}

func (c credentialStore) FindByID(_ context.Context, id string) (auth.TokenRecord, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	for _, rec := range c.s.tokens {
		if rec.ID == id {
			return cloneRecord(rec), nil
		}
	}
	return auth.TokenRecord{}, notFound("token")
}

func (c credentialStore) ListActiveRefreshTokens(_ context.Context, accountID string, now time.Time) ([]auth.TokenRecord, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []auth.TokenRecord
	for _, rec := range c.s.tokens {
		if rec.AccountID == accountID && rec.Type == auth.TokenRefresh && rec.ExpiresAt.After(now) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out, nil
}

func (c credentialStore) DeleteByJTI(_ context.Context, jti string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.tokens[jti]; !ok {
		return false, nil
	}
	delete(c.s.tokens, jti)
	return true, nil
}

func (c credentialStore) Touch(_ context.Context, accountID, sessionID string, at time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for jti, rec := range c.s.tokens {
		if rec.AccountID == accountID && rec.SessionID == sessionID && at.After(rec.LastUsedAt) {
			rec.LastUsedAt = at
			c.s.tokens[jti] = rec
		}
	}
	return nil
}

// revokeLocked ledgers and deletes every record selected by match. Caller holds the write lock.
func (c credentialStore) revokeLocked(at time.Time, match func(auth.TokenRecord) bool) int {
	n := 0
	for jti, rec := range c.s.tokens {
		if !match(rec) {
			continue
		}
		if _, exists := c.s.ledger[jti]; !exists {
			c.s.ledger[jti] = auth.LedgerEntry{
				JTI: jti, AccountID: rec.AccountID, Type: rec.Type,
				ExpiresAt: rec.ExpiresAt, BlacklistedAt: at,
			}
		}
		delete(c.s.tokens, jti)
		n++
	}
	return n
}

func (c credentialStore) RevokeSession(_ context.Context, accountID, sessionID string, at time.Time) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.revokeLocked(at, func(rec auth.TokenRecord) bool {
		return rec.AccountID == accountID && rec.SessionID == sessionID
	}), nil
}

func (c credentialStore) RevokeAll(_ context.Context, accountID, exceptJTI string, at time.Time) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	keepSession := ""
	if rec, ok := c.s.tokens[exceptJTI]; ok && exceptJTI != "" && rec.AccountID == accountID {
		keepSession = rec.SessionID
	}
	return c.revokeLocked(at, func(rec auth.TokenRecord) bool {
		if rec.AccountID != accountID || rec.JTI == exceptJTI {
			return false
		}
		return keepSession == "" || rec.SessionID != keepSession
	}), nil
}

func (c credentialStore) Blacklist(_ context.Context, entry auth.LedgerEntry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, exists := c.s.ledger[entry.JTI]; !exists {
		c.s.ledger[entry.JTI] = entry
	}
	return nil
}

func (c credentialStore) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	_, ok := c.s.ledger[jti]
	return ok, nil
}

func (c credentialStore) PurgeExpiredLedgerEntries(_ context.Context, now time.Time) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var n int64
	for jti, entry := range c.s.ledger {
		if !entry.ExpiresAt.After(now) {
			delete(c.s.ledger, jti)
			n++
		}
	}
	return n, nil
}
