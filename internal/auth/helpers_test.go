package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/store/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store     *memory.Store
	keys      *auth.Keyring
	tokens    *auth.TokenService
	directory *auth.Directory
	clock     *fakeClock
}

func newEnv(t *testing.T, opts ...auth.TokenOption) *testEnv {
	t.Helper()
	key, err := auth.NewHMACKey("k1", testSecret)
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	keys, err := auth.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	clock := newClock()
	store := memory.New()
	opts = append([]auth.TokenOption{auth.WithClock(clock.Now)}, opts...)
	tokens, err := auth.NewTokenService(store, keys, opts...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	t.Cleanup(tokens.Close)
	directory := auth.NewDirectory(store)
	if err := directory.EnsureDefaultRoles(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultRoles: %v", err)
	}
	return &testEnv{store: store, keys: keys, tokens: tokens, directory: directory, clock: clock}
}

// account creates an active local account holding the named roles.
func (e *testEnv) account(t *testing.T, email string, roles ...string) auth.Account {
	t.Helper()
	ctx := context.Background()
	acct := auth.Account{Email: email, Status: auth.StatusActive, Provider: auth.ProviderLocal}
	if err := e.store.Accounts().Create(ctx, &acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	for _, name := range roles {
		if _, err := e.directory.AssignRoleByName(ctx, acct.ID, name); err != nil {
			t.Fatalf("assign %s: %v", name, err)
		}
	}
	return acct
}

func (e *testEnv) issue(t *testing.T, ctx context.Context, acct auth.Account) auth.TokenPair {
	t.Helper()
	roles, err := e.directory.RolesForAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	pair, err := e.tokens.Issue(ctx, acct, roles)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return pair
}
