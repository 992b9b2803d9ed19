package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
	"qazna.org/authcore/internal/store/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// captureMailer keeps the last message per recipient and kind.
type captureMailer struct {
	mu   sync.Mutex
	sent map[string]auth.Message
}

func (m *captureMailer) Send(_ context.Context, msg auth.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[string]auth.Message)
	}
	m.sent[msg.To+"|"+string(msg.Kind)] = msg
	return nil
}

func (m *captureMailer) token(t *testing.T, to string, kind auth.MailKind) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.sent[to+"|"+string(kind)]
	if !ok || msg.Token == "" {
		t.Fatalf("no %s message for %s", kind, to)
	}
	return msg.Token
}

// stubVerifier accepts the raw assertions it was seeded with.
type stubVerifier struct {
	assertions map[string]*auth.ExternalIdentityClaims
}

func (v stubVerifier) VerifyAssertion(_ context.Context, raw string) (auth.Provider, *auth.ExternalIdentityClaims, error) {
	claims, ok := v.assertions[raw]
	if !ok {
		return "", nil, auth.ErrInvalidAssertion
	}
	return auth.ProviderGoogle, claims, nil
}

type testServer struct {
	t         *testing.T
	url       string
	client    *http.Client
	store     *memory.Store
	directory *auth.Directory
	mailer    *captureMailer
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	obs.SetOutput(io.Discard)

	key, err := auth.NewHMACKey("k1", testSecret)
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	keys, err := auth.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	store := memory.New()
	tokens, err := auth.NewTokenService(store, keys, auth.WithReuseDetection(1000))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	t.Cleanup(tokens.Close)
	directory := auth.NewDirectory(store)
	if err := directory.EnsureDefaultRoles(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultRoles: %v", err)
	}
	mailer := &captureMailer{}
	verifier := stubVerifier{assertions: map[string]*auth.ExternalIdentityClaims{
		"google-b": {
			Email:            "b@x.com",
			Name:             "Bee",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "g-100"},
		},
	}}

	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS = 1000
		opts.RateLimitBurst = 1000
	}
	api := New(Deps{
		Tokens:    tokens,
		Gate:      auth.NewGate(tokens, store, auth.WithLastUsedTracking(true)),
		Accounts:  auth.NewAccountService(store, tokens, directory, auth.WithMailer(mailer)),
		Resolver:  auth.NewResolver(store, verifier, tokens, directory),
		Devices:   auth.NewDeviceRegistry(store),
		Directory: directory,
		Ready:     ReadyProbe{Store: store},
		Version:   "test",
	}, opts)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testServer{
		t:         t,
		url:       srv.URL,
		client:    srv.Client(),
		store:     store,
		directory: directory,
		mailer:    mailer,
	}
}

// do sends a JSON request and decodes a JSON response, if any.
func (s *testServer) do(method, path, token string, body any) (*http.Response, map[string]any) {
	s.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.url+path, payload)
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read body: %v", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		s.t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
	}
	return resp, out
}

func (s *testServer) expect(method, path, token string, body any, status int) map[string]any {
	s.t.Helper()
	resp, out := s.do(method, path, token, body)
	if resp.StatusCode != status {
		s.t.Fatalf("%s %s: expected %d, got %d (%v)", method, path, status, resp.StatusCode, out)
	}
	return out
}

// signup registers a local account and returns its id.
func (s *testServer) signup(email, password string) string {
	s.t.Helper()
	out := s.expect(http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email": email, "password": password, "first_name": "Test",
	}, http.StatusCreated)
	return out["user"].(map[string]any)["id"].(string)
}

// login returns the access and refresh tokens.
func (s *testServer) login(email, password string) (string, string) {
	s.t.Helper()
	out := s.expect(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": email, "password": password,
	}, http.StatusOK)
	return out["access_token"].(string), out["refresh_token"].(string)
}

// admin creates an account holding System Admin and returns its access token.
func (s *testServer) admin(email string) string {
	s.t.Helper()
	id := s.signup(email, "secret1")
	if _, err := s.directory.AssignRoleByName(context.Background(), id, "System Admin"); err != nil {
		s.t.Fatalf("assign admin: %v", err)
	}
	access, _ := s.login(email, "secret1")
	return access
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}
