package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rr2.Header().Get("Retry-After"))
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if errorCode(t, body) != "rate_limited" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	// другой IP получает свой bucket
	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per IP, got %d", rr3.Code)
	}
}

func TestPublicRoutesAreRateLimited(t *testing.T) {
	s := newTestServer(t, Options{RateLimitRPS: 0.01, RateLimitBurst: 1})

	s.expect(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "a@x.com", "password": "nope12"}, http.StatusUnauthorized)
	s.expect(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "a@x.com", "password": "nope12"}, http.StatusTooManyRequests)
	// operational routes stay open
	s.expect(http.MethodGet, "/healthz", "", nil, http.StatusOK)
}

func TestRequestIDEchoed(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "client-rid")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "client-rid" || rr.Header().Get(requestIDHeader) != "client-rid" {
		t.Fatalf("client request id not propagated: ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 26 || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected generated ULID, got %q", seen)
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	obs.SetOutput(&buf)
	t.Cleanup(func() { obs.SetOutput(io.Discard) })

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		noteAccount(r.Context(), "acct-1")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "duration_ms", "remote_ip"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("log entry missing %q: %v", key, entry)
		}
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["account_id"] != "acct-1" || entry["user_agent"] != "middleware-test" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	handler := CORS(SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})), "https://app.example.com/")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allowed origin not echoed: %v", rr.Header())
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("security headers missing: %v", rr.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected preflight: %d %v", rr.Code, rr.Header())
	}
}

func TestMaxBodyBytes(t *testing.T) {
	s := newTestServer(t, Options{MaxBodyBytes: 64})
	out := s.expect(http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email": "a@x.com", "password": strings.Repeat("p", 128),
	}, http.StatusBadRequest)
	if errorCode(t, out) != "bad_request" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestDeviceFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone) Mobile")
	req.Header.Set("X-Device-ID", "dev-1")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	d := deviceFromRequest(req)
	if d.DeviceID != "dev-1" || d.DeviceType != auth.DeviceMobile || d.IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected device: %+v", d)
	}
}
