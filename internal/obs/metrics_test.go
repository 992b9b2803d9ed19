package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/users/01HX":                  "/v1/users/:id",
		"/v1/users/01HX/roles":            "/v1/users/:id/roles",
		"/v1/users/01HX/roles/r1":         "/v1/users/:id/roles/:role",
		"/v1/users?page=2":                "/v1/users",
		"/v1/roles/r1":                    "/v1/roles/:id",
		"/v1/auth/devices":                "/v1/auth/devices",
		"/v1/auth/devices/abc":            "/v1/auth/devices/:id",
		"/v1/auth/devices/revoke-all":     "/v1/auth/devices/revoke-all",
		"/v1/auth/devices/users/u1":       "/v1/auth/devices/users/:user",
		"/v1/auth/devices/users/u1/abc":   "/v1/auth/devices/users/:user/:id",
		"/v1/auth/login":                  "/v1/auth/login",
		"/v1/auth/verify-email?token=abc": "/v1/auth/verify-email",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogEventWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nopWriter{}) })

	LogEvent("warn", "refresh token reuse detected", map[string]any{"account_id": "a1", "level": "ignored"})

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, line)
	}
	if entry["level"] != "warn" || entry["msg"] != "refresh token reuse detected" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["account_id"] != "a1" {
		t.Fatalf("missing field: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("missing ts: %v", entry)
	}
}

func TestRecordHelpersIgnoreNonPositive(t *testing.T) {
	RecordRevocations("logout", 0)
	RecordLedgerPurge(-1)
	RecordTokenIssued("access")
	RecordTokenRejected("expired")
	RecordJWKSFetch("google", "ok")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
