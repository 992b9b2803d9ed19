package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// smoke runs signup -> login -> me -> refresh -> logout against a live authcore.
func main() {
	base := strings.TrimRight(os.Getenv("AUTHCORE_URL"), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString()[:8])
	password := "smoke-" + uuid.NewString()[:12]

	if _, err := c.call(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email": email, "password": password, "first_name": "Smoke",
	}, http.StatusCreated); err != nil {
		log.Fatalf("signup: %v", err)
	}

	login, err := c.call(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": email, "password": password,
	}, http.StatusOK)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	access, _ := login["access_token"].(string)
	refresh, _ := login["refresh_token"].(string)
	if access == "" || refresh == "" {
		log.Fatalf("login returned no tokens: %v", login)
	}

	me, err := c.call(ctx, http.MethodGet, "/v1/auth/me", access, nil, http.StatusOK)
	if err != nil {
		log.Fatalf("me: %v", err)
	}
	user, _ := me["user"].(map[string]any)
	if user == nil || user["email"] != email {
		log.Fatalf("me returned the wrong account: %v", me)
	}

	rotated, err := c.call(ctx, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"grant_type": "refresh_token", "refresh_token": refresh,
	}, http.StatusOK)
	if err != nil {
		log.Fatalf("refresh: %v", err)
	}
	if _, err := c.call(ctx, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"grant_type": "refresh_token", "refresh_token": refresh,
	}, http.StatusUnauthorized); err != nil {
		log.Fatalf("refresh replay: %v", err)
	}

	newAccess, _ := rotated["access_token"].(string)
	if _, err := c.call(ctx, http.MethodPost, "/v1/auth/logout", newAccess, nil, http.StatusNoContent); err != nil {
		log.Fatalf("logout: %v", err)
	}
	if _, err := c.call(ctx, http.MethodGet, "/v1/auth/me", newAccess, nil, http.StatusUnauthorized); err != nil {
		log.Fatalf("me after logout: %v", err)
	}

	fmt.Printf("✅ authcore smoke test passed: account=%v\n", user["id"])
}

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path, token string, body any, want int) (map[string]any, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "authcore-smoke")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s %s: expected %d, got %d: %s", method, path, want, resp.StatusCode, bytes.TrimSpace(raw))
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return out, nil
}
