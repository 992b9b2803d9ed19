package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"qazna.org/authcore/internal/obs"
)

const (
	defaultJWKSTTL      = time.Hour
	minJWKSForceRefresh = time.Minute
	jwksFetchAttempts   = 3
	jwksBackoff         = 200 * time.Millisecond
	maxJWKSBody         = 1 << 20
)

type jwksSnapshot struct {
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

// JWKSClient fetches and caches a provider's RSA signing keys.
type JWKSClient struct {
	provider Provider
	url      string
	client   *http.Client
	now      func() time.Time

	keys       atomic.Pointer[jwksSnapshot]
	lastForced atomic.Int64
	group      singleflight.Group
}

// NewJWKSClient constructs a client for the key set published at url.
func NewJWKSClient(provider Provider, url string, client *http.Client) *JWKSClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSClient{provider: provider, url: url, client: client, now: time.Now}
}

// Key returns the public key for kid, refreshing the cached set when it is stale or does not
// know kid. Unknown-kid refreshes are limited to one per minute.
func (c *JWKSClient) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := c.now()
	snap := c.keys.Load()
	if snap != nil {
		if key, ok := snap.keys[kid]; ok && now.Before(snap.expiresAt) {
			return key, nil
		}
		if now.Before(snap.expiresAt) {
			last := time.Unix(0, c.lastForced.Load())
			if now.Sub(last) < minJWKSForceRefresh {
				return nil, fmt.Errorf("%w: unknown signing key %q", ErrInvalidAssertion, kid)
			}
			c.lastForced.Store(now.UnixNano())
		}
	}
	fresh, err := c.refresh(ctx)
	if err != nil {
		if snap != nil {
			if key, ok := snap.keys[kid]; ok {
				return key, nil
			}
		}
		return nil, err
	}
	key, ok := fresh.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key %q", ErrInvalidAssertion, kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh(ctx context.Context) (*jwksSnapshot, error) {
	v, err, _ := c.group.Do(c.url, func() (any, error) {
		return c.fetchWithRetry(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jwksSnapshot), nil
}

func (c *JWKSClient) fetchWithRetry(ctx context.Context) (*jwksSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < jwksFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: fetch %s keys: %v", ErrUnavailable, c.provider, ctx.Err())
			case <-time.After(jwksBackoff << (attempt - 1)):
			}
		}
		snap, retryable, err := c.fetch(ctx)
		if err == nil {
			c.keys.Store(snap)
			obs.RecordJWKSFetch(string(c.provider), "ok")
			return snap, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	obs.RecordJWKSFetch(string(c.provider), "error")
	obs.LogEvent("error", "jwks fetch failed", map[string]any{
		"provider": string(c.provider),
		"error":    lastErr.Error(),
	})
	return nil, fmt.Errorf("%w: fetch %s keys: %v", ErrUnavailable, c.provider, lastErr)
}

type jwkDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (c *JWKSClient) fetch(ctx context.Context) (*jwksSnapshot, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var doc jwkDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("decode key set: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			return nil, false, fmt.Errorf("key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, false, errors.New("key set contains no RSA signing keys")
	}
	return &jwksSnapshot{keys: keys, expiresAt: c.now().Add(cacheMaxAge(resp.Header.Get("Cache-Control")))}, false, nil
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(n, "="))
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(e, "="))
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid RSA parameters")
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

func cacheMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultJWKSTTL
}
