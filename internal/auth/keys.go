package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretBytes = 32

// SigningKey is one signing/verification key identified by ID (the JWT "kid").
type SigningKey struct {
	ID     string
	method jwt.SigningMethod
	sign   any
	verify any
}

// Method returns the JWT algorithm name.
func (k SigningKey) Method() string {
	if k.method == nil {
		return ""
	}
	return k.method.Alg()
}

// NewHMACKey builds an HS256 key. The secret must be at least 32 bytes.
func NewHMACKey(id string, secret []byte) (SigningKey, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SigningKey{}, errors.New("auth: key id is required")
	}
	if len(secret) < minSecretBytes {
		return SigningKey{}, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretBytes)
	}
	material := make([]byte, len(secret))
	copy(material, secret)
	return SigningKey{ID: id, method: jwt.SigningMethodHS256, sign: material, verify: material}, nil
}

// NewRSAKey builds an RS256 key from PEM data. An empty publicPEM derives the public half
// from the private key.
func NewRSAKey(id, privatePEM, publicPEM string) (SigningKey, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SigningKey{}, errors.New("auth: key id is required")
	}
	privatePEM = strings.TrimSpace(privatePEM)
	if privatePEM == "" {
		return SigningKey{}, errors.New("auth: private key is required")
	}
	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub := &priv.PublicKey
	if strings.TrimSpace(publicPEM) != "" {
		pub, err = parseRSAPublicKey(strings.TrimSpace(publicPEM))
		if err != nil {
			return SigningKey{}, fmt.Errorf("auth: parse public key: %w", err)
		}
		if pub.N.Cmp(priv.N) != 0 || pub.E != priv.E {
			return SigningKey{}, errors.New("auth: public key does not match private key")
		}
	}
	return SigningKey{ID: id, method: jwt.SigningMethodRS256, sign: priv, verify: pub}, nil
}

// KeySet is an immutable snapshot: one active key for signing plus every key accepted for
// verification.
type KeySet struct {
	Version uint64
	active  SigningKey
	keys    map[string]SigningKey
}

// Active returns the signing key.
func (ks *KeySet) Active() SigningKey { return ks.active }

func (ks *KeySet) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(ks.active.method, claims)
	token.Header["kid"] = ks.active.ID
	return token.SignedString(ks.active.sign)
}

func (ks *KeySet) keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	key, ok := ks.keys[kid]
	if !ok {
		if kid != "" {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		key = ks.active
	}
	if token.Method.Alg() != key.method.Alg() {
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
	return key.verify, nil
}

func (ks *KeySet) methods() []string {
	seen := make(map[string]struct{}, len(ks.keys))
	var out []string
	for _, k := range ks.keys {
		alg := k.method.Alg()
		if _, ok := seen[alg]; ok {
			continue
		}
		seen[alg] = struct{}{}
		out = append(out, alg)
	}
	return out
}

// Keyring holds the current KeySet and swaps it atomically on rotation. A verification binds
// to the snapshot it loaded and is unaffected by a concurrent Rotate.
type Keyring struct {
	current atomic.Pointer[KeySet]
}

// NewKeyring creates a keyring signing with active and also accepting retained keys.
func NewKeyring(active SigningKey, retained ...SigningKey) (*Keyring, error) {
	ks, err := newKeySet(1, active, retained)
	if err != nil {
		return nil, err
	}
	k := &Keyring{}
	k.current.Store(ks)
	return k, nil
}

// Current returns the snapshot in effect.
func (k *Keyring) Current() *KeySet {
	return k.current.Load()
}

// Rotate installs a new active key. Retained keys stay valid for verification so tokens signed
// before the rotation keep working until they expire.
func (k *Keyring) Rotate(active SigningKey, retained ...SigningKey) error {
	for {
		old := k.current.Load()
		ks, err := newKeySet(old.Version+1, active, retained)
		if err != nil {
			return err
		}
		if k.current.CompareAndSwap(old, ks) {
			return nil
		}
	}
}

func newKeySet(version uint64, active SigningKey, retained []SigningKey) (*KeySet, error) {
	if active.method == nil || active.sign == nil {
		return nil, errors.New("auth: active signing key is not initialised")
	}
	keys := make(map[string]SigningKey, len(retained)+1)
	for _, k := range retained {
		if k.method == nil || k.verify == nil {
			return nil, fmt.Errorf("auth: retained key %q is not initialised", k.ID)
		}
		keys[k.ID] = k
	}
	keys[active.ID] = active
	return &KeySet{Version: version, active: active, keys: keys}, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
