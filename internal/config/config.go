package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"qazna.org/authcore/internal/auth"
)

// Config is the environment-driven configuration of the auth service.
type Config struct {
	HTTPAddr     string        `env:"AUTH_HTTP_ADDR" envDefault:":8080"`
	PGDSN        string        `env:"AUTH_PG_DSN"`
	StoreTimeout time.Duration `env:"AUTH_STORE_TIMEOUT" envDefault:"5s"`

	Issuer   string `env:"JWT_ISSUER" envDefault:"api.yourapp.com"`
	Audience string `env:"JWT_AUDIENCE" envDefault:"yourapp.com"`

	SigningSecret        string `env:"AUTH_SIGNING_SECRET"`
	SigningKeyFile       string `env:"AUTH_SIGNING_KEY_FILE"`
	SigningPublicKeyFile string `env:"AUTH_SIGNING_PUBLIC_KEY_FILE"`
	KeyID                string `env:"AUTH_KEY_ID" envDefault:"primary"`

	AccessTTL            time.Duration `env:"AUTH_ACCESS_TTL" envDefault:"1h"`
	RefreshTTL           time.Duration `env:"AUTH_REFRESH_TTL" envDefault:"720h"`
	EmailVerificationTTL time.Duration `env:"AUTH_EMAIL_VERIFICATION_TTL" envDefault:"24h"`
	PasswordResetTTL     time.Duration `env:"AUTH_PASSWORD_RESET_TTL" envDefault:"1h"`
	DefaultRole          string        `env:"AUTH_DEFAULT_ROLE" envDefault:"Member"`

	LedgerPurgeInterval time.Duration `env:"AUTH_LEDGER_PURGE_INTERVAL" envDefault:"1h"`
	LedgerPurgeOffset   time.Duration `env:"AUTH_LEDGER_PURGE_OFFSET" envDefault:"5m"`
	LedgerCacheSize     int64         `env:"AUTH_LEDGER_CACHE_SIZE" envDefault:"100000"`

	RateLimitRPS   float64  `env:"AUTH_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int      `env:"AUTH_RATE_LIMIT_BURST" envDefault:"20"`
	MaxBodyBytes   int64    `env:"AUTH_MAX_BODY_BYTES" envDefault:"1048576"`
	CORSOrigins    []string `env:"AUTH_CORS_ORIGINS" envSeparator:","`

	TrackLastUsed         bool  `env:"AUTH_TRACK_LAST_USED" envDefault:"true"`
	RefreshReuseDetection bool  `env:"AUTH_REFRESH_REUSE_DETECTION" envDefault:"false"`
	ReuseDetectionSize    int64 `env:"AUTH_REFRESH_REUSE_SET_SIZE" envDefault:"100000"`

	GoogleClientID string        `env:"GOOGLE_CLIENT_ID"`
	AppleClientID  string        `env:"APPLE_CLIENT_ID"`
	FacebookAppID  string        `env:"FACEBOOK_APP_ID"`
	JWKSTimeout    time.Duration `env:"AUTH_JWKS_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.PGDSN = strings.TrimSpace(c.PGDSN)
	c.KeyID = strings.TrimSpace(c.KeyID)
	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
}

// Validate checks cross-field constraints the env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	hasSecret := c.SigningSecret != ""
	hasKeyFile := c.SigningKeyFile != ""
	switch {
	case hasSecret && hasKeyFile:
		errs = append(errs, errors.New("set either AUTH_SIGNING_SECRET or AUTH_SIGNING_KEY_FILE, not both"))
	case !hasSecret && !hasKeyFile:
		errs = append(errs, errors.New("a signing key is required: AUTH_SIGNING_SECRET or AUTH_SIGNING_KEY_FILE"))
	case hasSecret && len(c.SigningSecret) < 32:
		errs = append(errs, errors.New("AUTH_SIGNING_SECRET must be at least 32 bytes"))
	}
	if c.KeyID == "" {
		errs = append(errs, errors.New("AUTH_KEY_ID must not be empty"))
	}
	for name, ttl := range map[string]time.Duration{
		"AUTH_ACCESS_TTL":             c.AccessTTL,
		"AUTH_REFRESH_TTL":            c.RefreshTTL,
		"AUTH_EMAIL_VERIFICATION_TTL": c.EmailVerificationTTL,
		"AUTH_PASSWORD_RESET_TTL":     c.PasswordResetTTL,
		"AUTH_STORE_TIMEOUT":          c.StoreTimeout,
		"AUTH_LEDGER_PURGE_INTERVAL":  c.LedgerPurgeInterval,
		"AUTH_JWKS_TIMEOUT":           c.JWKSTimeout,
	} {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.AccessTTL > 0 && c.RefreshTTL > 0 && c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New("AUTH_ACCESS_TTL must be shorter than AUTH_REFRESH_TTL"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("AUTH_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// SigningKey builds the active signing key from the configured secret or PEM files.
func (c Config) SigningKey() (auth.SigningKey, error) {
	if c.SigningSecret != "" {
		return auth.NewHMACKey(c.KeyID, []byte(c.SigningSecret))
	}
	private, err := os.ReadFile(c.SigningKeyFile)
	if err != nil {
		return auth.SigningKey{}, fmt.Errorf("read signing key: %w", err)
	}
	var public []byte
	if c.SigningPublicKeyFile != "" {
		if public, err = os.ReadFile(c.SigningPublicKeyFile); err != nil {
			return auth.SigningKey{}, fmt.Errorf("read public key: %w", err)
		}
	}
	return auth.NewRSAKey(c.KeyID, string(private), string(public))
}

// Providers returns the identity provider configs; entries without a client id are skipped downstream.
func (c Config) Providers() []auth.ProviderConfig {
	return []auth.ProviderConfig{
		auth.GoogleProvider(c.GoogleClientID),
		auth.AppleProvider(c.AppleClientID),
		auth.FacebookProvider(c.FacebookAppID),
	}
}
