package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/config"
	"qazna.org/authcore/internal/httpapi"
	"qazna.org/authcore/internal/obs"
	"qazna.org/authcore/internal/store/memory"
	"qazna.org/authcore/internal/store/pg"
)

type backend interface {
	auth.Store
	httpapi.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	// Postgres, если задан DSN; иначе in-memory (только для разработки)
	var store backend
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN, pg.WithTimeout(cfg.StoreTimeout))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		obs.LogEvent("warn", "AUTH_PG_DSN is empty, using the in-memory store", nil)
		store = memory.New()
	}

	ledger, err := auth.NewLedgerCache(store.Credentials(), cfg.LedgerCacheSize)
	if err != nil {
		log.Fatalf("ledger cache: %v", err)
	}
	defer ledger.Close()
	cached := auth.WithLedgerCache(store, ledger)

	key, err := cfg.SigningKey()
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}
	keys, err := auth.NewKeyring(key)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	tokenOpts := []auth.TokenOption{
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithEmailVerificationTTL(cfg.EmailVerificationTTL),
		auth.WithPasswordResetTTL(cfg.PasswordResetTTL),
	}
	if cfg.RefreshReuseDetection {
		tokenOpts = append(tokenOpts, auth.WithReuseDetection(cfg.ReuseDetectionSize))
	}
	tokens, err := auth.NewTokenService(cached, keys, tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	defer tokens.Close()

	directory := auth.NewDirectory(cached)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := directory.EnsureDefaultRoles(startCtx); err != nil {
		cancelStart()
		log.Fatalf("seed default roles: %v", err)
	}
	cancelStart()

	verifier, err := auth.NewProviderVerifier(&http.Client{Timeout: cfg.JWKSTimeout}, cfg.Providers()...)
	if err != nil {
		log.Fatalf("identity providers: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Tokens: tokens,
		Gate:   auth.NewGate(tokens, cached, auth.WithLastUsedTracking(cfg.TrackLastUsed)),
		Accounts: auth.NewAccountService(cached, tokens, directory,
			auth.WithMailer(auth.LogMailer{}),
			auth.WithSignupRole(cfg.DefaultRole),
		),
		Resolver:  auth.NewResolver(cached, verifier, tokens, directory, auth.WithDefaultRole(cfg.DefaultRole)),
		Devices:   auth.NewDeviceRegistry(cached),
		Directory: directory,
		Ready:     httpapi.ReadyProbe{Store: store},
		Version:   obs.Version,
	}, httpapi.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		CORSOrigins:    cfg.CORSOrigins,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := auth.NewSweeper(cached,
		auth.WithSweepSchedule(cfg.LedgerPurgeInterval, cfg.LedgerPurgeOffset),
		auth.WithSweepTimeout(cfg.StoreTimeout),
	)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.LogEvent("info", "starting authcore", map[string]any{
		"version": obs.Version,
		"addr":    srv.Addr,
		"key_id":  key.ID,
		"store":   storeKind(cfg),
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.LogEvent("info", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.LogEvent("error", "http shutdown failed", map[string]any{"error": err.Error()})
	}
	<-sweepDone
	obs.LogEvent("info", "stopped", nil)
}

func storeKind(cfg config.Config) string {
	if cfg.PGDSN != "" {
		return "postgres"
	}
	return "memory"
}
