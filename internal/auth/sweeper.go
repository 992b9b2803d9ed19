package auth

import (
	"context"
	"errors"
	"time"

	"qazna.org/authcore/internal/obs"
)

const (
	defaultSweepInterval = time.Hour
	defaultSweepOffset   = 5 * time.Minute
	defaultSweepTimeout  = 30 * time.Second
)

// Sweeper periodically removes ledger entries whose credential has expired anyway.
type Sweeper struct {
	creds    CredentialStore
	interval time.Duration
	offset   time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepSchedule sets the run interval and the offset into each interval.
func WithSweepSchedule(interval, offset time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
		if offset >= 0 {
			s.offset = offset % s.interval
		}
	}
}

// WithSweepTimeout bounds a single purge.
func WithSweepTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSweeper constructs a Sweeper over the store's credentials.
func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		creds:    store.Credentials(),
		interval: defaultSweepInterval,
		offset:   defaultSweepOffset,
		timeout:  defaultSweepTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the first run time strictly after t: the next interval boundary plus offset.
func (s *Sweeper) Next(t time.Time) time.Time {
	next := t.Truncate(s.interval).Add(s.offset)
	for !next.After(t) {
		next = next.Add(s.interval)
	}
	return next
}

// Run blocks until ctx is cancelled, purging on schedule.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		wait := s.Next(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			obs.LogEvent("error", "ledger sweep failed", map[string]any{"error": err.Error()})
		}
	}
}

// Sweep performs one purge.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := s.now()
	n, err := s.creds.PurgeExpiredLedgerEntries(ctx, start.UTC())
	if err != nil {
		return 0, err
	}
	obs.RecordLedgerPurge(n)
	obs.LogEvent("info", "ledger sweep complete", map[string]any{
		"purged":      n,
		"duration_ms": s.now().Sub(start).Milliseconds(),
	})
	return n, nil
}
