package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/authcore/internal/obs"
)

// DetectDeviceType classifies a User-Agent header.
func DetectDeviceType(userAgent string) DeviceType {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return DeviceOther
	case strings.Contains(ua, "mobile"):
		return DeviceMobile
	case strings.Contains(ua, "tablet"):
		return DeviceTablet
	case strings.Contains(ua, "mozilla"), strings.Contains(ua, "chrome"), strings.Contains(ua, "safari"):
		return DeviceDesktop
	default:
		return DeviceOther
	}
}

// DeviceRegistry lists and revokes the sessions of an account.
type DeviceRegistry struct {
	creds CredentialStore
	now   func() time.Time
}

// NewDeviceRegistry constructs a registry over the store's credential records.
func NewDeviceRegistry(store Store) *DeviceRegistry {
	return &DeviceRegistry{creds: store.Credentials(), now: time.Now}
}

// ListDevices returns one entry per active refresh token. When ctx carries the caller's access
// claims, the caller's own session is marked current.
func (r *DeviceRegistry) ListDevices(ctx context.Context, accountID string) ([]DeviceSummary, error) {
	records, err := r.creds.ListActiveRefreshTokens(ctx, accountID, r.now().UTC())
	if err != nil {
		return nil, err
	}
	var currentSession string
	if claims, ok := ClaimsFromContext(ctx); ok && claims.Subject == accountID {
		currentSession = claims.SessionID
	}
	out := make([]DeviceSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, DeviceSummary{
			ID:         rec.ID,
			Device:     rec.Device,
			LastUsedAt: rec.LastUsedAt,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			Current:    currentSession != "" && rec.SessionID == currentSession,
		})
	}
	return out, nil
}

// RevokeDevice revokes the session behind the token row id. A row owned by another account is
// reported exactly like a missing one.
func (r *DeviceRegistry) RevokeDevice(ctx context.Context, accountID, tokenRowID string) error {
	rec, err := r.creds.FindByID(ctx, strings.TrimSpace(tokenRowID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: device not found", ErrNotFound)
		}
		return err
	}
	if rec.AccountID != accountID {
		return fmt.Errorf("%w: device not found", ErrNotFound)
	}
	now := r.now().UTC()
	if rec.SessionID == "" {
		if err := r.creds.Blacklist(ctx, LedgerEntry{
			JTI: rec.JTI, AccountID: rec.AccountID, Type: rec.Type, ExpiresAt: rec.ExpiresAt, BlacklistedAt: now,
		}); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
		if _, err := r.creds.DeleteByJTI(ctx, rec.JTI); err != nil {
			return err
		}
		obs.RecordRevocations("device", 1)
		return nil
	}
	n, err := r.creds.RevokeSession(ctx, accountID, rec.SessionID, now)
	if err != nil {
		return err
	}
	obs.RecordRevocations("device", n)
	return nil
}

// RevokeAllExceptCurrent revokes every session of the account except the one holding
// currentJTI. An empty currentJTI revokes everything.
func (r *DeviceRegistry) RevokeAllExceptCurrent(ctx context.Context, accountID, currentJTI string) (int, error) {
	currentJTI = strings.TrimSpace(currentJTI)
	if currentJTI != "" {
		rec, err := r.creds.FindByJTI(ctx, currentJTI)
		switch {
		case errors.Is(err, ErrNotFound):
			currentJTI = ""
		case err != nil:
			return 0, err
		case rec.AccountID != accountID:
			currentJTI = ""
		}
	}
	n, err := r.creds.RevokeAll(ctx, accountID, currentJTI, r.now().UTC())
	if err != nil {
		return 0, err
	}
	obs.RecordRevocations("revoke_all", n)
	return n, nil
}
