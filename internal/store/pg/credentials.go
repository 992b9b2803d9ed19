package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

type credentialRepo struct{ s *Store }

const selectToken = `
	select id, jti, account_id, session_id, type, expires_at, last_used_at, device, created_at
	from auth_tokens`

func scanToken(row scanner) (auth.TokenRecord, error) {
	var (
		rec    auth.TokenRecord
		device []byte
	)
	if err := row.Scan(&rec.ID, &rec.JTI, &rec.AccountID, &rec.SessionID, &rec.Type, &rec.ExpiresAt,
		&rec.LastUsedAt, &device, &rec.CreatedAt); err != nil {
		return auth.TokenRecord{}, err
	}
	if len(device) > 0 && string(device) != "null" {
		rec.Device = &auth.DeviceInfo{}
		if err := json.Unmarshal(device, rec.Device); err != nil {
			return auth.TokenRecord{}, fmt.Errorf("decode device info: %w", err)
		}
	}
	return rec, nil
}

func (c credentialRepo) Create(ctx context.Context, rec *auth.TokenRecord) error {
	if c.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	var device []byte
	if rec.Device != nil {
		raw, err := json.Marshal(rec.Device)
		if err != nil {
			return fmt.Errorf("encode device info: %w", err)
		}
		device = raw
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = time.Now().UTC()
	}
	err := c.s.db.QueryRowContext(ctx, `
		insert into auth_tokens (id, jti, account_id, session_id, type, expires_at, last_used_at, device)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at
	`, rec.ID, rec.JTI, rec.AccountID, rec.SessionID, string(rec.Type), rec.ExpiresAt.UTC(),
		rec.LastUsedAt.UTC(), device).Scan(&rec.CreatedAt)
	return mapError(err, "token")
}

func (c credentialRepo) find(ctx context.Context, where string, arg any) (auth.TokenRecord, error) {
	if c.s.db == nil {
		return auth.TokenRecord{}, errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	rec, err := scanToken(c.s.db.QueryRowContext(ctx, selectToken+" where "+where, arg))
	if err != nil {
		return auth.TokenRecord{}, mapError(err, "token")
	}
	return rec, nil
}

func (c credentialRepo) FindByJTI(ctx context.Context, jti string) (auth.TokenRecord, error) {
	return c.find(ctx, "jti = $1", jti)
}

func (c credentialRepo) FindByID(ctx context.Context, id string) (auth.TokenRecord, error) {
	return c.find(ctx, "id = $1", id)
}

func (c credentialRepo) ListActiveRefreshTokens(ctx context.Context, accountID string, now time.Time) ([]auth.TokenRecord, error) {
	if c.s.db == nil {
		return nil, errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	rows, err := c.s.db.QueryContext(ctx, selectToken+`
		where account_id = $1 and type = $2 and expires_at > $3
		order by last_used_at desc, id desc
	`, accountID, string(auth.TokenRefresh), now.UTC())
	if err != nil {
		return nil, mapError(err, "token")
	}
	defer rows.Close()
	var out []auth.TokenRecord
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, mapError(rows.Err(), "token")
}

// DeleteByJTI is the single-use gate for refresh rotation: only one caller observes a deleted row.
func (c credentialRepo) DeleteByJTI(ctx context.Context, jti string) (bool, error) {
	if c.s.db == nil {
		return false, errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	res, err := c.s.db.ExecContext(ctx, `delete from auth_tokens where jti = $1`, jti)
	if err != nil {
		return false, mapError(err, "token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c credentialRepo) Touch(ctx context.Context, accountID, sessionID string, at time.Time) error {
	if c.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	_, err := c.s.db.ExecContext(ctx, `
		update auth_tokens set last_used_at = $3
		where account_id = $1 and session_id = $2 and last_used_at < $3
	`, accountID, sessionID, at.UTC())
	return mapError(err, "token")
}

// revoke moves the selected token rows into the ledger in one statement.
const revokeTokens = `
	with revoked as (
		delete from auth_tokens
		where %s
		returning jti, account_id, type, expires_at
	), ledgered as (
		insert into auth_token_ledger (jti, account_id, type, expires_at, blacklisted_at)
		select jti, account_id, type, expires_at, $%d from revoked
		on conflict (jti) do nothing
	)
	select count(*) from revoked`

func (c credentialRepo) revoke(ctx context.Context, where string, at time.Time, args ...any) (int, error) {
	if c.s.db == nil {
		return 0, errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	args = append(args, at.UTC())
	query := fmt.Sprintf(revokeTokens, where, len(args))
	var n int
	if err := c.s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, mapError(err, "token")
	}
	return n, nil
}

func (c credentialRepo) RevokeSession(ctx context.Context, accountID, sessionID string, at time.Time) (int, error) {
	return c.revoke(ctx, "account_id = $1 and session_id = $2", at, accountID, sessionID)
}

// RevokeAll keeps exceptJTI and its session siblings only when exceptJTI belongs to the account.
func (c credentialRepo) RevokeAll(ctx context.Context, accountID, exceptJTI string, at time.Time) (int, error) {
	return c.revoke(ctx, `account_id = $1 and jti <> $2 and session_id is distinct from (
			select session_id from auth_tokens where jti = $2 and account_id = $1
		)`, at, accountID, exceptJTI)
}

func (c credentialRepo) Blacklist(ctx context.Context, entry auth.LedgerEntry) error {
	if c.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	at := entry.BlacklistedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := c.s.db.ExecContext(ctx, `
		insert into auth_token_ledger (jti, account_id, type, expires_at, blacklisted_at)
		values ($1, $2, $3, $4, $5)
		on conflict (jti) do nothing
	`, entry.JTI, entry.AccountID, string(entry.Type), entry.ExpiresAt.UTC(), at.UTC())
	return mapError(err, "ledger entry")
}

func (c credentialRepo) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if c.s.db == nil {
		return false, errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	var exists bool
	err := c.s.db.QueryRowContext(ctx, `select exists (select 1 from auth_token_ledger where jti = $1)`, jti).Scan(&exists)
	if err != nil {
		return false, mapError(err, "ledger entry")
	}
	return exists, nil
}

func (c credentialRepo) PurgeExpiredLedgerEntries(ctx context.Context, now time.Time) (int64, error) {
	if c.s.db == nil {
		return 0, errUnavailable
	}
	ctx, cancel := c.s.ctx(ctx)
	defer cancel()
	res, err := c.s.db.ExecContext(ctx, `delete from auth_token_ledger where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, mapError(err, "ledger entry")
	}
	return res.RowsAffected()
}
