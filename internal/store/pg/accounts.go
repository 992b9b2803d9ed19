package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

type accountRepo struct{ s *Store }

const selectAccount = `
	select a.id, a.email, a.password_hash, a.first_name, a.last_name, a.phone, a.status, a.provider,
	       a.email_verified, a.phone_verified, a.last_login_at, a.last_login_ip, a.valid_since,
	       a.created_at, a.updated_at,
	       coalesce((
	         select json_agg(json_build_object(
	           'provider', li.provider, 'provider_id', li.subject, 'email', li.email,
	           'display_name', li.display_name, 'photo_url', li.photo_url, 'linked_at', li.linked_at
	         ) order by li.linked_at)
	         from auth_linked_identities li where li.account_id = a.id
	       ), '[]')
	from auth_accounts a`

type scanner interface {
	Scan(dest ...any) error
}

// likeEscaper makes user text literal inside a like pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func scanAccount(row scanner) (auth.Account, error) {
	var (
		acct       auth.Account
		lastLogin  sql.NullTime
		identities []byte
	)
	err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.FirstName, &acct.LastName, &acct.Phone,
		&acct.Status, &acct.Provider, &acct.EmailVerified, &acct.PhoneVerified, &lastLogin, &acct.LastLoginIP,
		&acct.ValidSince, &acct.CreatedAt, &acct.UpdatedAt, &identities)
	if err != nil {
		return auth.Account{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		acct.LastLoginAt = &t
	}
	if len(identities) > 0 {
		if err := json.Unmarshal(identities, &acct.LinkedProviders); err != nil {
			return auth.Account{}, fmt.Errorf("decode linked identities: %w", err)
		}
	}
	return acct, nil
}

func (r accountRepo) Create(ctx context.Context, acct *auth.Account) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()

	if acct.ID == "" {
		acct.ID = ids.New()
	}
	acct.Email = auth.NormalizeEmail(acct.Email)

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err, "account")
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into auth_accounts (id, email, password_hash, first_name, last_name, phone, status, provider,
			email_verified, phone_verified, last_login_at, last_login_ip, valid_since)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning created_at, updated_at
	`, acct.ID, acct.Email, acct.PasswordHash, acct.FirstName, acct.LastName, acct.Phone, acct.Status, acct.Provider,
		acct.EmailVerified, acct.PhoneVerified, nullTime(acct.LastLoginAt), acct.LastLoginIP, acct.ValidSince.UTC(),
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return mapError(err, "account")
	}
	for i := range acct.LinkedProviders {
		li := &acct.LinkedProviders[i]
		if err := insertIdentity(ctx, tx, acct.ID, li); err != nil {
			return err
		}
	}
	return mapError(tx.Commit(), "account")
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertIdentity(ctx context.Context, q execer, accountID string, li *auth.LinkedIdentity) error {
	err := q.QueryRowContext(ctx, `
		insert into auth_linked_identities (provider, subject, account_id, email, display_name, photo_url)
		values ($1, $2, $3, $4, $5, $6)
		returning linked_at
	`, li.Provider, li.Subject, accountID, li.Email, li.DisplayName, li.PhotoURL).Scan(&li.LinkedAt)
	return mapError(err, "linked identity")
}

func (r accountRepo) find(ctx context.Context, where string, args ...any) (auth.Account, error) {
	if r.s.db == nil {
		return auth.Account{}, errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	acct, err := scanAccount(r.s.db.QueryRowContext(ctx, selectAccount+" where "+where, args...))
	if err != nil {
		return auth.Account{}, mapError(err, "account")
	}
	return acct, nil
}

func (r accountRepo) FindByID(ctx context.Context, id string) (auth.Account, error) {
	return r.find(ctx, "a.id = $1", id)
}

func (r accountRepo) FindByEmail(ctx context.Context, email string) (auth.Account, error) {
	return r.find(ctx, "lower(a.email) = $1", auth.NormalizeEmail(email))
}

func (r accountRepo) FindByLinkedIdentity(ctx context.Context, provider auth.Provider, subject string) (auth.Account, error) {
	return r.find(ctx, `a.id = (
		select account_id from auth_linked_identities where provider = $1 and subject = $2
	)`, provider, subject)
}

func (r accountRepo) Update(ctx context.Context, acct *auth.Account) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	acct.Email = auth.NormalizeEmail(acct.Email)
	err := r.s.db.QueryRowContext(ctx, `
		update auth_accounts
		set email = $2, password_hash = $3, first_name = $4, last_name = $5, phone = $6, status = $7,
		    provider = $8, email_verified = $9, phone_verified = $10, last_login_at = $11,
		    last_login_ip = $12, valid_since = $13, updated_at = now()
		where id = $1
		returning updated_at
	`, acct.ID, acct.Email, acct.PasswordHash, acct.FirstName, acct.LastName, acct.Phone, acct.Status,
		acct.Provider, acct.EmailVerified, acct.PhoneVerified, nullTime(acct.LastLoginAt),
		acct.LastLoginIP, acct.ValidSince.UTC(),
	).Scan(&acct.UpdatedAt)
	return mapError(err, "account")
}

func (r accountRepo) AddLinkedIdentity(ctx context.Context, accountID string, li auth.LinkedIdentity) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	return insertIdentity(ctx, r.s.db, accountID, &li)
}

func (r accountRepo) UpdateLinkedIdentity(ctx context.Context, accountID string, li auth.LinkedIdentity) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `
		update auth_linked_identities
		set email = $4, display_name = $5, photo_url = $6
		where provider = $1 and subject = $2 and account_id = $3
	`, li.Provider, li.Subject, accountID, li.Email, li.DisplayName, li.PhotoURL)
	if err != nil {
		return mapError(err, "linked identity")
	}
	return requireRow(res, "linked identity")
}

func (r accountRepo) RemoveLinkedIdentity(ctx context.Context, accountID string, provider auth.Provider) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err, "account")
	}
	defer func() { _ = tx.Rollback() }()

	var hash string
	if err := tx.QueryRowContext(ctx, `select password_hash from auth_accounts where id = $1 for update`, accountID).Scan(&hash); err != nil {
		return mapError(err, "account")
	}
	var total, matching int
	if err := tx.QueryRowContext(ctx, `
		select count(*), count(*) filter (where provider = $2)
		from auth_linked_identities where account_id = $1
	`, accountID, provider).Scan(&total, &matching); err != nil {
		return mapError(err, "linked identity")
	}
	if matching == 0 {
		return fmt.Errorf("%w: linked identity", auth.ErrNotFound)
	}
	if total < 2 && hash == "" {
		return fmt.Errorf("%w: cannot remove the last authentication method", auth.ErrBadRequest)
	}
	if _, err := tx.ExecContext(ctx, `delete from auth_linked_identities where account_id = $1 and provider = $2`, accountID, provider); err != nil {
		return mapError(err, "linked identity")
	}
	if _, err := tx.ExecContext(ctx, `update auth_accounts set updated_at = now() where id = $1`, accountID); err != nil {
		return mapError(err, "account")
	}
	return mapError(tx.Commit(), "account")
}

func (r accountRepo) List(ctx context.Context, filter auth.AccountFilter) (auth.AccountPage, error) {
	if r.s.db == nil {
		return auth.AccountPage{}, errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	filter = filter.Normalize()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != nil {
		conds = append(conds, "a.status = "+arg(*filter.Status))
	}
	if filter.Provider != nil {
		conds = append(conds, "a.provider = "+arg(*filter.Provider))
	}
	if filter.EmailVerified != nil {
		conds = append(conds, "a.email_verified = "+arg(*filter.EmailVerified))
	}
	if filter.RoleID != "" {
		conds = append(conds, "exists (select 1 from auth_account_roles ar where ar.account_id = a.id and ar.role_id = "+arg(filter.RoleID)+")")
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		p := arg("%" + likeEscaper.Replace(search) + "%")
		conds = append(conds, fmt.Sprintf(`(lower(a.email) like %[1]s escape '\' or lower(a.first_name) like %[1]s escape '\' or lower(a.last_name) like %[1]s escape '\')`, p))
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}

	page := auth.AccountPage{Page: filter.Page, PerPage: filter.PerPage}
	if err := r.s.db.QueryRowContext(ctx, `select count(*) from auth_accounts a`+where, args...).Scan(&page.Total); err != nil {
		return auth.AccountPage{}, mapError(err, "account")
	}
	query := selectAccount + where + " order by a.created_at desc, a.id desc limit " + arg(filter.PerPage) + " offset " + arg(filter.Offset())
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return auth.AccountPage{}, mapError(err, "account")
	}
	defer rows.Close()
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return auth.AccountPage{}, err
		}
		page.Accounts = append(page.Accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return auth.AccountPage{}, mapError(err, "account")
	}
	return page, nil
}
