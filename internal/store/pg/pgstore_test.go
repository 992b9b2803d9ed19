package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/authcore/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var accountColumns = []string{
	"id", "email", "password_hash", "first_name", "last_name", "phone", "status", "provider",
	"email_verified", "phone_verified", "last_login_at", "last_login_ip", "valid_since",
	"created_at", "updated_at", "identities",
}

func TestMapError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{sql.ErrNoRows, auth.ErrNotFound},
		{&pgconn.PgError{Code: pgErrUniqueViolation}, auth.ErrConflict},
		{&pgconn.PgError{Code: pgErrForeignKeyViolation}, auth.ErrNotFound},
		{context.DeadlineExceeded, auth.ErrUnavailable},
		{sql.ErrConnDone, auth.ErrUnavailable},
	}
	for _, tc := range cases {
		if got := mapError(tc.in, "row"); !errors.Is(got, tc.want) {
			t.Fatalf("mapError(%v)=%v, want %v", tc.in, got, tc.want)
		}
	}
	if mapError(nil, "row") != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestPingWithoutDatabase(t *testing.T) {
	s := &Store{timeout: time.Second}
	if err := s.Ping(context.Background()); !errors.Is(err, auth.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestFindByEmailDecodesIdentities(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identities := `[{"provider":"google","provider_id":"g-1","email":"ann@example.com","linked_at":"2026-03-01T12:00:00+00:00"}]`
	mock.ExpectQuery(`from auth_accounts a where lower\(a\.email\) = \$1`).
		WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(
			"acct-1", "ann@example.com", "", "Ann", "Lee", "", "active", "google",
			true, false, now, "10.0.0.1", now, now, now, []byte(identities)))

	acct, err := s.Accounts().FindByEmail(context.Background(), "  Ann@Example.com ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if acct.ID != "acct-1" || acct.Status != auth.StatusActive || acct.Provider != auth.ProviderGoogle {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.LastLoginAt == nil || !acct.LastLoginAt.Equal(now) {
		t.Fatalf("last login not decoded: %v", acct.LastLoginAt)
	}
	li, ok := acct.LinkedIdentity(auth.ProviderGoogle)
	if !ok || li.Subject != "g-1" || !li.LinkedAt.Equal(now) {
		t.Fatalf("identity not decoded: %+v", acct.LinkedProviders)
	}
}

func TestFindByIDMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from auth_accounts a where a\.id = \$1`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	if _, err := s.Accounts().FindByID(context.Background(), "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateAccountDuplicateEmail(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into auth_accounts").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	acct := &auth.Account{Email: "Ann@Example.com", Status: auth.StatusActive, Provider: auth.ProviderLocal}
	if err := s.Accounts().Create(context.Background(), acct); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if acct.ID == "" || acct.Email != "ann@example.com" {
		t.Fatalf("expected id assigned and email normalized: %+v", acct)
	}
}

func TestCreateAccountWithIdentity(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into auth_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("insert into auth_linked_identities").
		WithArgs(auth.ProviderGoogle, "g-1", sqlmock.AnyArg(), "ann@example.com", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"linked_at"}).AddRow(now))
	mock.ExpectCommit()

	acct := &auth.Account{
		Email:           "ann@example.com",
		Status:          auth.StatusActive,
		Provider:        auth.ProviderGoogle,
		LinkedProviders: []auth.LinkedIdentity{{Provider: auth.ProviderGoogle, Subject: "g-1", Email: "ann@example.com"}},
	}
	if err := s.Accounts().Create(context.Background(), acct); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !acct.CreatedAt.Equal(now) || !acct.LinkedProviders[0].LinkedAt.Equal(now) {
		t.Fatalf("timestamps not returned: %+v", acct)
	}
}

func TestRemoveLastIdentityRejected(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select password_hash from auth_accounts").WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash"}).AddRow(""))
	mock.ExpectQuery("from auth_linked_identities where account_id").WithArgs("acct-1", auth.ProviderGoogle).
		WillReturnRows(sqlmock.NewRows([]string{"count", "count"}).AddRow(1, 1))
	mock.ExpectRollback()

	err := s.Accounts().RemoveLinkedIdentity(context.Background(), "acct-1", auth.ProviderGoogle)
	if !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestRemoveIdentityWithPassword(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select password_hash from auth_accounts").WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash"}).AddRow("$2a$10$hash"))
	mock.ExpectQuery("from auth_linked_identities where account_id").WithArgs("acct-1", auth.ProviderApple).
		WillReturnRows(sqlmock.NewRows([]string{"count", "count"}).AddRow(1, 1))
	mock.ExpectExec("delete from auth_linked_identities").WithArgs("acct-1", auth.ProviderApple).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update auth_accounts set updated_at").WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Accounts().RemoveLinkedIdentity(context.Background(), "acct-1", auth.ProviderApple); err != nil {
		t.Fatalf("RemoveLinkedIdentity: %v", err)
	}
}

func TestListAccountsBuildsFilters(t *testing.T) {
	s, mock := newMock(t)
	status := auth.StatusActive
	mock.ExpectQuery(`select count\(\*\) from auth_accounts a where a\.status = \$1 and \(lower\(a\.email\) like \$2`).
		WithArgs(status, "%ann%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
	mock.ExpectQuery(`order by a\.created_at desc, a\.id desc limit \$3 offset \$4`).
		WithArgs(status, "%ann%", 10, 10).
		WillReturnRows(sqlmock.NewRows(accountColumns))

	page, err := s.Accounts().List(context.Background(), auth.AccountFilter{Status: &status, Search: " Ann ", Page: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 21 || page.Page != 2 || page.PerPage != 10 || page.PageCount() != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestListAccountsEscapesSearchWildcards(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select count\(\*\) from auth_accounts a where \(lower\(a\.email\) like \$1 escape`).
		WithArgs(`%a\_b\%%`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`limit \$2 offset \$3`).
		WithArgs(`%a\_b\%%`, 10, 0).
		WillReturnRows(sqlmock.NewRows(accountColumns))

	page, err := s.Accounts().List(context.Background(), auth.AccountFilter{Search: "A_b%"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 0 || len(page.Accounts) != 0 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

var roleColumns = []string{"id", "name", "description", "is_system", "created_at", "updated_at", "permissions"}

func TestFindRoleByNameSplitsPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`from auth_roles r where lower\(r\.name\) = lower\(\$1\)`).WithArgs("Admin").
		WillReturnRows(sqlmock.NewRows(roleColumns).AddRow("role-1", "Admin", "", true, now, now, "system:admin,user:list"))

	role, err := s.Roles().FindByName(context.Background(), " Admin ")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if !role.IsSystem || len(role.Permissions) != 2 || role.Permissions[0] != "system:admin" {
		t.Fatalf("unexpected role: %+v", role)
	}
}

func TestCreateRoleWritesPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into auth_roles").WithArgs(sqlmock.AnyArg(), "Auditor", "read only", false).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("delete from auth_role_permissions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into auth_role_permissions").WithArgs(sqlmock.AnyArg(), "user:list").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into auth_role_permissions").WithArgs(sqlmock.AnyArg(), "user:details").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	role := &auth.Role{Name: " Auditor ", Description: "read only", Permissions: []auth.Permission{"user:list", "user:details"}}
	if err := s.Roles().Create(context.Background(), role); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if role.ID == "" || !role.CreatedAt.Equal(now) {
		t.Fatalf("role not populated: %+v", role)
	}
}

func TestUnassignMissingRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from auth_account_roles").WithArgs("acct-1", "role-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Roles().Unassign(context.Background(), "acct-1", "role-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAssignUnknownAccount(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into auth_account_roles").WithArgs("ghost", "role-1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := s.Roles().Assign(context.Background(), "ghost", "role-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTokenRoundTripWithDevice(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("insert into auth_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery(`from auth_tokens where jti = \$1`).WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "jti", "account_id", "session_id", "type", "expires_at", "last_used_at", "device", "created_at"}).
			AddRow("tok-1", "jti-1", "acct-1", "sid-1", "refresh", now.Add(time.Hour), now, []byte(`{"device_type":"mobile","device_name":"Pixel"}`), now))

	creds := s.Credentials()
	rec := &auth.TokenRecord{
		JTI: "jti-1", AccountID: "acct-1", SessionID: "sid-1", Type: auth.TokenRefresh,
		ExpiresAt: now.Add(time.Hour), Device: &auth.DeviceInfo{DeviceType: auth.DeviceMobile, DeviceName: "Pixel"},
	}
	if err := creds.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := creds.FindByJTI(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("FindByJTI: %v", err)
	}
	if got.Type != auth.TokenRefresh || got.Device == nil || got.Device.DeviceName != "Pixel" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestDeleteByJTIReportsWinner(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from auth_tokens where jti").WithArgs("jti-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from auth_tokens where jti").WithArgs("jti-1").WillReturnResult(sqlmock.NewResult(0, 0))

	creds := s.Credentials()
	if deleted, err := creds.DeleteByJTI(context.Background(), "jti-1"); err != nil || !deleted {
		t.Fatalf("first delete: %v %v", deleted, err)
	}
	if deleted, err := creds.DeleteByJTI(context.Background(), "jti-1"); err != nil || deleted {
		t.Fatalf("second delete must lose: %v %v", deleted, err)
	}
}

func TestRevokeAllLedgersInOneStatement(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery(`with revoked as \(\s*delete from auth_tokens\s*where account_id = \$1 and jti <> \$2`).
		WithArgs("acct-1", "keep", at).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.Credentials().RevokeAll(context.Background(), "acct-1", "keep", at)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked, got %d", n)
	}
}

func TestPurgeExpiredLedgerEntries(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("delete from auth_token_ledger where expires_at <=").WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := s.Credentials().PurgeExpiredLedgerEntries(context.Background(), now)
	if err != nil || n != 4 {
		t.Fatalf("purge: %d %v", n, err)
	}
}
