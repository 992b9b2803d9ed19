package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"qazna.org/authcore/internal/auth"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []auth.Message
}

func (m *recordingMailer) Send(_ context.Context, msg auth.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) last(kind auth.MailKind) (auth.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind {
			return m.sent[i], true
		}
	}
	return auth.Message{}, false
}

func newAccounts(t *testing.T) (*testEnv, *auth.AccountService, *recordingMailer) {
	t.Helper()
	env := newEnv(t)
	mailer := &recordingMailer{}
	svc := auth.NewAccountService(env.store, env.tokens, env.directory, auth.WithMailer(mailer))
	return env, svc, mailer
}

func TestSignupAndLogin(t *testing.T) {
	_, svc, mailer := newAccounts(t)
	ctx := context.Background()

	acct, err := svc.Signup(ctx, auth.SignupInput{Email: " Ann@Example.com ", Password: "secret1", FirstName: "Ann"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if acct.Email != "ann@example.com" || acct.EmailVerified || acct.Provider != auth.ProviderLocal {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if _, ok := mailer.last(auth.MailVerification); !ok {
		t.Fatalf("expected verification mail")
	}
	if _, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected duplicate signup conflict, got %v", err)
	}
	if _, err := svc.Signup(ctx, auth.SignupInput{Email: "bob@example.com", Password: "abc"}); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected short password rejected, got %v", err)
	}

	res, err := svc.Login(ctx, "ann@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Tokens.AccessToken == "" || res.Account.LastLoginAt == nil {
		t.Fatalf("unexpected login result: %+v", res)
	}
	if _, err := svc.Login(ctx, "ann@example.com", "wrong-password"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "secret1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}

	profile, err := svc.Profile(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if len(profile.Roles) != 1 || profile.Roles[0].Name != auth.DefaultMemberRole {
		t.Fatalf("expected default role, got %+v", profile.Roles)
	}
}

func TestLoginRejectsSuspendedAccount(t *testing.T) {
	env, svc, _ := newAccounts(t)
	ctx := context.Background()
	acct, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	acct.Status = auth.StatusSuspended
	if err := env.store.Accounts().Update(ctx, &acct); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := svc.Login(ctx, "ann@example.com", "secret1"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestVerifyEmailFlow(t *testing.T) {
	_, svc, mailer := newAccounts(t)
	ctx := context.Background()
	acct, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	msg, _ := mailer.last(auth.MailVerification)

	if _, err := svc.VerifyEmail(ctx, "garbage"); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected bad request for garbage token, got %v", err)
	}
	verified, err := svc.VerifyEmail(ctx, msg.Token)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if !verified.EmailVerified || verified.ID != acct.ID {
		t.Fatalf("unexpected account: %+v", verified)
	}
	if err := svc.ResendVerification(ctx, "ann@example.com"); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected already verified, got %v", err)
	}
	if err := svc.ResendVerification(ctx, "nobody@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env, svc, mailer := newAccounts(t)
	ctx := context.Background()
	if _, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	session, err := svc.Login(ctx, "ann@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	svc.ForgotPassword(ctx, "nobody@example.com")
	if _, ok := mailer.last(auth.MailPasswordReset); ok {
		t.Fatalf("reset mail sent for unknown address")
	}
	svc.ForgotPassword(ctx, "ann@example.com")
	msg, ok := mailer.last(auth.MailPasswordReset)
	if !ok {
		t.Fatalf("expected reset mail")
	}

	if _, err := svc.ResetPassword(ctx, msg.Token, "new-secret"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := svc.ResetPassword(ctx, msg.Token, "another-secret"); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("reset token reused: %v", err)
	}
	if _, err := svc.Login(ctx, "ann@example.com", "secret1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Login(ctx, "ann@example.com", "new-secret"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	revoked, _ := env.store.Credentials().IsBlacklisted(ctx, session.Tokens.RefreshJTI)
	if !revoked {
		t.Fatalf("sessions must be revoked after a reset")
	}
}

func TestChangePassword(t *testing.T) {
	_, svc, _ := newAccounts(t)
	ctx := context.Background()
	acct, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := svc.ChangePassword(ctx, acct.ID, "wrong", "new-secret"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected wrong current password rejected, got %v", err)
	}
	if err := svc.ChangePassword(ctx, acct.ID, "secret1", "new-secret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.Login(ctx, "ann@example.com", "new-secret"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestLogoutRevokesPresentedTokens(t *testing.T) {
	env, svc, _ := newAccounts(t)
	ctx := context.Background()
	if _, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	res, err := svc.Login(ctx, "ann@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := env.tokens.Verify(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := svc.Logout(ctx, claims, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	gate := auth.NewGate(env.tokens, env.store)
	if _, err := gate.Authenticate(ctx, res.Tokens.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("access token valid after logout: %v", err)
	}
	if _, err := env.tokens.RefreshRotate(ctx, res.Tokens.RefreshToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("refresh token valid after logout: %v", err)
	}
}

func TestListAccountsPaging(t *testing.T) {
	_, svc, _ := newAccounts(t)
	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if _, err := svc.Signup(ctx, auth.SignupInput{Email: email, Password: "secret1"}); err != nil {
			t.Fatalf("Signup: %v", err)
		}
	}
	page, err := svc.ListAccounts(ctx, auth.AccountFilter{PerPage: 2, Page: 2})
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if page.Total != 3 || len(page.Accounts) != 1 || page.PageCount() != 2 {
		t.Fatalf("unexpected page: total=%d len=%d pages=%d", page.Total, len(page.Accounts), page.PageCount())
	}
}

func TestTokenInfoRejectsRevokedToken(t *testing.T) {
	env, svc, _ := newAccounts(t)
	ctx := context.Background()
	if _, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	res, err := svc.Login(ctx, "ann@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	info, err := svc.TokenInfo(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("TokenInfo: %v", err)
	}
	if info.Subject != res.Account.ID || len(info.Scope) == 0 {
		t.Fatalf("unexpected token info: %+v", info)
	}

	claims, err := env.tokens.Verify(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := svc.Logout(ctx, claims, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.TokenInfo(ctx, res.Tokens.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("revoked access token described: %v", err)
	}

	// подпись валидна, но записи нет
	other, err := svc.Login(ctx, "ann@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	otherClaims, err := env.tokens.Verify(other.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := env.store.Credentials().DeleteByJTI(ctx, otherClaims.ID); err != nil {
		t.Fatalf("DeleteByJTI: %v", err)
	}
	if _, err := svc.TokenInfo(ctx, other.Tokens.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("access token without a record described: %v", err)
	}
}

func TestSignupWithUnprovisionedRoleLeavesNoAccount(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	svc := auth.NewAccountService(env.store, env.tokens, env.directory,
		auth.WithMailer(&recordingMailer{}),
		auth.WithSignupRole("Ghost"),
	)
	if _, err := svc.Signup(ctx, auth.SignupInput{Email: "ann@example.com", Password: "secret1"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected missing role, got %v", err)
	}
	if _, err := env.store.Accounts().FindByEmail(ctx, "ann@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("account created without a role: %v", err)
	}
}
