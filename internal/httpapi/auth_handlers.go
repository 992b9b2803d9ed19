package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IDToken  string `json:"id_token"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
}

type signupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type linkRequest struct {
	IDToken string `json:"id_token"`
}

type unlinkRequest struct {
	Provider string `json:"provider"`
}

type profileResponse struct {
	User        accountView       `json:"user"`
	Roles       []roleView        `json:"roles"`
	Permissions []auth.Permission `json:"permissions"`
}

func newProfileResponse(p auth.Profile) profileResponse {
	perms := p.Permissions
	if perms == nil {
		perms = []auth.Permission{}
	}
	return profileResponse{User: newAccountView(p.Account), Roles: newRoleViews(p.Roles), Permissions: perms}
}

func loginResponse(res auth.LoginResult) tokenResponse {
	resp := newTokenResponse(res.Tokens)
	user := newAccountView(res.Account)
	resp.User = &user
	isNew := res.IsNewUser
	resp.IsNewUser = &isNew
	return resp
}

// POST /v1/auth/login: email+password or an external id_token.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	var (
		res    auth.LoginResult
		err    error
		method = "password"
	)
	if strings.TrimSpace(req.IDToken) != "" {
		method = "id_token"
		res, err = a.deps.Resolver.Login(r.Context(), req.IDToken)
	} else {
		res, err = a.deps.Accounts.Login(r.Context(), req.Email, req.Password)
	}
	if err != nil {
		a.audit(r.Context(), audit.EventLoginFailed, map[string]any{
			"method": method,
			"email":  auth.NormalizeEmail(req.Email),
			"error":  err.Error(),
		})
		writeAuthError(w, r, err)
		return
	}
	noteAccount(r.Context(), res.Account.ID)
	a.audit(r.Context(), audit.EventLogin, map[string]any{
		"account_id":  res.Account.ID,
		"method":      method,
		"provider":    string(res.Account.Provider),
		"is_new_user": res.IsNewUser,
		"session_id":  res.Tokens.SessionID,
	})
	if res.IsNewUser {
		a.audit(r.Context(), audit.EventSignup, map[string]any{
			"account_id": res.Account.ID,
			"provider":   string(res.Account.Provider),
		})
	}
	writeJSON(w, http.StatusOK, loginResponse(res))
}

// POST /v1/auth/token: grant_type refresh_token | token_info | id_token.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	switch strings.TrimSpace(req.GrantType) {
	case "refresh_token":
		if strings.TrimSpace(req.RefreshToken) == "" {
			writeError(w, r, http.StatusBadRequest, "bad_request", "refresh_token is required")
			return
		}
		pair, err := a.deps.Tokens.RefreshRotate(r.Context(), req.RefreshToken)
		if err != nil {
			if errors.Is(err, auth.ErrRefreshReuse) {
				a.audit(r.Context(), audit.EventRefreshReuse, map[string]any{"error": err.Error()})
			}
			writeAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventRefresh, map[string]any{"session_id": pair.SessionID})
		writeJSON(w, http.StatusOK, newTokenResponse(pair))

	case "token_info":
		token := strings.TrimSpace(req.AccessToken)
		if token == "" {
			writeError(w, r, http.StatusBadRequest, "bad_request", "access_token is required")
			return
		}
		info, err := a.deps.Accounts.TokenInfo(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		scope := info.Scope
		if scope == nil {
			scope = []auth.Permission{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sub":     info.Subject,
			"scope":   scope,
			"exp":     info.ExpiresAt.UTC().Format(time.RFC3339),
			"iat":     info.IssuedAt.UTC().Format(time.RFC3339),
			"profile": newProfileResponse(info.Profile),
		})

	case "id_token":
		res, err := a.deps.Resolver.Login(r.Context(), req.IDToken)
		if err != nil {
			a.audit(r.Context(), audit.EventLoginFailed, map[string]any{"method": "id_token", "error": err.Error()})
			writeAuthError(w, r, err)
			return
		}
		noteAccount(r.Context(), res.Account.ID)
		a.audit(r.Context(), audit.EventLogin, map[string]any{
			"account_id":  res.Account.ID,
			"method":      "id_token",
			"is_new_user": res.IsNewUser,
		})
		writeJSON(w, http.StatusOK, loginResponse(res))

	default:
		writeError(w, r, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be refresh_token, token_info or id_token")
	}
}

// POST /v1/auth/signup
func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signupRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	acct, err := a.deps.Accounts.Signup(r.Context(), auth.SignupInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventSignup, map[string]any{"account_id": acct.ID, "provider": string(acct.Provider)})
	writeJSON(w, http.StatusCreated, map[string]any{"user": newAccountView(acct)})
}

// GET /v1/auth/verify-email?token=
func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "token is required")
		return
	}
	acct, err := a.deps.Accounts.VerifyEmail(r.Context(), token)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventEmailVerified, map[string]any{"account_id": acct.ID})
	writeJSON(w, http.StatusOK, map[string]any{"user": newAccountView(acct)})
}

// POST /v1/auth/resend-verification
func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req emailRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := a.deps.Accounts.ResendVerification(r.Context(), req.Email); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// POST /v1/auth/forgot-password: всегда 202, чтобы нельзя было перебирать email
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req emailRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	a.deps.Accounts.ForgotPassword(r.Context(), req.Email)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// POST /v1/auth/reset-password
func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetPasswordRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	acct, err := a.deps.Accounts.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventPasswordReset, map[string]any{"account_id": acct.ID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

// GET /v1/auth/me
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	profile, err := a.deps.Accounts.Profile(r.Context(), callerID(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(profile))
}

// POST /v1/auth/logout, body optional: {"refresh_token": "..."}
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.deps.Accounts.Logout(r.Context(), claims, req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventLogout, map[string]any{
		"session_id":      claims.SessionID,
		"refresh_revoked": strings.TrimSpace(req.RefreshToken) != "",
	})
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/auth/change-password
func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req changePasswordRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	accountID := callerID(r)
	if err := a.deps.Accounts.ChangePassword(r.Context(), accountID, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventPasswordChanged, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

// POST /v1/auth/link-provider
func (a *API) handleLinkProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req linkRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	acct, err := a.deps.Resolver.LinkProvider(r.Context(), callerID(r), req.IDToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventProviderLinked, map[string]any{"providers": len(acct.LinkedProviders)})
	writeJSON(w, http.StatusOK, map[string]any{"user": newAccountView(acct)})
}

// POST /v1/auth/unlink-provider
func (a *API) handleUnlinkProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req unlinkRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	provider := auth.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	acct, err := a.deps.Resolver.UnlinkProvider(r.Context(), callerID(r), provider)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventProviderUnlinked, map[string]any{"provider": string(provider)})
	writeJSON(w, http.StatusOK, map[string]any{"user": newAccountView(acct)})
}

// GET /v1/auth/linked-providers
func (a *API) handleLinkedProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	primary, linked, err := a.deps.Resolver.LinkedProviders(r.Context(), callerID(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if linked == nil {
		linked = []auth.LinkedIdentity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"primary_provider": primary,
		"linked_providers": linked,
	})
}
