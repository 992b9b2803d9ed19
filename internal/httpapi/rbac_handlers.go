package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
)

type roleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
}

// GET /v1/users
func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := a.require(w, r, auth.RequireAll(auth.PermUserList))
	if !ok {
		return
	}
	filter, err := parseAccountFilter(r.URL.Query())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if filter.Status != nil {
		if err := auth.RequireAll(auth.PermUserStatus).Check(claims); err != nil {
			writeAuthError(w, r, err)
			return
		}
	}
	if filter.RoleID != "" {
		if err := auth.RequireAll(auth.PermUserRoles).Check(claims); err != nil {
			writeAuthError(w, r, err)
			return
		}
	}

	page, err := a.deps.Accounts.ListAccounts(r.Context(), filter)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	withRoles := claims.HasAll(auth.PermUserRoles)
	users := make([]accountView, 0, len(page.Accounts))
	for _, acct := range page.Accounts {
		view, err := a.userView(r, acct, withRoles)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		users = append(users, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"pagination": pagination{
			Page:    page.Page,
			PerPage: page.PerPage,
			Total:   page.Total,
			Pages:   page.PageCount(),
		},
	})
}

// /v1/users/{id}, /v1/users/{id}/roles, /v1/users/{id}/roles/{roleId}
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	parts := strings.Split(rest, "/")
	accountID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		claims, ok := a.require(w, r, auth.RequireAll(auth.PermUserDetails))
		if !ok {
			return
		}
		acct, err := a.deps.Accounts.GetAccount(r.Context(), accountID)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		view, err := a.userView(r, acct, claims.HasAll(auth.PermUserRoles))
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": view})

	case len(parts) == 2 && parts[1] == "roles":
		switch r.Method {
		case http.MethodGet:
			a.listAccountRoles(w, r, accountID)
		case http.MethodPost:
			a.assignRole(w, r, accountID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(parts) == 3 && parts[1] == "roles":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeRole(w, r, accountID, parts[2])

	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) userView(r *http.Request, acct auth.Account, withRoles bool) (accountView, error) {
	view := newAccountView(acct)
	if !withRoles {
		return view, nil
	}
	roles, err := a.deps.Directory.RolesForAccount(r.Context(), acct.ID)
	if err != nil {
		return accountView{}, err
	}
	view.Roles = auth.RoleNames(roles)
	if view.Roles == nil {
		view.Roles = []string{}
	}
	return view, nil
}

func (a *API) listAccountRoles(w http.ResponseWriter, r *http.Request, accountID string) {
	if _, ok := a.require(w, r, auth.RequireAll(auth.PermUserRoles)); !ok {
		return
	}
	if _, err := a.deps.Accounts.GetAccount(r.Context(), accountID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	roles, err := a.deps.Directory.RolesForAccount(r.Context(), accountID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": newRoleViews(roles)})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request, accountID string) {
	if _, ok := a.require(w, r, auth.RequireAll(auth.PermSystemAdmin)); !ok {
		return
	}
	var req assignRoleRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	var (
		role auth.Role
		err  error
	)
	switch {
	case strings.TrimSpace(req.RoleID) != "":
		if err = a.deps.Directory.AssignRole(r.Context(), accountID, req.RoleID); err == nil {
			role, err = a.deps.Directory.GetRole(r.Context(), req.RoleID)
		}
	case strings.TrimSpace(req.RoleName) != "":
		role, err = a.deps.Directory.AssignRoleByName(r.Context(), accountID, req.RoleName)
	default:
		writeError(w, r, http.StatusBadRequest, "bad_request", "role_id or role_name is required")
		return
	}
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventRoleAssigned, map[string]any{
		"target_account_id": accountID,
		"role_id":           role.ID,
		"role_name":         role.Name,
	})
	writeJSON(w, http.StatusOK, map[string]any{"role": newRoleView(role)})
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request, accountID, roleID string) {
	if _, ok := a.require(w, r, auth.RequireAll(auth.PermSystemAdmin)); !ok {
		return
	}
	if err := a.deps.Directory.RevokeRole(r.Context(), accountID, roleID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventRoleRevoked, map[string]any{
		"target_account_id": accountID,
		"role_id":           roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// GET|POST /v1/roles
func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermUserRoles)); !ok {
			return
		}
		roles, err := a.deps.Directory.ListRoles(r.Context())
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": newRoleViews(roles)})

	case http.MethodPost:
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermSystemAdmin)); !ok {
			return
		}
		var req roleRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		role, err := a.deps.Directory.CreateRole(r.Context(), auth.RoleInput{
			Name:        req.Name,
			Description: req.Description,
			Permissions: req.Permissions,
		})
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventRoleCreated, map[string]any{"role_id": role.ID, "role_name": role.Name})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, map[string]any{"role": newRoleView(role)})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// GET|PUT|DELETE /v1/roles/{id}
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermUserRoles)); !ok {
			return
		}
		role, err := a.deps.Directory.GetRole(r.Context(), id)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"role": newRoleView(role)})

	case http.MethodPut:
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermSystemAdmin)); !ok {
			return
		}
		var req roleRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		role, err := a.deps.Directory.UpdateRole(r.Context(), id, auth.RoleInput{
			Name:        req.Name,
			Description: req.Description,
			Permissions: req.Permissions,
		})
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventRoleUpdated, map[string]any{"role_id": role.ID, "role_name": role.Name})
		writeJSON(w, http.StatusOK, map[string]any{"role": newRoleView(role)})

	case http.MethodDelete:
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermSystemAdmin)); !ok {
			return
		}
		if err := a.deps.Directory.DeleteRole(r.Context(), id); err != nil {
			writeAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventRoleDeleted, map[string]any{"role_id": id})
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// parseAccountFilter reads ?status=&provider=&email_verified=&role=&search=&page=&per_page=
func parseAccountFilter(q url.Values) (auth.AccountFilter, error) {
	var f auth.AccountFilter
	if v := strings.ToLower(strings.TrimSpace(q.Get("status"))); v != "" {
		status := auth.AccountStatus(v)
		switch status {
		case auth.StatusActive, auth.StatusInactive, auth.StatusSuspended:
		default:
			return f, fmt.Errorf("%w: unknown status %q", auth.ErrBadRequest, v)
		}
		f.Status = &status
	}
	if v := strings.ToLower(strings.TrimSpace(q.Get("provider"))); v != "" {
		provider := auth.Provider(v)
		if !provider.Valid() {
			return f, fmt.Errorf("%w: unknown provider %q", auth.ErrBadRequest, v)
		}
		f.Provider = &provider
	}
	if v := strings.TrimSpace(q.Get("email_verified")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: email_verified must be a boolean", auth.ErrBadRequest)
		}
		f.EmailVerified = &b
	}
	f.RoleID = strings.TrimSpace(q.Get("role"))
	f.Search = strings.TrimSpace(q.Get("search"))
	var err error
	if f.Page, err = intParam(q, "page"); err != nil {
		return f, err
	}
	if f.PerPage, err = intParam(q, "per_page"); err != nil {
		return f, err
	}
	if f.PerPage > 100 {
		return f, fmt.Errorf("%w: per_page must be at most 100", auth.ErrBadRequest)
	}
	return f.Normalize(), nil
}

func intParam(q url.Values, name string) (int, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", auth.ErrBadRequest, name)
	}
	return n, nil
}
