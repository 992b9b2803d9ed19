package httpapi

import (
	"time"

	"qazna.org/authcore/internal/auth"
)

type accountView struct {
	ID              string                `json:"id"`
	Email           string                `json:"email"`
	FirstName       string                `json:"first_name,omitempty"`
	LastName        string                `json:"last_name,omitempty"`
	Phone           string                `json:"phone,omitempty"`
	Status          auth.AccountStatus    `json:"status"`
	Provider        auth.Provider         `json:"provider"`
	EmailVerified   bool                  `json:"email_verified"`
	PhoneVerified   bool                  `json:"phone_verified"`
	HasPassword     bool                  `json:"has_password"`
	LastLoginAt     *time.Time            `json:"last_login_at,omitempty"`
	LinkedProviders []auth.LinkedIdentity `json:"linked_providers"`
	Roles           []string              `json:"roles,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func newAccountView(a auth.Account) accountView {
	linked := a.LinkedProviders
	if linked == nil {
		linked = []auth.LinkedIdentity{}
	}
	return accountView{
		ID:              a.ID,
		Email:           a.Email,
		FirstName:       a.FirstName,
		LastName:        a.LastName,
		Phone:           a.Phone,
		Status:          a.Status,
		Provider:        a.Provider,
		EmailVerified:   a.EmailVerified,
		PhoneVerified:   a.PhoneVerified,
		HasPassword:     a.HasPassword(),
		LastLoginAt:     a.LastLoginAt,
		LinkedProviders: linked,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

type roleView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Permissions []auth.Permission `json:"permissions"`
	IsSystem    bool              `json:"is_system"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func newRoleView(r auth.Role) roleView {
	perms := r.Permissions
	if perms == nil {
		perms = []auth.Permission{}
	}
	return roleView{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: perms,
		IsSystem:    r.IsSystem,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func newRoleViews(roles []auth.Role) []roleView {
	out := make([]roleView, 0, len(roles))
	for _, r := range roles {
		out = append(out, newRoleView(r))
	}
	return out
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *accountView `json:"user,omitempty"`
	IsNewUser    *bool        `json:"is_new_user,omitempty"`
}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	}
}

type pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}
