package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RoleInput describes a role to create or update.
type RoleInput struct {
	Name        string
	Description string
	Permissions []string
}

// Directory is the RBAC directory: roles, their permission sets and account assignments.
type Directory struct {
	roles    RoleStore
	accounts AccountStore
}

// NewDirectory constructs a Directory over the given store.
func NewDirectory(store Store) *Directory {
	return &Directory{roles: store.Roles(), accounts: store.Accounts()}
}

// ParsePermissions validates tags against the catalog and removes duplicates.
func ParsePermissions(values []string) ([]Permission, error) {
	values = dedupeStrings(values)
	out := make([]Permission, 0, len(values))
	for _, v := range values {
		p := Permission(strings.ToLower(v))
		if !p.Known() {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrBadRequest, v)
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateRole registers a non-system role.
func (d *Directory) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrBadRequest)
	}
	perms, err := ParsePermissions(in.Permissions)
	if err != nil {
		return Role{}, err
	}
	role := Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Permissions: perms,
	}
	if err := d.roles.Create(ctx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole replaces a role's description and permissions. System roles keep their name.
func (d *Directory) UpdateRole(ctx context.Context, id string, in RoleInput) (Role, error) {
	role, err := d.roles.FindByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return Role{}, err
	}
	perms, err := ParsePermissions(in.Permissions)
	if err != nil {
		return Role{}, err
	}
	if name := strings.TrimSpace(in.Name); name != "" && name != role.Name {
		if role.IsSystem {
			return Role{}, fmt.Errorf("%w: system roles cannot be renamed", ErrConflict)
		}
		role.Name = name
	}
	role.Description = strings.TrimSpace(in.Description)
	role.Permissions = perms
	if err := d.roles.Update(ctx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a non-system role and its assignments.
func (d *Directory) DeleteRole(ctx context.Context, id string) error {
	role, err := d.roles.FindByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %q cannot be deleted", ErrConflict, role.Name)
	}
	return d.roles.Delete(ctx, role.ID)
}

// GetRole returns one role.
func (d *Directory) GetRole(ctx context.Context, id string) (Role, error) {
	return d.roles.FindByID(ctx, strings.TrimSpace(id))
}

// ListRoles returns every role ordered by name.
func (d *Directory) ListRoles(ctx context.Context) ([]Role, error) {
	return d.roles.List(ctx)
}

// AssignRole grants a role to an account. Assigning twice is not an error.
func (d *Directory) AssignRole(ctx context.Context, accountID, roleID string) error {
	accountID, roleID = strings.TrimSpace(accountID), strings.TrimSpace(roleID)
	if accountID == "" || roleID == "" {
		return fmt.Errorf("%w: account id and role id are required", ErrBadRequest)
	}
	if _, err := d.accounts.FindByID(ctx, accountID); err != nil {
		return err
	}
	if _, err := d.roles.FindByID(ctx, roleID); err != nil {
		return err
	}
	return d.roles.Assign(ctx, accountID, roleID)
}

// RoleByName looks a role up by its case-insensitive name.
func (d *Directory) RoleByName(ctx context.Context, name string) (Role, error) {
	role, err := d.roles.FindByName(ctx, strings.TrimSpace(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Role{}, fmt.Errorf("role %q is not provisioned: %w", name, err)
		}
		return Role{}, err
	}
	return role, nil
}

// AssignRoleByName grants the named role.
func (d *Directory) AssignRoleByName(ctx context.Context, accountID, name string) (Role, error) {
	role, err := d.RoleByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	if err := d.roles.Assign(ctx, accountID, role.ID); err != nil {
		return Role{}, err
	}
	return role, nil
}

// RevokeRole removes a role from an account.
func (d *Directory) RevokeRole(ctx context.Context, accountID, roleID string) error {
	return d.roles.Unassign(ctx, strings.TrimSpace(accountID), strings.TrimSpace(roleID))
}

// RolesForAccount lists the roles assigned to an account.
func (d *Directory) RolesForAccount(ctx context.Context, accountID string) ([]Role, error) {
	return d.roles.RolesForAccount(ctx, accountID)
}

// PermissionsForAccount is the union of the account's role permissions.
func (d *Directory) PermissionsForAccount(ctx context.Context, accountID string) ([]Permission, error) {
	roles, err := d.roles.RolesForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return UnionPermissions(roles), nil
}

// HasPermission evaluates perm against the account's current assignments, unlike the scope
// embedded in an access token which is fixed at issuance.
func (d *Directory) HasPermission(ctx context.Context, accountID string, perm Permission) (bool, error) {
	perms, err := d.PermissionsForAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// EnsureDefaultRoles creates missing system roles. Existing roles are left as operators set them.
func (d *Directory) EnsureDefaultRoles(ctx context.Context) error {
	for _, role := range DefaultRoles() {
		_, err := d.roles.FindByName(ctx, role.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		r := role
		if err := d.roles.Create(ctx, &r); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed role %q: %w", role.Name, err)
		}
	}
	return nil
}
