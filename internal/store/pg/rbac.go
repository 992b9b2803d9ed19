package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

type roleRepo struct{ s *Store }

const selectRole = `
	select r.id, r.name, r.description, r.is_system, r.created_at, r.updated_at,
	       coalesce((
	         select string_agg(p.permission, ',' order by p.permission)
	         from auth_role_permissions p where p.role_id = r.id
	       ), '')
	from auth_roles r`

func scanRole(row scanner) (auth.Role, error) {
	var (
		role  auth.Role
		perms string
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt, &perms); err != nil {
		return auth.Role{}, err
	}
	for _, p := range splitList(perms) {
		role.Permissions = append(role.Permissions, auth.Permission(p))
	}
	return role, nil
}

func (r roleRepo) Create(ctx context.Context, role *auth.Role) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	if role.ID == "" {
		role.ID = ids.New()
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err, "role")
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into auth_roles (id, name, description, is_system)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, role.ID, strings.TrimSpace(role.Name), role.Description, role.IsSystem).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return mapError(err, "role")
	}
	if err := writePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	return mapError(tx.Commit(), "role")
}

func writePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []auth.Permission) error {
	if _, err := tx.ExecContext(ctx, `delete from auth_role_permissions where role_id = $1`, roleID); err != nil {
		return mapError(err, "role permissions")
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into auth_role_permissions (role_id, permission) values ($1, $2)
			on conflict do nothing
		`, roleID, string(p)); err != nil {
			return mapError(err, "role permissions")
		}
	}
	return nil
}

func (r roleRepo) Update(ctx context.Context, role *auth.Role) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err, "role")
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		update auth_roles set name = $2, description = $3, updated_at = now()
		where id = $1
		returning created_at, updated_at
	`, role.ID, strings.TrimSpace(role.Name), role.Description).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return mapError(err, "role")
	}
	if err := writePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	return mapError(tx.Commit(), "role")
}

// Delete removes the role; permissions and assignments cascade.
func (r roleRepo) Delete(ctx context.Context, id string) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `delete from auth_roles where id = $1`, id)
	if err != nil {
		return mapError(err, "role")
	}
	return requireRow(res, "role")
}

func (r roleRepo) FindByID(ctx context.Context, id string) (auth.Role, error) {
	return r.find(ctx, "r.id = $1", id)
}

func (r roleRepo) FindByName(ctx context.Context, name string) (auth.Role, error) {
	return r.find(ctx, "lower(r.name) = lower($1)", strings.TrimSpace(name))
}

func (r roleRepo) find(ctx context.Context, where string, args ...any) (auth.Role, error) {
	if r.s.db == nil {
		return auth.Role{}, errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	role, err := scanRole(r.s.db.QueryRowContext(ctx, selectRole+" where "+where, args...))
	if err != nil {
		return auth.Role{}, mapError(err, "role")
	}
	return role, nil
}

func (r roleRepo) List(ctx context.Context) ([]auth.Role, error) {
	return r.list(ctx, selectRole+" order by r.name")
}

func (r roleRepo) RolesForAccount(ctx context.Context, accountID string) ([]auth.Role, error) {
	return r.list(ctx, selectRole+`
		join auth_account_roles ar on ar.role_id = r.id
		where ar.account_id = $1
		order by r.name`, accountID)
}

func (r roleRepo) list(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	if r.s.db == nil {
		return nil, errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "role")
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, mapError(rows.Err(), "role")
}

// Assign is idempotent. A missing account or role surfaces as ErrNotFound through the foreign keys.
func (r roleRepo) Assign(ctx context.Context, accountID, roleID string) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	_, err := r.s.db.ExecContext(ctx, `
		insert into auth_account_roles (account_id, role_id)
		values ($1, $2)
		on conflict (account_id, role_id) do nothing
	`, accountID, roleID)
	return mapError(err, "role assignment")
}

func (r roleRepo) Unassign(ctx context.Context, accountID, roleID string) error {
	if r.s.db == nil {
		return errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `delete from auth_account_roles where account_id = $1 and role_id = $2`, accountID, roleID)
	if err != nil {
		return mapError(err, "role assignment")
	}
	return requireRow(res, "role assignment")
}

func (r roleRepo) CountAssignments(ctx context.Context, roleID string) (int, error) {
	if r.s.db == nil {
		return 0, errUnavailable
	}
	ctx, cancel := r.s.ctx(ctx)
	defer cancel()
	var n int
	err := r.s.db.QueryRowContext(ctx, `select count(*) from auth_account_roles where role_id = $1`, roleID).Scan(&n)
	return n, mapError(err, "role assignment")
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", auth.ErrNotFound, what)
	}
	return nil
}
