package auth_test

import (
	"context"
	"errors"
	"testing"

	"qazna.org/authcore/internal/auth"
)

func TestEnsureDefaultRolesIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	if err := env.directory.EnsureDefaultRoles(ctx); err != nil {
		t.Fatalf("second EnsureDefaultRoles: %v", err)
	}
	roles, err := env.directory.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != len(auth.DefaultRoles()) {
		t.Fatalf("expected %d roles, got %d", len(auth.DefaultRoles()), len(roles))
	}
	for _, r := range roles {
		if !r.IsSystem {
			t.Fatalf("seeded role %q is not a system role", r.Name)
		}
	}
}

func TestRoleLifecycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	acct := env.account(t, "ann@example.com")

	if _, err := env.directory.CreateRole(ctx, auth.RoleInput{Name: "Auditor", Permissions: []string{"system:audit", "bogus:tag"}}); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected unknown permission rejected, got %v", err)
	}
	role, err := env.directory.CreateRole(ctx, auth.RoleInput{Name: "Auditor", Permissions: []string{"system:audit", "SYSTEM:AUDIT"}})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if len(role.Permissions) != 1 {
		t.Fatalf("expected permissions deduplicated: %v", role.Permissions)
	}
	if _, err := env.directory.CreateRole(ctx, auth.RoleInput{Name: "auditor"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected duplicate name conflict, got %v", err)
	}

	if err := env.directory.AssignRole(ctx, acct.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	ok, err := env.directory.HasPermission(ctx, acct.ID, auth.PermSystemAudit)
	if err != nil || !ok {
		t.Fatalf("expected permission after assignment: %v %v", ok, err)
	}

	if _, err := env.directory.UpdateRole(ctx, role.ID, auth.RoleInput{Permissions: []string{"analytics:export"}}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	ok, _ = env.directory.HasPermission(ctx, acct.ID, auth.PermSystemAudit)
	if ok {
		t.Fatalf("permission evaluation must follow the updated role")
	}

	if err := env.directory.RevokeRole(ctx, acct.ID, role.ID); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	perms, _ := env.directory.PermissionsForAccount(ctx, acct.ID)
	if len(perms) != 0 {
		t.Fatalf("expected no permissions, got %v", perms)
	}
	if err := env.directory.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, err := env.directory.GetRole(ctx, role.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected deleted role gone, got %v", err)
	}
}

func TestSystemRolesProtected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	member, err := env.store.Roles().FindByName(ctx, auth.DefaultMemberRole)
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if err := env.directory.DeleteRole(ctx, member.ID); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected system role delete conflict, got %v", err)
	}
	if _, err := env.directory.UpdateRole(ctx, member.ID, auth.RoleInput{Name: "Renamed"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected system role rename conflict, got %v", err)
	}
}

func TestAssignRoleUnknownTargets(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	acct := env.account(t, "ann@example.com")
	if err := env.directory.AssignRole(ctx, "missing", "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for unknown account, got %v", err)
	}
	if err := env.directory.AssignRole(ctx, acct.ID, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for unknown role, got %v", err)
	}
}
