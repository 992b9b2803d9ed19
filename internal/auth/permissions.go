package auth

import "sort"

// Permission is a tag from the closed catalog below, shaped resource:action.
type Permission string

const (
	PermProductCreate      Permission = "product:create"
	PermProductRead        Permission = "product:read"
	PermProductUpdate      Permission = "product:update"
	PermProductDelete      Permission = "product:delete"
	PermProductCategories  Permission = "product:categories"
	PermProductCollections Permission = "product:collections"

	PermOrderCreate  Permission = "order:create"
	PermOrderRead    Permission = "order:read"
	PermOrderUpdate  Permission = "order:update"
	PermOrderDelete  Permission = "order:delete"
	PermOrderStatus  Permission = "order:status"
	PermOrderRefunds Permission = "order:refunds"

	PermCustomerCreate  Permission = "customer:create"
	PermCustomerRead    Permission = "customer:read"
	PermCustomerUpdate  Permission = "customer:update"
	PermCustomerDelete  Permission = "customer:delete"
	PermCustomerHistory Permission = "customer:history"
	PermCustomerGroups  Permission = "customer:groups"

	PermInventoryManage  Permission = "inventory:manage"
	PermInventoryRead    Permission = "inventory:read"
	PermInventoryAdjust  Permission = "inventory:adjust"
	PermInventoryHistory Permission = "inventory:history"

	PermPaymentProcess  Permission = "payment:process"
	PermPaymentView     Permission = "payment:view"
	PermPaymentMethods  Permission = "payment:methods"
	PermPaymentDisputes Permission = "payment:disputes"

	PermAnalyticsSales     Permission = "analytics:sales"
	PermAnalyticsCustomers Permission = "analytics:customers"
	PermAnalyticsInventory Permission = "analytics:inventory"
	PermAnalyticsExport    Permission = "analytics:export"

	PermSystemAdmin    Permission = "system:admin"
	PermSystemAudit    Permission = "system:audit"
	PermSystemSettings Permission = "system:settings"

	PermUserList    Permission = "user:list"
	PermUserDetails Permission = "user:details"
	PermUserRoles   Permission = "user:roles"
	PermUserStatus  Permission = "user:status"
	PermUserDevices Permission = "user:devices"
)

// AllPermissions is the complete catalog in declaration order.
var AllPermissions = []Permission{
	PermProductCreate, PermProductRead, PermProductUpdate, PermProductDelete, PermProductCategories, PermProductCollections,
	PermOrderCreate, PermOrderRead, PermOrderUpdate, PermOrderDelete, PermOrderStatus, PermOrderRefunds,
	PermCustomerCreate, PermCustomerRead, PermCustomerUpdate, PermCustomerDelete, PermCustomerHistory, PermCustomerGroups,
	PermInventoryManage, PermInventoryRead, PermInventoryAdjust, PermInventoryHistory,
	PermPaymentProcess, PermPaymentView, PermPaymentMethods, PermPaymentDisputes,
	PermAnalyticsSales, PermAnalyticsCustomers, PermAnalyticsInventory, PermAnalyticsExport,
	PermSystemAdmin, PermSystemAudit, PermSystemSettings,
	PermUserList, PermUserDetails, PermUserRoles, PermUserStatus, PermUserDevices,
}

var knownPermissions = func() map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		set[p] = struct{}{}
	}
	return set
}()

// Known reports whether p belongs to the catalog.
func (p Permission) Known() bool {
	_, ok := knownPermissions[p]
	return ok
}

var (
	customerPermissions = []Permission{PermProductRead, PermOrderCreate, PermOrderRead}

	staffPermissions = []Permission{
		PermProductRead,
		PermOrderRead, PermOrderUpdate, PermOrderStatus,
		PermCustomerRead,
		PermInventoryRead,
		PermPaymentView,
		PermAnalyticsSales,
		PermUserList, PermUserDetails, PermUserRoles, PermUserDevices,
	}

	managerPermissions = []Permission{
		PermProductCreate, PermProductRead, PermProductUpdate, PermProductCategories, PermProductCollections,
		PermOrderCreate, PermOrderRead, PermOrderUpdate, PermOrderStatus, PermOrderRefunds,
		PermCustomerCreate, PermCustomerRead, PermCustomerUpdate, PermCustomerHistory,
		PermInventoryManage, PermInventoryRead, PermInventoryAdjust, PermInventoryHistory,
		PermPaymentProcess, PermPaymentView, PermPaymentMethods,
		PermAnalyticsSales, PermAnalyticsCustomers, PermAnalyticsInventory, PermAnalyticsExport,
		PermUserList, PermUserDetails, PermUserRoles, PermUserStatus, PermUserDevices,
	}
)

// DefaultMemberRole is attached to every new account unless configured otherwise.
const DefaultMemberRole = "Member"

// DefaultRoles returns the system roles seeded on startup.
func DefaultRoles() []Role {
	all := make([]Permission, len(AllPermissions))
	copy(all, AllPermissions)
	return []Role{
		{Name: "System Admin", Description: "Full system access with all permissions", Permissions: all, IsSystem: true},
		{Name: "Store Manager", Description: "Manages store operations and staff", Permissions: clonePermissions(managerPermissions), IsSystem: true},
		{Name: "Staff", Description: "Regular store staff member", Permissions: clonePermissions(staffPermissions), IsSystem: true},
		{Name: "Customer", Description: "Regular customer account", Permissions: clonePermissions(customerPermissions), IsSystem: true},
		{Name: DefaultMemberRole, Description: "Default role for self-registered accounts", Permissions: clonePermissions(customerPermissions), IsSystem: true},
	}
}

// UnionPermissions merges the permission sets of roles into a sorted, duplicate-free scope.
func UnionPermissions(roles []Role) []Permission {
	set := make(map[Permission]struct{})
	for _, r := range roles {
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleNames lists role names in input order.
func RoleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}

func clonePermissions(in []Permission) []Permission {
	out := make([]Permission, len(in))
	copy(out, in)
	return out
}
