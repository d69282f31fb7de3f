package rbac

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: conflict")
	ErrForbidden    = errors.New("rbac: forbidden")
	ErrInvalidInput = errors.New("rbac: invalid input")
)

// Built-in role names with special authority in assignment checks.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
)

// ActionAll matches any action on a resource.
const ActionAll = "all"

// WildcardAll is the blanket permission name granting everything.
const WildcardAll = "*"

// RoleType distinguishes seeded system roles from administrator-created ones.
type RoleType string

const (
	RoleTypeSystem RoleType = "system"
	RoleTypeCustom RoleType = "custom"
)

// Permission is a (resource, action) capability. The synthetic Name is
// "<resource>:<action>"; a Name of "*" or "<resource>:*" is a wildcard grant.
type Permission struct {
	ID          string
	Name        string
	Resource    string
	Action      string
	Description string
	CreatedAt   time.Time
}

// PermissionName builds the synthetic name for a (resource, action) pair.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// Matches reports whether this permission grants the requested (resource,
// action). Wildcard matching is resource-scoped; there is no action
// hierarchy beyond ActionAll.
func (p Permission) Matches(resource, action string) bool {
	if p.Name == WildcardAll {
		return true
	}
	if p.Name == resource+":"+WildcardAll {
		return true
	}
	if p.Resource != resource {
		return false
	}
	return p.Action == action || p.Action == ActionAll
}

// Role is a named, leveled bundle of permissions. A higher level implies more
// privilege in this design's seniority model.
type Role struct {
	ID          string
	Name        string
	Description string
	Level       int
	Type        RoleType
	Active      bool
	Permissions []Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsSystem reports whether the role is a seeded system role, which is
// immutable and non-deletable.
func (r *Role) IsSystem() bool { return r.Type == RoleTypeSystem }

// NormalizeRoleName lower-cases and trims a role name for lookups.
func NormalizeRoleName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

// Permission names referenced by the engine's own authorization checks.
const (
	PermRoleCreate = "role:create"
	PermRoleUpdate = "role:update"
	PermRoleDelete = "role:delete"
	PermRoleAssign = "role:assign"
	PermRoleRead   = "role:read"
)

// BuiltinPermissions is the seeded permission catalog. The store's Ensure is
// idempotent, so startups converge on this set.
var BuiltinPermissions = []Permission{
	{Name: WildcardAll, Resource: "*", Action: ActionAll, Description: "Blanket access to everything"},
	{Name: PermRoleCreate, Resource: "role", Action: "create", Description: "Create roles"},
	{Name: PermRoleUpdate, Resource: "role", Action: "update", Description: "Update role permissions"},
	{Name: PermRoleDelete, Resource: "role", Action: "delete", Description: "Delete custom roles"},
	{Name: PermRoleAssign, Resource: "role", Action: "assign", Description: "Assign or revoke roles"},
	{Name: PermRoleRead, Resource: "role", Action: "read", Description: "Inspect roles and hierarchies"},
	{Name: "user:read", Resource: "user", Action: "read", Description: "Read user records"},
	{Name: "user:update", Resource: "user", Action: "update", Description: "Update user records"},
	{Name: "session:read", Resource: "session", Action: "read", Description: "List sessions"},
	{Name: "session:revoke", Resource: "session", Action: "revoke", Description: "Revoke other users' sessions"},
	{Name: "audit:read", Resource: "audit", Action: "read", Description: "Query audit events"},
}
