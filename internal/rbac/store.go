package rbac

import "context"

// RoleStore persists roles, their permission sets and user assignments.
// FindByName, List and RolesForUser return roles with permissions preloaded;
// Create persists the role row together with its permission links.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	SetPermissions(ctx context.Context, roleID string, permissionNames []string) error
	Delete(ctx context.Context, roleID string) error
	HolderCount(ctx context.Context, roleID string) (int, error)

	RolesForUser(ctx context.Context, userID string) ([]*Role, error)
	Assign(ctx context.Context, userID, roleID string) error
	Revoke(ctx context.Context, userID, roleID string) error
}

// PermissionStore manages the read-mostly permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	FindByNames(ctx context.Context, names []string) ([]Permission, error)
}

// UserDirectory is the narrow slice of the identity store the engine needs:
// distinguishing "principal missing" from "nothing granted".
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}
