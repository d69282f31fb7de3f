package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"idplane.org/internal/audit"
	"idplane.org/internal/event"
	"idplane.org/internal/obs"
)

// Decision is the outcome of a permission query. A plain deny is not an
// error: Granted is false and Reason explains why.
type Decision struct {
	Granted       bool     `json:"granted"`
	Reason        string   `json:"reason"`
	Matched       []string `json:"matched_permissions,omitempty"`
	InheritedFrom []string `json:"inherited_from,omitempty"`
}

// Check names one (resource, action) pair for HasAnyPermission.
type Check struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Engine resolves effective permissions for principals over the level-based
// role hierarchy and performs role administration. Administration operations
// authorize through the engine itself: the check is just another
// HasPermission call.
type Engine struct {
	roles RoleStore
	perms PermissionStore
	users UserDirectory
	cache *HierarchyCache
	rec   audit.Recorder
	bus   *event.Bus
	now   func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithAudit wires the audit sink.
func WithAudit(rec audit.Recorder) EngineOption {
	return func(e *Engine) { e.rec = rec }
}

// WithBus wires the domain event bus.
func WithBus(bus *event.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithCache overrides hierarchy cache sizing.
func WithCache(size int, ttl time.Duration) EngineOption {
	return func(e *Engine) { e.cache = NewHierarchyCache(size, ttl) }
}

// WithEngineClock overrides the time source (useful for tests).
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the RBAC engine.
func NewEngine(roles RoleStore, perms PermissionStore, users UserDirectory, opts ...EngineOption) (*Engine, error) {
	if roles == nil || perms == nil || users == nil {
		return nil, errors.New("rbac: role store, permission store and user directory are required")
	}
	e := &Engine{
		roles: roles,
		perms: perms,
		users: users,
		cache: NewHierarchyCache(defaultCacheSize, defaultCacheTTL),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EnsureBuiltins seeds the permission catalog. Idempotent.
func (e *Engine) EnsureBuiltins(ctx context.Context) error {
	return e.perms.Ensure(ctx, BuiltinPermissions)
}

// HasPermission reports whether the principal may perform action on resource,
// through direct role permissions or ones inherited from parent roles.
func (e *Engine) HasPermission(ctx context.Context, userID, resource, action string) (Decision, error) {
	roles, err := e.userRoles(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	dec, err := e.evaluate(ctx, roles, resource, action)
	if err != nil {
		return Decision{}, err
	}
	obs.PermissionChecksTotal.WithLabelValues(strconv.FormatBool(dec.Granted)).Inc()
	return dec, nil
}

// HasAnyPermission short-circuits on the first granted check.
func (e *Engine) HasAnyPermission(ctx context.Context, userID string, checks []Check) (Decision, error) {
	roles, err := e.userRoles(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	for _, c := range checks {
		dec, err := e.evaluate(ctx, roles, c.Resource, c.Action)
		if err != nil {
			return Decision{}, err
		}
		if dec.Granted {
			obs.PermissionChecksTotal.WithLabelValues("true").Inc()
			return dec, nil
		}
	}
	obs.PermissionChecksTotal.WithLabelValues("false").Inc()
	return Decision{Granted: false, Reason: "no check matched any permission"}, nil
}

// HasRole reports whether the principal holds roleName, either directly or by
// holding any role at or above the target's hierarchy level. Seniority
// subsumes identity here: a level-5 principal "has" every level-5-or-below
// role name.
func (e *Engine) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	target, err := e.roles.FindByName(ctx, NormalizeRoleName(roleName))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	roles, err := e.userRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if !r.Active {
			continue
		}
		if r.Name == target.Name || r.Level >= target.Level {
			return true, nil
		}
	}
	return false, nil
}

// EffectivePermissions returns the union of direct and inherited permissions,
// deduplicated by name.
func (e *Engine) EffectivePermissions(ctx context.Context, userID string) ([]Permission, error) {
	roles, err := e.userRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]Permission)
	for _, role := range roles {
		if !role.Active {
			continue
		}
		for _, p := range role.Permissions {
			seen[p.Name] = p
		}
		h, err := e.Hierarchy(ctx, role.Name)
		if err != nil {
			return nil, err
		}
		for _, perms := range h.Inherited {
			for _, p := range perms {
				seen[p.Name] = p
			}
		}
	}
	out := make([]Permission, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// EffectivePermissionNames flattens EffectivePermissions to names, as carried
// in access token claims.
func (e *Engine) EffectivePermissionNames(ctx context.Context, userID string) ([]string, error) {
	perms, err := e.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = p.Name
	}
	return names, nil
}

// RoleNames returns the active role names directly assigned to the principal.
func (e *Engine) RoleNames(ctx context.Context, userID string) ([]string, error) {
	roles, err := e.userRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range roles {
		if r.Active {
			names = append(names, r.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Hierarchy returns the cached hierarchy snapshot for roleName, building it
// from the role store on a miss. Parents are the roles one level above,
// children one level below.
func (e *Engine) Hierarchy(ctx context.Context, roleName string) (Hierarchy, error) {
	name := NormalizeRoleName(roleName)
	if h, ok := e.cache.Get(name); ok {
		return h, nil
	}
	role, err := e.roles.FindByName(ctx, name)
	if err != nil {
		return Hierarchy{}, err
	}
	all, err := e.roles.List(ctx)
	if err != nil {
		return Hierarchy{}, err
	}
	h := Hierarchy{
		Role:      role.Name,
		Level:     role.Level,
		Inherited: make(map[string][]Permission),
	}
	for _, r := range all {
		if !r.Active || r.Name == role.Name {
			continue
		}
		switch r.Level {
		case role.Level + 1:
			h.Parents = append(h.Parents, r.Name)
			if len(r.Permissions) > 0 {
				h.Inherited[r.Name] = r.Permissions
			}
		case role.Level - 1:
			h.Children = append(h.Children, r.Name)
		}
	}
	sort.Strings(h.Parents)
	sort.Strings(h.Children)
	e.cache.Set(h)
	return h, nil
}

// AssignRole grants roleName to userID after validating the actor's
// authority. Invalidate is per-role: assignment does not change the hierarchy
// of other roles.
func (e *Engine) AssignRole(ctx context.Context, userID, roleName, actorID string) error {
	role, err := e.roles.FindByName(ctx, NormalizeRoleName(roleName))
	if err != nil {
		return err
	}
	if !role.Active {
		return fmt.Errorf("%w: role %s is not active", ErrInvalidInput, role.Name)
	}
	if _, err := e.userRoles(ctx, userID); err != nil {
		return err
	}
	if err := e.authorizeRoleChange(ctx, actorID, role); err != nil {
		return err
	}
	if err := e.roles.Assign(ctx, userID, role.ID); err != nil {
		return err
	}
	e.cache.Invalidate(role.Name)
	audit.Emit(ctx, e.rec, audit.Event{
		ActorID:    actorID,
		Action:     "rbac.role.assign",
		Resource:   "user",
		ResourceID: userID,
		NewValues:  map[string]any{"role": role.Name},
		Success:    true,
	})
	e.bus.Publish(event.Event{
		Type:      event.TypeRoleAssigned,
		ActorID:   actorID,
		SubjectID: userID,
		Fields:    map[string]string{"role": role.Name},
	})
	return nil
}

// RevokeRole removes roleName from userID after validating the actor's
// authority.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleName, actorID string) error {
	role, err := e.roles.FindByName(ctx, NormalizeRoleName(roleName))
	if err != nil {
		return err
	}
	if _, err := e.userRoles(ctx, userID); err != nil {
		return err
	}
	if err := e.authorizeRoleChange(ctx, actorID, role); err != nil {
		return err
	}
	if err := e.roles.Revoke(ctx, userID, role.ID); err != nil {
		return err
	}
	e.cache.Invalidate(role.Name)
	audit.Emit(ctx, e.rec, audit.Event{
		ActorID:    actorID,
		Action:     "rbac.role.revoke",
		Resource:   "user",
		ResourceID: userID,
		OldValues:  map[string]any{"role": role.Name},
		Success:    true,
	})
	e.bus.Publish(event.Event{
		Type:      event.TypeRoleRevoked,
		ActorID:   actorID,
		SubjectID: userID,
		Fields:    map[string]string{"role": role.Name},
	})
	return nil
}

// CreateRole creates a custom role holding the named permissions. Requires
// role:create (or a wildcard) on the actor.
func (e *Engine) CreateRole(ctx context.Context, actorID, name, description string, level int, permissionNames []string) (*Role, error) {
	name = NormalizeRoleName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if level < 0 {
		return nil, fmt.Errorf("%w: hierarchy level must be non-negative", ErrInvalidInput)
	}
	if err := e.requirePermission(ctx, actorID, "role", "create"); err != nil {
		return nil, err
	}
	perms, err := e.resolvePermissions(ctx, permissionNames)
	if err != nil {
		return nil, err
	}
	role := &Role{
		Name:        name,
		Description: description,
		Level:       level,
		Type:        RoleTypeCustom,
		Active:      true,
		Permissions: perms,
	}
	if err := e.roles.Create(ctx, role); err != nil {
		return nil, err
	}
	e.cache.Purge()
	audit.Emit(ctx, e.rec, audit.Event{
		ActorID:    actorID,
		Action:     "rbac.role.create",
		Resource:   "role",
		ResourceID: role.ID,
		NewValues:  map[string]any{"name": role.Name, "level": role.Level, "permissions": permissionNames},
		Success:    true,
	})
	return role, nil
}

// UpdateRolePermissions replaces the permission set of a custom role.
// Requires role:update on the actor; system roles are immutable.
func (e *Engine) UpdateRolePermissions(ctx context.Context, actorID, roleName string, permissionNames []string) error {
	if err := e.requirePermission(ctx, actorID, "role", "update"); err != nil {
		return err
	}
	role, err := e.roles.FindByName(ctx, NormalizeRoleName(roleName))
	if err != nil {
		return err
	}
	if role.IsSystem() {
		return fmt.Errorf("%w: system role %s is immutable", ErrForbidden, role.Name)
	}
	perms, err := e.resolvePermissions(ctx, permissionNames)
	if err != nil {
		return err
	}
	names := make([]string, len(perms))
	oldNames := make([]string, len(role.Permissions))
	for i, p := range perms {
		names[i] = p.Name
	}
	for i, p := range role.Permissions {
		oldNames[i] = p.Name
	}
	if err := e.roles.SetPermissions(ctx, role.ID, names); err != nil {
		return err
	}
	e.cache.Purge()
	audit.Emit(ctx, e.rec, audit.Event{
		ActorID:    actorID,
		Action:     "rbac.role.update_permissions",
		Resource:   "role",
		ResourceID: role.ID,
		OldValues:  map[string]any{"permissions": oldNames},
		NewValues:  map[string]any{"permissions": names},
		Success:    true,
	})
	return nil
}

// DeleteRole removes a custom role. Blocked while any principal holds it.
func (e *Engine) DeleteRole(ctx context.Context, actorID, roleName string) error {
	if err := e.requirePermission(ctx, actorID, "role", "delete"); err != nil {
		return err
	}
	role, err := e.roles.FindByName(ctx, NormalizeRoleName(roleName))
	if err != nil {
		return err
	}
	if role.IsSystem() {
		return fmt.Errorf("%w: system role %s cannot be deleted", ErrForbidden, role.Name)
	}
	holders, err := e.roles.HolderCount(ctx, role.ID)
	if err != nil {
		return err
	}
	if holders > 0 {
		return fmt.Errorf("%w: role %s is still assigned to %d user(s)", ErrConflict, role.Name, holders)
	}
	if err := e.roles.Delete(ctx, role.ID); err != nil {
		return err
	}
	e.cache.Purge()
	audit.Emit(ctx, e.rec, audit.Event{
		ActorID:    actorID,
		Action:     "rbac.role.delete",
		Resource:   "role",
		ResourceID: role.ID,
		OldValues:  map[string]any{"name": role.Name},
		Success:    true,
	})
	return nil
}

// ListRoles returns every role with permissions preloaded.
func (e *Engine) ListRoles(ctx context.Context) ([]*Role, error) {
	return e.roles.List(ctx)
}

// InvalidateHierarchy exposes the invalidate-all hook for callers that write
// role or permission data out of band (migrations, seeds).
func (e *Engine) InvalidateHierarchy() {
	e.cache.Purge()
}

func (e *Engine) userRoles(ctx context.Context, userID string) ([]*Role, error) {
	ok, err := e.users.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return e.roles.RolesForUser(ctx, userID)
}

// evaluate computes a Decision from the principal's roles. Never returns a
// deny as an error.
func (e *Engine) evaluate(ctx context.Context, roles []*Role, resource, action string) (Decision, error) {
	var (
		matched       []string
		inheritedFrom []string
		directHit     bool
	)
	for _, role := range roles {
		if !role.Active {
			continue
		}
		for _, p := range role.Permissions {
			if p.Matches(resource, action) {
				matched = append(matched, p.Name)
				directHit = true
			}
		}
	}
	for _, role := range roles {
		if !role.Active {
			continue
		}
		h, err := e.Hierarchy(ctx, role.Name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return Decision{}, err
		}
		for parent, perms := range h.Inherited {
			for _, p := range perms {
				if p.Matches(resource, action) {
					matched = append(matched, p.Name)
					inheritedFrom = append(inheritedFrom, parent)
				}
			}
		}
	}
	matched = dedupeSorted(matched)
	inheritedFrom = dedupeSorted(inheritedFrom)
	if len(matched) == 0 {
		return Decision{
			Granted: false,
			Reason:  fmt.Sprintf("no permission matches %s", PermissionName(resource, action)),
		}, nil
	}
	reason := "granted by direct permission"
	if !directHit {
		reason = "granted by inherited permission"
	}
	return Decision{
		Granted:       true,
		Reason:        reason,
		Matched:       matched,
		InheritedFrom: inheritedFrom,
	}, nil
}

// authorizeRoleChange validates the actor's authority to assign or revoke
// target: super-admin unconditionally, admin for anything below admin,
// otherwise an explicit role:assign (or wildcard) permission.
func (e *Engine) authorizeRoleChange(ctx context.Context, actorID string, target *Role) error {
	actorRoles, err := e.userRoles(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown actor", ErrForbidden)
		}
		return err
	}
	for _, r := range actorRoles {
		if !r.Active {
			continue
		}
		if r.Name == RoleSuperAdmin {
			return nil
		}
		if r.Name == RoleAdmin && target.Name != RoleSuperAdmin && target.Name != RoleAdmin {
			return nil
		}
	}
	dec, err := e.evaluate(ctx, actorRoles, "role", "assign")
	if err != nil {
		return err
	}
	if !dec.Granted {
		return fmt.Errorf("%w: assigning %s requires %s", ErrForbidden, target.Name, PermRoleAssign)
	}
	return nil
}

func (e *Engine) requirePermission(ctx context.Context, actorID, resource, action string) error {
	dec, err := e.HasPermission(ctx, actorID, resource, action)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown actor", ErrForbidden)
		}
		return err
	}
	if !dec.Granted {
		return fmt.Errorf("%w: requires %s", ErrForbidden, PermissionName(resource, action))
	}
	return nil
}

func (e *Engine) resolvePermissions(ctx context.Context, names []string) ([]Permission, error) {
	names = dedupeSorted(names)
	if len(names) == 0 {
		return nil, nil
	}
	perms, err := e.perms.FindByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	if len(perms) != len(names) {
		known := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			known[p.Name] = struct{}{}
		}
		for _, n := range names {
			if _, ok := known[n]; !ok {
				return nil, fmt.Errorf("%w: permission %s", ErrNotFound, n)
			}
		}
	}
	return perms, nil
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
