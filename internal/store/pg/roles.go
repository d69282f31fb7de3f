package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"idplane.org/internal/ids"
	"idplane.org/internal/rbac"
)

// Roles persists roles, their permission links and user assignments.
type Roles struct {
	db *sql.DB
}

var _ rbac.RoleStore = (*Roles)(nil)

func (s *Roles) Create(ctx context.Context, role *rbac.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into roles (id, name, description, level, type, active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Level, string(role.Type), role.Active).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %s", rbac.ErrConflict, role.Name)
		}
		return err
	}

	for _, p := range role.Permissions {
		if err := linkPermission(ctx, tx, role.ID, p.Name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Roles) FindByName(ctx context.Context, name string) (*rbac.Role, error) {
	var (
		role rbac.Role
		desc sql.NullString
		typ  string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, level, type, active, created_at, updated_at
		from roles
		where name = $1
	`, name).Scan(&role.ID, &role.Name, &desc, &role.Level, &typ, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	role.Description = desc.String
	role.Type = rbac.RoleType(typ)
	perms, err := rolePermissions(ctx, s.db, role.ID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return &role, nil
}

func (s *Roles) List(ctx context.Context) ([]*rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, level, type, active, created_at, updated_at
		from roles
		order by level desc, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*rbac.Role
	byID := make(map[string]*rbac.Role)
	for rows.Next() {
		var (
			role rbac.Role
			desc sql.NullString
			typ  string
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.Level, &typ, &role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		role.Description = desc.String
		role.Type = rbac.RoleType(typ)
		roles = append(roles, &role)
		byID[role.ID] = &role
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	permRows, err := s.db.QueryContext(ctx, `
		select rp.role_id, p.id, p.name, p.resource, p.action, coalesce(p.description, ''), p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		order by p.name
	`)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()

	for permRows.Next() {
		var (
			roleID string
			p      rbac.Permission
		)
		if err := permRows.Scan(&roleID, &p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		if role, ok := byID[roleID]; ok {
			role.Permissions = append(role.Permissions, p)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Roles) SetPermissions(ctx context.Context, roleID string, permissionNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, name := range permissionNames {
		if err := linkPermission(ctx, tx, roleID, name); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Roles) Delete(ctx context.Context, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
	}
	return nil
}

func (s *Roles) HolderCount(ctx context.Context, roleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from user_roles where role_id = $1
	`, roleID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Roles) RolesForUser(ctx context.Context, userID string) ([]*rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.level, r.type, r.active, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.level desc, r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*rbac.Role
	for rows.Next() {
		var (
			role rbac.Role
			desc sql.NullString
			typ  string
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.Level, &typ, &role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		role.Description = desc.String
		role.Type = rbac.RoleType(typ)
		roles = append(roles, &role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, role := range roles {
		perms, err := rolePermissions(ctx, s.db, role.ID)
		if err != nil {
			return nil, err
		}
		role.Permissions = perms
	}
	return roles, nil
}

func (s *Roles) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
	`, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: role already assigned", rbac.ErrConflict)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: user or role", rbac.ErrNotFound)
			}
		}
		return err
	}
	return nil
}

func (s *Roles) Revoke(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: role not assigned", rbac.ErrNotFound)
	}
	return nil
}

// Permissions persists the read-mostly permission catalog.
type Permissions struct {
	db *sql.DB
}

var _ rbac.PermissionStore = (*Permissions)(nil)

func (s *Permissions) Ensure(ctx context.Context, perms []rbac.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, description)
			values ($1, $2, $3, $4, $5)
			on conflict (name) do nothing
		`, id, p.Name, p.Resource, p.Action, nullIfEmpty(p.Description)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Permissions) List(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, resource, action, coalesce(description, ''), created_at
		from permissions
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Permissions) FindByNames(ctx context.Context, names []string) ([]rbac.Permission, error) {
	var out []rbac.Permission
	for _, name := range names {
		var p rbac.Permission
		err := s.db.QueryRowContext(ctx, `
			select id, name, resource, action, coalesce(description, ''), created_at
			from permissions
			where name = $1
		`, name).Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func rolePermissions(ctx context.Context, db *sql.DB, roleID string) ([]rbac.Permission, error) {
	rows, err := db.QueryContext(ctx, `
		select p.id, p.name, p.resource, p.action, coalesce(p.description, ''), p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func scanPermissions(rows *sql.Rows) ([]rbac.Permission, error) {
	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func linkPermission(ctx context.Context, tx *sql.Tx, roleID, permissionName string) error {
	var permID string
	err := tx.QueryRowContext(ctx, `select id from permissions where name = $1`, permissionName).Scan(&permID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: permission %s", rbac.ErrNotFound, permissionName)
		}
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict do nothing
	`, roleID, permID)
	return err
}
