package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lyceum.org/internal/auth"
)

const userColumns = `id, email, password_hash, role, is_active, is_superuser`

func scanUser(row interface{ Scan(...any) error }) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.PrimaryRole, &u.Active, &u.Superuser)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (auth.User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("%w: user", auth.ErrNotFound)
	}
	return u, err
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.q.ExecContext(ctx, `update users set password_hash = $1, updated_at = now() where id = $2`, hash, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: user %d", auth.ErrNotFound, id))
}

const roleColumns = `id, name, description, is_custom, status, parent_role_id, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (auth.Role, error) {
	var (
		r      auth.Role
		desc   sql.NullString
		parent sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Name, &desc, &r.IsCustom, &r.Status, &parent, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return auth.Role{}, err
	}
	r.Description = desc.String
	if parent.Valid {
		p := parent.Int64
		r.ParentRoleID = &p
	}
	return r, nil
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	status := role.Status
	if status == "" {
		status = auth.RoleStatusActive
	}
	var parent sql.NullInt64
	if role.ParentRoleID != nil {
		parent = sql.NullInt64{Int64: *role.ParentRoleID, Valid: true}
	}
	created, err := scanRole(s.q.QueryRowContext(ctx, `
		insert into roles (name, description, is_custom, status, parent_role_id)
		values ($1, $2, $3, $4, $5)
		returning `+roleColumns,
		role.Name, nullIfEmpty(role.Description), role.IsCustom, status, parent))
	if err != nil {
		return auth.Role{}, mapWriteError(err, fmt.Errorf("%w: role %q", auth.ErrAlreadyExists, role.Name))
	}
	return created, nil
}

func (s *Store) GetRole(ctx context.Context, id int64) (auth.Role, error) {
	r, err := scanRole(s.q.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	return r, err
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (auth.Role, error) {
	r, err := scanRole(s.q.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %q", auth.ErrNotFound, name)
	}
	return r, err
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	return s.queryRoles(ctx, `select `+roleColumns+` from roles order by id`)
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) UpdateRole(ctx context.Context, id int64, upd auth.RoleUpdate) (auth.Role, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if upd.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", idx))
		args = append(args, *upd.Status)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.q.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.Role{}, mapWriteError(err, fmt.Errorf("%w: role name taken", auth.ErrAlreadyExists))
		}
		if err := affectedOrNotFound(res, fmt.Errorf("%w: role %d", auth.ErrNotFound, id)); err != nil {
			return auth.Role{}, err
		}
	}
	return s.GetRole(ctx, id)
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: role %d", auth.ErrNotFound, id))
}

func (s *Store) CountRoleHolders(ctx context.Context, role auth.Role) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		select count(*) from (
			select user_id from user_roles where role_id = $1
			union
			select id from users where role = $2
		) holders
	`, role.ID, role.Name).Scan(&n)
	return n, err
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.q.ExecContext(ctx, `insert into user_roles (user_id, role_id) values ($1, $2)`, userID, roleID)
	if err != nil {
		return mapWriteError(err, auth.ErrAlreadyAssigned)
	}
	return nil
}

func (s *Store) UnassignRole(ctx context.Context, userID, roleID int64) error {
	res, err := s.q.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotAssigned)
}

func (s *Store) UserRoles(ctx context.Context, userID int64) ([]auth.Role, error) {
	return s.queryRoles(ctx, `
		select r.id, r.name, r.description, r.is_custom, r.status, r.parent_role_id, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.id
	`, userID)
}

const permissionColumns = `id, name, description, resource_type, action, created_at`

func scanPermission(row interface{ Scan(...any) error }) (auth.Permission, error) {
	var (
		p    auth.Permission
		desc sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &desc, &p.ResourceType, &p.Action, &p.CreatedAt); err != nil {
		return auth.Permission{}, err
	}
	p.Description = desc.String
	return p, nil
}

func (s *Store) CreatePermission(ctx context.Context, perm auth.Permission) (auth.Permission, error) {
	created, err := scanPermission(s.q.QueryRowContext(ctx, `
		insert into permissions (name, description, resource_type, action)
		values ($1, $2, $3, $4)
		returning `+permissionColumns,
		perm.Name, nullIfEmpty(perm.Description), string(perm.ResourceType), string(perm.Action)))
	if err != nil {
		return auth.Permission{}, mapWriteError(err, fmt.Errorf("%w: permission %q", auth.ErrAlreadyExists, perm.Name))
	}
	return created, nil
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	p, err := scanPermission(s.q.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, fmt.Errorf("%w: permission %q", auth.ErrNotFound, name)
	}
	return p, err
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.q.QueryContext(ctx, `select `+permissionColumns+` from permissions order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []auth.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: permission %d", auth.ErrNotFound, id))
}

func (s *Store) CountPermissionGrants(ctx context.Context, permissionID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `select count(*) from role_permissions where permission_id = $1`, permissionID).Scan(&n)
	return n, err
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.q.ExecContext(ctx, `insert into role_permissions (role_id, permission_id) values ($1, $2)`, roleID, permissionID)
	if err != nil {
		return mapWriteError(err, auth.ErrAlreadyAssigned)
	}
	return nil
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	res, err := s.q.ExecContext(ctx, `delete from role_permissions where role_id = $1 and permission_id = $2`, roleID, permissionID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotAssigned)
}

func (s *Store) PermissionNamesForRoles(ctx context.Context, roleNames []string) ([]string, error) {
	if len(roleNames) == 0 {
		return []string{}, nil
	}
	args := make([]any, 0, len(roleNames)+1)
	args = append(args, auth.RoleStatusActive)
	for _, n := range roleNames {
		args = append(args, n)
	}
	rows, err := s.q.QueryContext(ctx, `
		select distinct p.name
		from roles r
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where r.status = $1 and r.name in (`+placeholders(2, len(roleNames))+`)
		order by p.name
	`, args...)
	if err != nil {
		return nil, err
	}
	return scanNames(rows)
}

func (s *Store) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	return scanNames(rows)
}

func scanNames(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
