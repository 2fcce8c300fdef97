package mem

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lyceum.org/internal/auth"
)

func (s *Store) GetUser(_ context.Context, id int64) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, fmt.Errorf("%w: user %q", auth.ErrNotFound, email)
}

func (s *Store) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	u.PasswordHash = hash
	s.users[id] = u
	return nil
}

func (s *Store) createRole(_ context.Context, role auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rbac.roles {
		if r.Name == role.Name {
			return auth.Role{}, fmt.Errorf("%w: role %q", auth.ErrAlreadyExists, role.Name)
		}
	}
	if role.ParentRoleID != nil {
		if _, ok := s.rbac.roles[*role.ParentRoleID]; !ok {
			return auth.Role{}, fmt.Errorf("%w: parent role %d", auth.ErrNotFound, *role.ParentRoleID)
		}
	}
	if role.Status == "" {
		role.Status = auth.RoleStatusActive
	}
	s.rbac.nextRoleID++
	role.ID = s.rbac.nextRoleID
	role.CreatedAt = s.now()
	role.UpdatedAt = role.CreatedAt
	s.rbac.roles[role.ID] = role
	return role, nil
}

func (s *Store) GetRole(_ context.Context, id int64) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rbac.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	return r, nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.roleByNameLocked(name); ok {
		return r, nil
	}
	return auth.Role{}, fmt.Errorf("%w: role %q", auth.ErrNotFound, name)
}

func (s *Store) roleByNameLocked(name string) (auth.Role, bool) {
	for _, r := range s.rbac.roles {
		if r.Name == name {
			return r, true
		}
	}
	return auth.Role{}, false
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.rbac.roles))
	for _, r := range s.rbac.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) updateRole(_ context.Context, id int64, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rbac.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	if upd.Name != nil && *upd.Name != r.Name {
		if _, taken := s.roleByNameLocked(*upd.Name); taken {
			return auth.Role{}, fmt.Errorf("%w: role %q", auth.ErrAlreadyExists, *upd.Name)
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	r.UpdatedAt = s.now()
	s.rbac.roles[id] = r
	return r, nil
}

func (s *Store) deleteRole(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rbac.roles[id]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	delete(s.rbac.roles, id)
	delete(s.rbac.grants, id)
	for _, set := range s.rbac.userRoles {
		delete(set, id)
	}
	return nil
}

func (s *Store) CountRoleHolders(_ context.Context, role auth.Role) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	holders := make(map[int64]struct{})
	for uid, set := range s.rbac.userRoles {
		if _, ok := set[role.ID]; ok {
			holders[uid] = struct{}{}
		}
	}
	for _, u := range s.users {
		if u.PrimaryRole == role.Name {
			holders[u.ID] = struct{}{}
		}
	}
	return len(holders), nil
}

func (s *Store) assignRole(_ context.Context, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, userID)
	}
	if _, ok := s.rbac.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	set := s.rbac.userRoles[userID]
	if set == nil {
		set = make(map[int64]struct{})
		s.rbac.userRoles[userID] = set
	}
	if _, dup := set[roleID]; dup {
		return auth.ErrAlreadyAssigned
	}
	set[roleID] = struct{}{}
	return nil
}

func (s *Store) unassignRole(_ context.Context, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.rbac.userRoles[userID]
	if _, ok := set[roleID]; !ok {
		return auth.ErrNotAssigned
	}
	delete(set, roleID)
	return nil
}

func (s *Store) UserRoles(_ context.Context, userID int64) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.rbac.userRoles[userID]))
	for rid := range s.rbac.userRoles[userID] {
		if r, ok := s.rbac.roles[rid]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) createPermission(_ context.Context, perm auth.Permission) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rbac.perms {
		if p.Name == perm.Name {
			return auth.Permission{}, fmt.Errorf("%w: permission %q", auth.ErrAlreadyExists, perm.Name)
		}
	}
	s.rbac.nextPermID++
	perm.ID = s.rbac.nextPermID
	perm.CreatedAt = s.now()
	s.rbac.perms[perm.ID] = perm
	return perm, nil
}

func (s *Store) GetPermissionByName(_ context.Context, name string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.rbac.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return auth.Permission{}, fmt.Errorf("%w: permission %q", auth.ErrNotFound, name)
}

func (s *Store) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.rbac.perms))
	for _, p := range s.rbac.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) deletePermission(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rbac.perms[id]; !ok {
		return fmt.Errorf("%w: permission %d", auth.ErrNotFound, id)
	}
	delete(s.rbac.perms, id)
	for _, set := range s.rbac.grants {
		delete(set, id)
	}
	return nil
}

func (s *Store) CountPermissionGrants(_ context.Context, permissionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.rbac.grants {
		if _, ok := set[permissionID]; ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) grantPermission(_ context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rbac.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	if _, ok := s.rbac.perms[permissionID]; !ok {
		return fmt.Errorf("%w: permission %d", auth.ErrNotFound, permissionID)
	}
	set := s.rbac.grants[roleID]
	if set == nil {
		set = make(map[int64]struct{})
		s.rbac.grants[roleID] = set
	}
	if _, dup := set[permissionID]; dup {
		return auth.ErrAlreadyAssigned
	}
	set[permissionID] = struct{}{}
	return nil
}

func (s *Store) revokePermission(_ context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.rbac.grants[roleID]
	if _, ok := set[permissionID]; !ok {
		return auth.ErrNotAssigned
	}
	delete(set, permissionID)
	return nil
}

func (s *Store) PermissionNamesForRoles(_ context.Context, roleNames []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, name := range roleNames {
		role, ok := s.roleByNameLocked(name)
		if !ok || role.Status != auth.RoleStatusActive {
			continue
		}
		for pid := range s.rbac.grants[role.ID] {
			if p, ok := s.rbac.perms[pid]; ok {
				seen[p.Name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) RolePermissionNames(_ context.Context, roleID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rbac.grants[roleID]))
	for pid := range s.rbac.grants[roleID] {
		if p, ok := s.rbac.perms[pid]; ok {
			out = append(out, p.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}
