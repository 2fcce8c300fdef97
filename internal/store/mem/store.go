// Package mem keeps every auth store in process memory. It backs tests and the
// single-node development mode.
package mem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lyceum.org/internal/auth"
)

// rbacState is the part of the store InTx snapshots. Accounts live outside it
// because transactions never write them.
type rbacState struct {
	roles      map[int64]auth.Role
	perms      map[int64]auth.Permission
	userRoles  map[int64]map[int64]struct{}
	grants     map[int64]map[int64]struct{}
	nextRoleID int64
	nextPermID int64
}

func newRBACState() rbacState {
	return rbacState{
		roles:     make(map[int64]auth.Role),
		perms:     make(map[int64]auth.Permission),
		userRoles: make(map[int64]map[int64]struct{}),
		grants:    make(map[int64]map[int64]struct{}),
	}
}

func (s rbacState) clone() rbacState {
	out := newRBACState()
	for k, v := range s.roles {
		out.roles[k] = v
	}
	for k, v := range s.perms {
		out.perms[k] = v
	}
	for k, set := range s.userRoles {
		out.userRoles[k] = cloneSet(set)
	}
	for k, set := range s.grants {
		out.grants[k] = cloneSet(set)
	}
	out.nextRoleID, out.nextPermID = s.nextRoleID, s.nextPermID
	return out
}

func cloneSet(in map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Store implements auth.RBACStore, auth.SessionStore, auth.APIKeyStore and auth.MFAStore.
// RBAC writes outside InTx wait for the running transaction, so a rollback never
// discards them.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	now  func() time.Time

	users      map[int64]auth.User
	nextUserID int64

	rbac     rbacState
	sessions map[string]auth.Session
	keys     map[string]auth.APIKey
	mfa      map[int64]auth.MFASettings
}

var (
	_ auth.RBACStore    = (*Store)(nil)
	_ auth.SessionStore = (*Store)(nil)
	_ auth.APIKeyStore  = (*Store)(nil)
	_ auth.MFAStore     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[int64]auth.User),
		rbac:     newRBACState(),
		sessions: make(map[string]auth.Session),
		keys:     make(map[string]auth.APIKey),
		mfa:      make(map[int64]auth.MFASettings),
	}
}

// InTx serializes transactions and restores the RBAC state when fn fails.
func (s *Store) InTx(ctx context.Context, fn func(tx auth.RBACStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.rbac.clone()
	s.mu.RUnlock()

	if err := fn(txView{s}); err != nil {
		s.mu.Lock()
		s.rbac = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// txView is the store as seen inside InTx; nested InTx joins the outer transaction.
type txView struct {
	*Store
}

func (v txView) InTx(_ context.Context, fn func(tx auth.RBACStore) error) error {
	return fn(v)
}

func (v txView) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	return v.createRole(ctx, role)
}

func (v txView) UpdateRole(ctx context.Context, id int64, upd auth.RoleUpdate) (auth.Role, error) {
	return v.updateRole(ctx, id, upd)
}

func (v txView) DeleteRole(ctx context.Context, id int64) error { return v.deleteRole(ctx, id) }

func (v txView) AssignRole(ctx context.Context, userID, roleID int64) error {
	return v.assignRole(ctx, userID, roleID)
}

func (v txView) UnassignRole(ctx context.Context, userID, roleID int64) error {
	return v.unassignRole(ctx, userID, roleID)
}

func (v txView) CreatePermission(ctx context.Context, perm auth.Permission) (auth.Permission, error) {
	return v.createPermission(ctx, perm)
}

func (v txView) DeletePermission(ctx context.Context, id int64) error {
	return v.deletePermission(ctx, id)
}

func (v txView) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	return v.grantPermission(ctx, roleID, permissionID)
}

func (v txView) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	return v.revokePermission(ctx, roleID, permissionID)
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.createRole(ctx, role)
}

func (s *Store) UpdateRole(ctx context.Context, id int64, upd auth.RoleUpdate) (auth.Role, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updateRole(ctx, id, upd)
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.deleteRole(ctx, id)
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.assignRole(ctx, userID, roleID)
}

func (s *Store) UnassignRole(ctx context.Context, userID, roleID int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.unassignRole(ctx, userID, roleID)
}

func (s *Store) CreatePermission(ctx context.Context, perm auth.Permission) (auth.Permission, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.createPermission(ctx, perm)
}

func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.deletePermission(ctx, id)
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.grantPermission(ctx, roleID, permissionID)
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.revokePermission(ctx, roleID, permissionID)
}

// AddUser inserts an account. A zero ID is assigned from the sequence.
func (s *Store) AddUser(u auth.User) auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.nextUserID++
		u.ID = s.nextUserID
	} else if u.ID > s.nextUserID {
		s.nextUserID = u.ID
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.PrimaryRole = strings.ToLower(strings.TrimSpace(u.PrimaryRole))
	s.users[u.ID] = u
	return u
}

// SeedBuiltins inserts the built-in role catalogue and the default permissions.
func (s *Store) SeedBuiltins(ctx context.Context) error {
	for _, r := range auth.BuiltinRoles() {
		if _, err := s.GetRoleByName(ctx, r.Name); err == nil {
			continue
		}
		if _, err := s.CreateRole(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
	}
	for _, p := range auth.DefaultPermissions() {
		if _, err := s.GetPermissionByName(ctx, p.Name); err == nil {
			continue
		}
		if _, err := s.CreatePermission(ctx, p); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.Name, err)
		}
	}
	return nil
}
