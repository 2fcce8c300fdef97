package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EffectiveSet is a user's resolved permission set. All short-circuits superusers
// and the top hierarchy tier without materialising names.
type EffectiveSet struct {
	All   bool
	Names map[string]struct{}
}

// Has reports whether name is held verbatim (or All is set).
func (s EffectiveSet) Has(name string) bool {
	if s.All {
		return true
	}
	_, ok := s.Names[name]
	return ok
}

// Allows checks the exact "<rt>_<action>" name first, then the "<rt>_*" wildcard.
func (s EffectiveSet) Allows(rt ResourceType, action Action) bool {
	if s.All {
		return true
	}
	if s.Has(PermissionName(rt, action)) {
		return true
	}
	return s.Has(WildcardName(rt))
}

// AllowsName is Allows for a permission given by name.
func (s EffectiveSet) AllowsName(name string) bool {
	if s.Has(name) {
		return true
	}
	rt, action, ok := SplitPermissionName(name)
	return ok && s.Allows(rt, action)
}

// Sorted lists the held names. It is empty when All is set.
func (s EffectiveSet) Sorted() []string {
	out := make([]string, 0, len(s.Names))
	for n := range s.Names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PermissionManager owns the permission catalogue, role grants and permission checks.
type PermissionManager struct {
	store RBACStore
	roles *RoleManager
}

func NewPermissionManager(store RBACStore, roles *RoleManager) (*PermissionManager, error) {
	if store == nil || roles == nil {
		return nil, errors.New("rbac store and role manager are required")
	}
	return &PermissionManager{store: store, roles: roles}, nil
}

// Create adds a permission for a matrix pair. An empty name defaults to "<rt>_<action>".
func (m *PermissionManager) Create(ctx context.Context, name string, rt ResourceType, action Action, description string) (Permission, error) {
	rt = ResourceType(strings.ToLower(strings.TrimSpace(string(rt))))
	action = Action(strings.ToLower(strings.TrimSpace(string(action))))
	if err := ValidatePair(rt, action); err != nil {
		return Permission{}, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = PermissionName(rt, action)
	}
	var created Permission
	err := m.store.InTx(ctx, func(tx RBACStore) error {
		if _, err := tx.GetPermissionByName(ctx, name); err == nil {
			return fmt.Errorf("%w: permission %q", ErrAlreadyExists, name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		var err error
		created, err = tx.CreatePermission(ctx, Permission{
			Name:         name,
			Description:  strings.TrimSpace(description),
			ResourceType: rt,
			Action:       action,
		})
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	return created, nil
}

// Get returns a permission by name.
func (m *PermissionManager) Get(ctx context.Context, name string) (Permission, error) {
	return m.store.GetPermissionByName(ctx, strings.ToLower(strings.TrimSpace(name)))
}

// List returns the whole catalogue.
func (m *PermissionManager) List(ctx context.Context) ([]Permission, error) {
	return m.store.ListPermissions(ctx)
}

// Delete removes a permission no role grants.
func (m *PermissionManager) Delete(ctx context.Context, name string) error {
	return m.store.InTx(ctx, func(tx RBACStore) error {
		perm, err := tx.GetPermissionByName(ctx, strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return err
		}
		grants, err := tx.CountPermissionGrants(ctx, perm.ID)
		if err != nil {
			return err
		}
		if grants > 0 {
			return fmt.Errorf("%w: permission %q is granted to %d roles", ErrConflict, perm.Name, grants)
		}
		return tx.DeletePermission(ctx, perm.ID)
	})
}

// AssignToRole grants a permission. A duplicate grant fails with ErrAlreadyAssigned.
func (m *PermissionManager) AssignToRole(ctx context.Context, roleName, permissionName string) error {
	return m.store.InTx(ctx, func(tx RBACStore) error {
		role, perm, err := m.lookupGrant(ctx, tx, roleName, permissionName)
		if err != nil {
			return err
		}
		return tx.GrantPermission(ctx, role.ID, perm.ID)
	})
}

// RemoveFromRole revokes a permission. A missing grant fails with ErrNotAssigned.
func (m *PermissionManager) RemoveFromRole(ctx context.Context, roleName, permissionName string) error {
	return m.store.InTx(ctx, func(tx RBACStore) error {
		role, perm, err := m.lookupGrant(ctx, tx, roleName, permissionName)
		if err != nil {
			return err
		}
		return tx.RevokePermission(ctx, role.ID, perm.ID)
	})
}

func (m *PermissionManager) lookupGrant(ctx context.Context, tx RBACStore, roleName, permissionName string) (Role, Permission, error) {
	role, err := tx.GetRoleByName(ctx, normalizeRoleName(roleName))
	if err != nil {
		return Role{}, Permission{}, err
	}
	perm, err := tx.GetPermissionByName(ctx, strings.ToLower(strings.TrimSpace(permissionName)))
	if err != nil {
		return Role{}, Permission{}, err
	}
	return role, perm, nil
}

// AssignToRoleAs is AssignToRole performed by actorID. Unless unrestricted, the actor
// must hold the permission and be able to assign the role.
func (m *PermissionManager) AssignToRoleAs(ctx context.Context, actorID int64, roleName, permissionName string) error {
	if err := m.authorizeGrant(ctx, actorID, roleName, permissionName, true); err != nil {
		return err
	}
	return m.AssignToRole(ctx, roleName, permissionName)
}

// RemoveFromRoleAs is RemoveFromRole performed by actorID, who must be able to assign the role.
func (m *PermissionManager) RemoveFromRoleAs(ctx context.Context, actorID int64, roleName, permissionName string) error {
	if err := m.authorizeGrant(ctx, actorID, roleName, permissionName, false); err != nil {
		return err
	}
	return m.RemoveFromRole(ctx, roleName, permissionName)
}

func (m *PermissionManager) authorizeGrant(ctx context.Context, actorID int64, roleName, permissionName string, mustHold bool) error {
	role, perm, err := m.lookupGrant(ctx, m.store, roleName, permissionName)
	if err != nil {
		return err
	}
	held, err := m.EffectivePermissions(ctx, actorID)
	if err != nil {
		return err
	}
	if held.All {
		return nil
	}
	if mustHold && !held.AllowsName(perm.Name) {
		return fmt.Errorf("%w: %s is not held by the actor", ErrForbidden, perm.Name)
	}
	ok, err := m.roles.CanAssign(ctx, actorID, role.Name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: role %q is not assignable", ErrForbidden, role.Name)
	}
	return nil
}

// EffectivePermissions resolves the union of grants from the user's primary role and
// every assigned role. Nothing is cached across requests; see WithRequestCache.
func (m *PermissionManager) EffectivePermissions(ctx context.Context, userID int64) (EffectiveSet, error) {
	return effectiveFor(ctx, m.store, userID)
}

func effectiveFor(ctx context.Context, store RBACStore, userID int64) (EffectiveSet, error) {
	cache := requestCacheFrom(ctx)
	if cache != nil {
		if set, ok := cache.get(userID); ok {
			return set, nil
		}
	}
	set, err := resolveEffective(ctx, store, userID)
	if err != nil {
		return EffectiveSet{}, err
	}
	if cache != nil {
		cache.put(userID, set)
	}
	return set, nil
}

func resolveEffective(ctx context.Context, store RBACStore, userID int64) (EffectiveSet, error) {
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		return EffectiveSet{}, err
	}
	if unrestricted(user) {
		return EffectiveSet{All: true}, nil
	}
	roles, err := heldRoleNames(ctx, store, user)
	if err != nil {
		return EffectiveSet{}, err
	}
	names, err := store.PermissionNamesForRoles(ctx, roles)
	if err != nil {
		return EffectiveSet{}, err
	}
	set := EffectiveSet{Names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		set.Names[n] = struct{}{}
	}
	return set, nil
}

// CheckResourcePermission reports whether the user may perform action on rt.
func (m *PermissionManager) CheckResourcePermission(ctx context.Context, userID int64, rt ResourceType, action Action) (bool, error) {
	set, err := m.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Allows(rt, action), nil
}

// AvailablePermissionsFor lists what the actor may grant: everything for superusers,
// otherwise only permissions the actor holds.
func (m *PermissionManager) AvailablePermissionsFor(ctx context.Context, actorID int64) ([]Permission, error) {
	set, err := m.EffectivePermissions(ctx, actorID)
	if err != nil {
		return nil, err
	}
	all, err := m.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	if set.All {
		return all, nil
	}
	out := make([]Permission, 0, len(set.Names))
	for _, p := range all {
		if set.Has(p.Name) || set.Allows(p.ResourceType, p.Action) {
			out = append(out, p)
		}
	}
	return out, nil
}

// BulkCheck evaluates every name against one resolved set.
func (m *PermissionManager) BulkCheck(ctx context.Context, userID int64, names []string) (map[string]bool, error) {
	set, err := m.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = set.AllowsName(strings.ToLower(strings.TrimSpace(n)))
	}
	return out, nil
}

type requestCacheKey struct{}

type requestCache struct {
	mu   sync.Mutex
	sets map[int64]EffectiveSet
}

func (c *requestCache) get(userID int64) (EffectiveSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[userID]
	return set, ok
}

func (c *requestCache) put(userID int64, set EffectiveSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[userID] = set
}

// WithRequestCache memoises effective permissions for the lifetime of ctx. Attach it
// per request only; a longer-lived cache would serve stale grants.
func WithRequestCache(ctx context.Context) context.Context {
	if requestCacheFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCacheKey{}, &requestCache{sets: make(map[int64]EffectiveSet)})
}

func requestCacheFrom(ctx context.Context) *requestCache {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(requestCacheKey{}).(*requestCache)
	return c
}
