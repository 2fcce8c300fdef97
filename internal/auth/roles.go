package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxRoleNameLength = 50

// RoleManager owns role CRUD, user-role assignment and hierarchy checks.
type RoleManager struct {
	store RBACStore
}

func NewRoleManager(store RBACStore) (*RoleManager, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RoleManager{store: store}, nil
}

func validateRoleName(name string) (string, error) {
	name = normalizeRoleName(name)
	if name == "" {
		return "", fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if len(name) > maxRoleNameLength {
		return "", fmt.Errorf("%w: role name exceeds %d characters", ErrInvalidInput, maxRoleNameLength)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return "", fmt.Errorf("%w: role name %q contains invalid characters", ErrInvalidInput, name)
		}
	}
	return name, nil
}

// Create adds a role. parentRoleName is optional; when given it must exist.
func (m *RoleManager) Create(ctx context.Context, name, description string, isCustom bool, parentRoleName string) (Role, error) {
	name, err := validateRoleName(name)
	if err != nil {
		return Role{}, err
	}
	var created Role
	err = m.store.InTx(ctx, func(tx RBACStore) error {
		if _, err := tx.GetRoleByName(ctx, name); err == nil {
			return fmt.Errorf("%w: role %q", ErrAlreadyExists, name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		role := Role{
			Name:        name,
			Description: strings.TrimSpace(description),
			IsCustom:    isCustom,
			Status:      RoleStatusActive,
		}
		if parent := normalizeRoleName(parentRoleName); parent != "" {
			p, err := tx.GetRoleByName(ctx, parent)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: parent role %q", ErrNotFound, parent)
				}
				return err
			}
			role.ParentRoleID = &p.ID
		}
		created, err = tx.CreateRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	return created, nil
}

// Get returns a role by name.
func (m *RoleManager) Get(ctx context.Context, name string) (Role, error) {
	return m.store.GetRoleByName(ctx, normalizeRoleName(name))
}

// List returns every role.
func (m *RoleManager) List(ctx context.Context) ([]Role, error) {
	return m.store.ListRoles(ctx)
}

// Update changes a custom role. Built-in roles are immutable.
func (m *RoleManager) Update(ctx context.Context, name string, upd RoleUpdate) (Role, error) {
	if upd.Name != nil {
		n, err := validateRoleName(*upd.Name)
		if err != nil {
			return Role{}, err
		}
		upd.Name = &n
	}
	if upd.Description != nil {
		d := strings.TrimSpace(*upd.Description)
		upd.Description = &d
	}
	if upd.Status != nil {
		s := strings.ToLower(strings.TrimSpace(*upd.Status))
		if s != RoleStatusActive && s != RoleStatusInactive {
			return Role{}, fmt.Errorf("%w: unknown role status %q", ErrInvalidInput, s)
		}
		upd.Status = &s
	}
	var updated Role
	err := m.store.InTx(ctx, func(tx RBACStore) error {
		role, err := tx.GetRoleByName(ctx, normalizeRoleName(name))
		if err != nil {
			return err
		}
		if !role.IsCustom {
			return fmt.Errorf("%w: built-in role %q cannot be modified", ErrForbidden, role.Name)
		}
		if upd.Name != nil && *upd.Name != role.Name {
			if _, err := tx.GetRoleByName(ctx, *upd.Name); err == nil {
				return fmt.Errorf("%w: role %q", ErrAlreadyExists, *upd.Name)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		updated, err = tx.UpdateRole(ctx, role.ID, upd)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	return updated, nil
}

// Delete removes a custom role nobody holds.
func (m *RoleManager) Delete(ctx context.Context, name string) error {
	return m.store.InTx(ctx, func(tx RBACStore) error {
		role, err := tx.GetRoleByName(ctx, normalizeRoleName(name))
		if err != nil {
			return err
		}
		if !role.IsCustom {
			return fmt.Errorf("%w: built-in role %q cannot be deleted", ErrForbidden, role.Name)
		}
		holders, err := tx.CountRoleHolders(ctx, role)
		if err != nil {
			return err
		}
		if holders > 0 {
			return fmt.Errorf("%w: role %q is held by %d users", ErrConflict, role.Name, holders)
		}
		return tx.DeleteRole(ctx, role.ID)
	})
}

// AssignToUser grants roleName to the user. A duplicate grant fails with ErrAlreadyAssigned,
// including when a concurrent caller wins the race at commit.
func (m *RoleManager) AssignToUser(ctx context.Context, userID int64, roleName string) error {
	roleName = normalizeRoleName(roleName)
	if roleName == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return m.store.InTx(ctx, func(tx RBACStore) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		role, err := tx.GetRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		return tx.AssignRole(ctx, userID, role.ID)
	})
}

// RemoveFromUser revokes an assigned role. The primary role cannot be removed this way.
func (m *RoleManager) RemoveFromUser(ctx context.Context, userID int64, roleName string) error {
	roleName = normalizeRoleName(roleName)
	if roleName == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return m.store.InTx(ctx, func(tx RBACStore) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if normalizeRoleName(user.PrimaryRole) == roleName {
			return fmt.Errorf("%w: primary role cannot be removed", ErrForbidden)
		}
		role, err := tx.GetRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		return tx.UnassignRole(ctx, userID, role.ID)
	})
}

// CheckRole reports whether the user holds requiredRole directly or outranks it.
// Names that are neither in the hierarchy nor stored never pass.
func (m *RoleManager) CheckRole(ctx context.Context, userID int64, requiredRole string) (bool, error) {
	required := normalizeRoleName(requiredRole)
	if required == "" {
		return false, nil
	}
	requiredLevel := HierarchyLevel(required)
	if requiredLevel == 0 {
		if _, err := m.store.GetRoleByName(ctx, required); err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	primary := normalizeRoleName(user.PrimaryRole)
	if primary == required {
		return true, nil
	}
	assigned, err := m.store.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range assigned {
		if r.Name == required {
			return true, nil
		}
	}
	return requiredLevel > 0 && HierarchyLevel(primary) >= requiredLevel, nil
}

// AvailableRolesFor lists roles the actor may hand out: built-in roles ranked strictly
// below the actor's primary role, and custom roles whose grants the actor already holds.
// Superusers and the top tier skip the grant comparison.
func (m *RoleManager) AvailableRolesFor(ctx context.Context, actorID int64) ([]Role, error) {
	actor, err := m.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	ceiling := HierarchyLevel(actor.PrimaryRole)
	if ceiling == 0 {
		return []Role{}, nil
	}
	all, err := m.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	var held *EffectiveSet
	out := make([]Role, 0, len(all))
	for _, r := range all {
		level := HierarchyLevel(r.Name)
		if level >= ceiling {
			continue
		}
		if level == 0 && !unrestricted(actor) {
			if held == nil {
				set, err := effectiveFor(ctx, m.store, actorID)
				if err != nil {
					return nil, err
				}
				held = &set
			}
			covered, err := m.grantsCovered(ctx, r, *held)
			if err != nil {
				return nil, err
			}
			if !covered {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// grantsCovered reports whether held allows every grant on role, active or not.
func (m *RoleManager) grantsCovered(ctx context.Context, role Role, held EffectiveSet) (bool, error) {
	names, err := m.store.RolePermissionNames(ctx, role.ID)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if !held.AllowsName(n) {
			return false, nil
		}
	}
	return true, nil
}

// CanAssign reports whether roleName is among the actor's assignable roles.
func (m *RoleManager) CanAssign(ctx context.Context, actorID int64, roleName string) (bool, error) {
	roleName = normalizeRoleName(roleName)
	available, err := m.AvailableRolesFor(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, r := range available {
		if r.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

// authorizeAssignment fails with ErrForbidden unless the actor may change userID's
// assignment of roleName. Only unrestricted actors may change their own roles.
func (m *RoleManager) authorizeAssignment(ctx context.Context, actorID, userID int64, roleName string) error {
	actor, err := m.store.GetUser(ctx, actorID)
	if err != nil {
		return err
	}
	if actorID == userID && !unrestricted(actor) {
		return fmt.Errorf("%w: cannot change your own roles", ErrForbidden)
	}
	ok, err := m.CanAssign(ctx, actorID, roleName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: role %q is not assignable", ErrForbidden, normalizeRoleName(roleName))
	}
	return nil
}

// AssignToUserAs is AssignToUser performed by actorID.
func (m *RoleManager) AssignToUserAs(ctx context.Context, actorID, userID int64, roleName string) error {
	if err := m.authorizeAssignment(ctx, actorID, userID, roleName); err != nil {
		return err
	}
	return m.AssignToUser(ctx, userID, roleName)
}

// RemoveFromUserAs is RemoveFromUser performed by actorID.
func (m *RoleManager) RemoveFromUserAs(ctx context.Context, actorID, userID int64, roleName string) error {
	if err := m.authorizeAssignment(ctx, actorID, userID, roleName); err != nil {
		return err
	}
	return m.RemoveFromUser(ctx, userID, roleName)
}

// unrestricted reports whether u bypasses grant containment and self-assignment checks.
func unrestricted(u User) bool {
	return u.Superuser || normalizeRoleName(u.PrimaryRole) == TopRole()
}

// RoleAssignment is one item of a bulk request.
type RoleAssignment struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// AssignmentResult reports the outcome of one bulk item.
type AssignmentResult struct {
	RoleAssignment
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// BulkAssign attempts every item in its own transaction and never aborts early.
func (m *RoleManager) BulkAssign(ctx context.Context, items []RoleAssignment) []AssignmentResult {
	return bulk(items, func(item RoleAssignment) error {
		return m.AssignToUser(ctx, item.UserID, item.Role)
	})
}

// BulkAssignAs is BulkAssign performed by actorID; each item is authorized on its own.
func (m *RoleManager) BulkAssignAs(ctx context.Context, actorID int64, items []RoleAssignment) []AssignmentResult {
	return bulk(items, func(item RoleAssignment) error {
		return m.AssignToUserAs(ctx, actorID, item.UserID, item.Role)
	})
}

func bulk(items []RoleAssignment, assign func(RoleAssignment) error) []AssignmentResult {
	results := make([]AssignmentResult, 0, len(items))
	for _, item := range items {
		res := AssignmentResult{RoleAssignment: item}
		if err := assign(item); err != nil {
			res.Err = err
			res.Error = err.Error()
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	return results
}

// heldRoleNames returns the primary role followed by assigned role names.
func heldRoleNames(ctx context.Context, store RoleStore, user User) ([]string, error) {
	assigned, err := store.UserRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assigned)+1)
	seen := make(map[string]struct{}, len(assigned)+1)
	if p := normalizeRoleName(user.PrimaryRole); p != "" {
		names = append(names, p)
		seen[p] = struct{}{}
	}
	for _, r := range assigned {
		if _, ok := seen[r.Name]; ok {
			continue
		}
		seen[r.Name] = struct{}{}
		names = append(names, r.Name)
	}
	return names, nil
}
