package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
)

var builtinNames = []string{
	auth.RoleSuperAdmin, auth.RoleAdmin, auth.RoleTeacher,
	auth.RoleStaff, auth.RoleStudent, auth.RoleParent,
}

func TestCheckRoleFailsClosedOnUnknownRole(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	for _, primary := range builtinNames {
		u := e.user(primary)
		ok, err := e.roles.CheckRole(ctx, u.ID, "nonexistent")
		require.NoError(t, err)
		assert.False(t, ok, "primary %s", primary)
	}
}

func TestCheckRoleHierarchyMonotonic(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	for _, a := range builtinNames {
		u := e.user(a)
		for _, b := range builtinNames {
			ok, err := e.roles.CheckRole(ctx, u.ID, b)
			require.NoError(t, err)
			if auth.HierarchyLevel(a) >= auth.HierarchyLevel(b) {
				assert.True(t, ok, "%s should pass checkRole(%s)", a, b)
			} else {
				assert.False(t, ok, "%s should fail checkRole(%s)", a, b)
			}
		}
	}
}

func TestCheckRoleCustomRoleRequiresAssignment(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	_, err := e.roles.Create(ctx, "reviewer", "", true, "")
	require.NoError(t, err)

	admin := e.user(auth.RoleAdmin)
	ok, err := e.roles.CheckRole(ctx, admin.ID, "reviewer")
	require.NoError(t, err)
	assert.False(t, ok, "custom roles rank 0 and are not implied by hierarchy")

	require.NoError(t, e.roles.AssignToUser(ctx, admin.ID, "reviewer"))
	ok, err = e.roles.CheckRole(ctx, admin.ID, "reviewer")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAvailableRolesNeverEscalate(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	_, err := e.roles.Create(ctx, "reviewer", "", true, "")
	require.NoError(t, err)

	for _, primary := range builtinNames {
		u := e.user(primary)
		available, err := e.roles.AvailableRolesFor(ctx, u.ID)
		require.NoError(t, err)
		for _, r := range available {
			assert.Less(t, auth.HierarchyLevel(r.Name), auth.HierarchyLevel(primary),
				"%s must not hand out %s", primary, r.Name)
		}
	}

	custom := e.user("reviewer")
	available, err := e.roles.AvailableRolesFor(ctx, custom.ID)
	require.NoError(t, err)
	assert.Empty(t, available)

	teacher := e.user(auth.RoleTeacher)
	ok, err := e.roles.CanAssign(ctx, teacher.ID, auth.RoleStudent)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.roles.CanAssign(ctx, teacher.ID, auth.RoleTeacher)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemovePrimaryRoleForbidden(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	for _, primary := range builtinNames {
		u := e.user(primary)
		err := e.roles.RemoveFromUser(ctx, u.ID, primary)
		assert.ErrorIs(t, err, auth.ErrForbidden, primary)
	}
}

func TestAssignAndRemoveRole(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	u := e.user(auth.RoleStudent)

	require.NoError(t, e.roles.AssignToUser(ctx, u.ID, auth.RoleStaff))
	assert.ErrorIs(t, e.roles.AssignToUser(ctx, u.ID, auth.RoleStaff), auth.ErrAlreadyAssigned)
	require.NoError(t, e.roles.RemoveFromUser(ctx, u.ID, auth.RoleStaff))
	assert.ErrorIs(t, e.roles.RemoveFromUser(ctx, u.ID, auth.RoleStaff), auth.ErrNotAssigned)

	assert.ErrorIs(t, e.roles.AssignToUser(ctx, u.ID, "ghost"), auth.ErrNotFound)
	assert.ErrorIs(t, e.roles.AssignToUser(ctx, 9999, auth.RoleStaff), auth.ErrNotFound)
}

func TestCreateRoleRules(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()

	_, err := e.roles.Create(ctx, auth.RoleTeacher, "", true, "")
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)

	_, err = e.roles.Create(ctx, "assistant", "", true, "missing-parent")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	_, err = e.roles.Create(ctx, "bad name!", "", true, "")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	child, err := e.roles.Create(ctx, "Assistant", "helps teachers", true, auth.RoleTeacher)
	require.NoError(t, err)
	assert.Equal(t, "assistant", child.Name)
	parent, err := e.roles.Get(ctx, auth.RoleTeacher)
	require.NoError(t, err)
	require.NotNil(t, child.ParentRoleID)
	assert.Equal(t, parent.ID, *child.ParentRoleID)
}

func TestBuiltinRolesImmutable(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	desc := "changed"
	_, err := e.roles.Update(ctx, auth.RoleAdmin, auth.RoleUpdate{Description: &desc})
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.ErrorIs(t, e.roles.Delete(ctx, auth.RoleAdmin), auth.ErrForbidden)
}

func TestUpdateCustomRole(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	_, err := e.roles.Create(ctx, "reviewer", "", true, "")
	require.NoError(t, err)

	taken := auth.RoleTeacher
	_, err = e.roles.Update(ctx, "reviewer", auth.RoleUpdate{Name: &taken})
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)

	bogus := "paused"
	_, err = e.roles.Update(ctx, "reviewer", auth.RoleUpdate{Status: &bogus})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	name, status := "grader", auth.RoleStatusInactive
	updated, err := e.roles.Update(ctx, "reviewer", auth.RoleUpdate{Name: &name, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "grader", updated.Name)
	assert.Equal(t, auth.RoleStatusInactive, updated.Status)
}

func TestDeleteRoleWithHoldersConflicts(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	_, err := e.roles.Create(ctx, "reviewer", "", true, "")
	require.NoError(t, err)
	u := e.user(auth.RoleStudent)
	require.NoError(t, e.roles.AssignToUser(ctx, u.ID, "reviewer"))

	assert.ErrorIs(t, e.roles.Delete(ctx, "reviewer"), auth.ErrConflict)

	require.NoError(t, e.roles.RemoveFromUser(ctx, u.ID, "reviewer"))
	require.NoError(t, e.roles.Delete(ctx, "reviewer"))
	_, err = e.roles.Get(ctx, "reviewer")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestBulkAssignPartialFailure(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	e.store.AddUser(auth.User{ID: 1, Email: "one@example.org", Active: true, PrimaryRole: auth.RoleStudent})

	results := e.roles.BulkAssign(ctx, []auth.RoleAssignment{
		{UserID: 1, Role: auth.RoleTeacher},
		{UserID: 1, Role: auth.RoleTeacher},
	})
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.ErrorIs(t, results[1].Err, auth.ErrAlreadyAssigned)
	assert.NotEmpty(t, results[1].Error)
}

func TestCustomRoleAssignableOnlyWithinHeldGrants(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	_, err := e.roles.Create(ctx, "ops", "", true, "")
	require.NoError(t, err)
	require.NoError(t, e.perms.AssignToRole(ctx, "ops", "system_admin"))
	require.NoError(t, e.perms.AssignToRole(ctx, auth.RoleTeacher, "role_assign"))
	teacher := e.user(auth.RoleTeacher)
	root := e.user(auth.RoleSuperAdmin)

	ok, err := e.roles.CanAssign(ctx, teacher.ID, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "ops carries system_admin, which the teacher lacks")

	ok, err = e.roles.CanAssign(ctx, root.ID, "ops")
	require.NoError(t, err)
	assert.True(t, ok)

	inactive := auth.RoleStatusInactive
	_, err = e.roles.Update(ctx, "ops", auth.RoleUpdate{Status: &inactive})
	require.NoError(t, err)
	ok, err = e.roles.CanAssign(ctx, teacher.ID, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "grants on an inactive role still count")

	require.NoError(t, e.perms.RemoveFromRole(ctx, "ops", "system_admin"))
	require.NoError(t, e.perms.AssignToRole(ctx, "ops", "role_assign"))
	ok, err = e.roles.CanAssign(ctx, teacher.ID, "ops")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAssignAsRejectsSelfAssignment(t *testing.T) {
	e := newEngine(t, true)
	ctx := context.Background()
	teacher := e.user(auth.RoleTeacher)
	student := e.user(auth.RoleStudent)
	root := e.user(auth.RoleSuperAdmin)

	err := e.roles.AssignToUserAs(ctx, teacher.ID, teacher.ID, auth.RoleStudent)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	err = e.roles.AssignToUserAs(ctx, teacher.ID, student.ID, auth.RoleAdmin)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	require.NoError(t, e.roles.AssignToUserAs(ctx, teacher.ID, student.ID, auth.RoleParent))
	assert.ErrorIs(t, e.roles.RemoveFromUserAs(ctx, teacher.ID, teacher.ID, auth.RoleParent), auth.ErrForbidden)
	require.NoError(t, e.roles.RemoveFromUserAs(ctx, teacher.ID, student.ID, auth.RoleParent))

	require.NoError(t, e.roles.AssignToUserAs(ctx, root.ID, root.ID, auth.RoleTeacher))

	results := e.roles.BulkAssignAs(ctx, teacher.ID, []auth.RoleAssignment{
		{UserID: student.ID, Role: auth.RoleStaff},
		{UserID: teacher.ID, Role: auth.RoleStaff},
	})
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.ErrorIs(t, results[1].Err, auth.ErrForbidden)
}
