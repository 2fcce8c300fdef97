package auth

import "strings"

const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleTeacher    = "teacher"
	RoleStaff      = "staff"
	RoleStudent    = "student"
	RoleParent     = "parent"
)

var hierarchy = map[string]int{
	RoleSuperAdmin: 100,
	RoleAdmin:      80,
	RoleTeacher:    60,
	RoleStaff:      50,
	RoleStudent:    30,
	RoleParent:     20,
}

// HierarchyLevel ranks a role name. Unknown and custom names rank 0.
func HierarchyLevel(name string) int {
	return hierarchy[normalizeRoleName(name)]
}

// TopRole is the highest tier; holders are treated as having every permission.
func TopRole() string {
	return RoleSuperAdmin
}

// BuiltinRoles returns the catalogue seeded into every installation, highest first.
func BuiltinRoles() []Role {
	names := []string{RoleSuperAdmin, RoleAdmin, RoleTeacher, RoleStaff, RoleStudent, RoleParent}
	out := make([]Role, 0, len(names))
	for _, n := range names {
		out = append(out, Role{Name: n, IsCustom: false, Status: RoleStatusActive})
	}
	return out
}

func normalizeRoleName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
