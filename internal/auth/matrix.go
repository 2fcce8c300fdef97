package auth

import (
	"fmt"
	"strings"
)

// ResourceType names a class of protected objects.
type ResourceType string

// Action names an operation on a resource type.
type Action string

const (
	ResourceUser         ResourceType = "user"
	ResourceRole         ResourceType = "role"
	ResourcePermission   ResourceType = "permission"
	ResourceOrganization ResourceType = "organization"
	ResourceTeam         ResourceType = "team"
	ResourceDashboard    ResourceType = "dashboard"
	ResourceAnalytics    ResourceType = "analytics"
	ResourceContent      ResourceType = "content"
	ResourceSystem       ResourceType = "system"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionCreate  Action = "create"
	ActionManage  Action = "manage"
	ActionAssign  Action = "assign"
	ActionExport  Action = "export"
	ActionPublish Action = "publish"
	ActionAdmin   Action = "admin"

	// ActionAny grants every action on a resource type.
	ActionAny Action = "*"
)

var resourceActions = map[ResourceType][]Action{
	ResourceUser:         {ActionRead, ActionWrite, ActionDelete, ActionCreate},
	ResourceRole:         {ActionRead, ActionWrite, ActionDelete, ActionCreate, ActionAssign},
	ResourcePermission:   {ActionRead, ActionWrite, ActionDelete, ActionCreate, ActionAssign},
	ResourceOrganization: {ActionRead, ActionWrite, ActionDelete, ActionCreate, ActionManage},
	ResourceTeam:         {ActionRead, ActionWrite, ActionDelete, ActionCreate, ActionManage},
	ResourceDashboard:    {ActionRead, ActionWrite, ActionExport},
	ResourceAnalytics:    {ActionRead, ActionExport},
	ResourceContent:      {ActionRead, ActionWrite, ActionDelete, ActionCreate, ActionPublish},
	ResourceSystem:       {ActionRead, ActionAdmin, ActionManage},
}

// Matrix returns a copy of the resource-action matrix.
func Matrix() map[ResourceType][]Action {
	out := make(map[ResourceType][]Action, len(resourceActions))
	for rt, actions := range resourceActions {
		out[rt] = append([]Action(nil), actions...)
	}
	return out
}

// ValidatePair reports whether (rt, action) may back a permission. The wildcard
// action is legal for every known resource type.
func ValidatePair(rt ResourceType, action Action) error {
	actions, ok := resourceActions[rt]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidResourceType, rt)
	}
	if action == ActionAny {
		return nil
	}
	for _, a := range actions {
		if a == action {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not defined for %q", ErrInvalidAction, action, rt)
}

// PermissionName builds the conventional "<resource_type>_<action>" name.
func PermissionName(rt ResourceType, action Action) string {
	return string(rt) + "_" + string(action)
}

// WildcardName returns the "<resource_type>_*" permission name.
func WildcardName(rt ResourceType) string {
	return PermissionName(rt, ActionAny)
}

// SplitPermissionName splits on the last underscore. Resource types and actions
// never contain underscores themselves.
func SplitPermissionName(name string) (ResourceType, Action, bool) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return ResourceType(name[:i]), Action(name[i+1:]), true
}

// DefaultPermissions lists every concrete matrix pair as a permission.
func DefaultPermissions() []Permission {
	var out []Permission
	for _, rt := range sortedResourceTypes() {
		for _, a := range resourceActions[rt] {
			out = append(out, Permission{
				Name:         PermissionName(rt, a),
				ResourceType: rt,
				Action:       a,
			})
		}
	}
	return out
}

func sortedResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceUser, ResourceRole, ResourcePermission, ResourceOrganization, ResourceTeam,
		ResourceDashboard, ResourceAnalytics, ResourceContent, ResourceSystem,
	}
}
