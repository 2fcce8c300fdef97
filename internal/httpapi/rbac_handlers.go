package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"lyceum.org/internal/audit"
	"lyceum.org/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ParentRole  string `json:"parent_role,omitempty"`
}

type updateRoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

type grantRequest struct {
	Permission string `json:"permission"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type bulkAssignRequest struct {
	Assignments []auth.RoleAssignment `json:"assignments"`
}

type createPermissionRequest struct {
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	Description  string `json:"description"`
}

type checkPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) roles() *auth.RoleManager             { return a.deps.Authz.Roles() }
func (a *API) permissions() *auth.PermissionManager { return a.deps.Authz.Permissions() }

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.roles().List(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	role, err := a.roles().Create(r.Context(), req.Name, req.Description, true, req.ParentRole)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
		"role":        role.Name,
		"parent_role": req.ParentRole,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.Name))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleAvailableRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.roles().AvailableRolesFor(r.Context(), principal(r).User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	role, err := a.roles().Update(r.Context(), name, auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.update", map[string]any{
		"role":     name,
		"new_name": role.Name,
		"status":   role.Status,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.roles().Delete(r.Context(), name); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.delete", map[string]any{"role": name})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "name")
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := a.permissions().AssignToRoleAs(r.Context(), principal(r).User.ID, role, req.Permission); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.grant", map[string]any{
		"role":       role,
		"permission": req.Permission,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	role, perm := chi.URLParam(r, "name"), chi.URLParam(r, "permission")
	if err := a.permissions().RemoveFromRoleAs(r.Context(), principal(r).User.ID, role, perm); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.revoke", map[string]any{
		"role":       role,
		"permission": perm,
	})
	w.WriteHeader(http.StatusNoContent)
}

func userIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: user id must be a positive integer", auth.ErrInvalidInput)
	}
	return id, nil
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := a.roles().AssignToUserAs(r.Context(), principal(r).User.ID, userID, req.Role); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.assign", map[string]any{
		"target_user_id": userID,
		"role":           strings.ToLower(strings.TrimSpace(req.Role)),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	role := chi.URLParam(r, "role")
	if err := a.roles().RemoveFromUserAs(r.Context(), principal(r).User.ID, userID, role); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.unassign", map[string]any{
		"target_user_id": userID,
		"role":           role,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBulkAssign(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	results := a.roles().BulkAssignAs(r.Context(), principal(r).User.ID, req.Assignments)
	succeeded := 0
	for _, res := range results {
		if res.OK {
			succeeded++
		}
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.bulk_assign", map[string]any{
		"requested": len(req.Assignments),
		"succeeded": succeeded,
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.permissions().List(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	perm, err := a.permissions().Create(r.Context(), req.Name,
		auth.ResourceType(req.ResourceType), auth.Action(req.Action), req.Description)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.create", map[string]any{"permission": perm.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.Name))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleAvailablePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.permissions().AvailablePermissionsFor(r.Context(), principal(r).User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.permissions().Delete(r.Context(), name); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.delete", map[string]any{"permission": name})
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckPermissions answers per-name checks for a user. Callers may always
// check themselves; checking others needs permission_read.
func (a *API) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if userID != principal(r).User.ID {
		if err := a.deps.Authz.RequirePermission(r.Context(), auth.ResourcePermission, auth.ActionRead); err != nil {
			writeAuthError(w, r, err)
			return
		}
	}
	var req checkPermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	results, err := a.permissions().BulkCheck(r.Context(), userID, req.Permissions)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
