package auth

import (
	"context"
	"time"
)

// UserStore reads accounts owned by the account subsystem.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
}

// RoleStore manages roles and user-role assignments. AssignRole returns
// ErrAlreadyAssigned on a duplicate pair; UnassignRole returns ErrNotAssigned.
type RoleStore interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CountRoleHolders(ctx context.Context, role Role) (int, error)

	AssignRole(ctx context.Context, userID, roleID int64) error
	UnassignRole(ctx context.Context, userID, roleID int64) error
	UserRoles(ctx context.Context, userID int64) ([]Role, error)
}

// PermissionStore manages the permission catalogue and role grants. GrantPermission
// returns ErrAlreadyAssigned on a duplicate pair; RevokePermission returns ErrNotAssigned.
type PermissionStore interface {
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	DeletePermission(ctx context.Context, id int64) error
	CountPermissionGrants(ctx context.Context, permissionID int64) (int, error)

	GrantPermission(ctx context.Context, roleID, permissionID int64) error
	RevokePermission(ctx context.Context, roleID, permissionID int64) error
	// PermissionNamesForRoles returns the distinct permission names granted to the
	// named roles. Roles that are missing or not active contribute nothing.
	PermissionNamesForRoles(ctx context.Context, roleNames []string) ([]string, error)
	// RolePermissionNames lists a role's grants whatever its status.
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
}

// RBACStore is the transactional store behind RoleManager and PermissionManager.
type RBACStore interface {
	UserStore
	RoleStore
	PermissionStore
	// InTx runs fn in one transaction. fn's error rolls it back and is returned as is.
	InTx(ctx context.Context, fn func(tx RBACStore) error) error
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	ListActiveSessions(ctx context.Context, userID int64) ([]Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeactivateSession(ctx context.Context, id string) error
	// DeleteExpiredSessions removes sessions expired at before and inactive ones.
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error)
}

// APIKeyStore persists API keys by hash.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (APIKey, error)
	ListAPIKeys(ctx context.Context, userID int64) ([]APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	DeactivateAPIKey(ctx context.Context, userID int64, id string) error
	DeleteExpiredAPIKeys(ctx context.Context, before time.Time) (int, error)
}

// MFAStore persists per-user MFA settings.
type MFAStore interface {
	GetMFA(ctx context.Context, userID int64) (MFASettings, error)
	SaveMFA(ctx context.Context, settings MFASettings) error
	DeleteMFA(ctx context.Context, userID int64) error
	// ConsumeBackupCode atomically removes codeHash from an enabled user's unused
	// codes. It returns ErrNotFound when the code is not there.
	ConsumeBackupCode(ctx context.Context, userID int64, codeHash string) error
	// MarkTOTPUsed atomically records usedAt as the last accepted step of an enabled
	// user. It returns ErrConflict unless usedAt is after the recorded step.
	MarkTOTPUsed(ctx context.Context, userID int64, usedAt time.Time) error
}
