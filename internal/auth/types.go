package auth

import "time"

const (
	RoleStatusActive   = "active"
	RoleStatusInactive = "inactive"
)

// User is owned by the account subsystem; the engine reads identity and role data only.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Active       bool   `json:"is_active"`
	Superuser    bool   `json:"is_superuser"`
	PrimaryRole  string `json:"role"`
	PasswordHash string `json:"-"`
}

// Role groups permissions. Built-in roles have IsCustom=false.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsCustom     bool      `json:"is_custom"`
	Status       string    `json:"status"`
	ParentRoleID *int64    `json:"parent_role_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is named "<resource_type>_<action>" by convention.
type Permission struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	ResourceType ResourceType `json:"resource_type"`
	Action       Action       `json:"action"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RoleUpdate carries optional role changes; nil fields are left untouched.
type RoleUpdate struct {
	Name        *string
	Description *string
	Status      *string
}

// Session tracks a login on one device.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	TokenHash    string    `json:"-"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"is_active"`
}

// APIKey is stored by hash; the raw key is only returned once at issue time.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	KeyHash     string     `json:"-"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Active      bool       `json:"is_active"`
}

// MFASettings belongs to exactly one user. BackupCodes holds hashes of unused codes.
type MFASettings struct {
	UserID      int64      `json:"user_id"`
	Enabled     bool       `json:"enabled"`
	Secret      string     `json:"-"`
	BackupCodes []string   `json:"-"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}
