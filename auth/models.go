package auth

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleService    Role = "service"
)

// Permission names a capability checked by the escrow gates.
type Permission string

const (
	PermResolve      Permission = "escrow:resolve"
	PermEscalate     Permission = "escrow:escalate"
	PermEarlyRelease Permission = "escrow:early-release"
	PermLifecycle    Permission = "escrow:lifecycle"
)

// DefaultPermissions returns the grant a role receives when an account is
// created without an explicit permission list.
func DefaultPermissions(role Role) []Permission {
	switch role {
	case RoleSuperAdmin:
		return []Permission{PermResolve, PermEscalate, PermEarlyRelease, PermLifecycle}
	case RoleAdmin:
		return []Permission{PermResolve}
	case RoleService:
		return []Permission{PermLifecycle}
	default:
		return nil
	}
}

// User is the domain representation of an admin account.
// It mirrors the admin_users table and carries no JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Permissions  []Permission
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is the authenticated identity attached to every escrow call.
type Session struct {
	UserID      string
	Email       string
	Role        Role
	Permissions []Permission
	ExpiresAt   time.Time
}

// Has reports whether the session carries perm. Super admins hold every permission.
func (s Session) Has(perm Permission) bool {
	if s.Role == RoleSuperAdmin {
		return true
	}
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ErrPermissionDenied when the session lacks perm.
func (s Session) Require(perm Permission) error {
	if s.Has(perm) {
		return nil
	}
	return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, s.UserID, perm)
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// RegisterRequest contains account data supplied by callers.
type RegisterRequest struct {
	Email       string       `json:"email"`
	Password    string       `json:"password"`
	FullName    string       `json:"fullName"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
