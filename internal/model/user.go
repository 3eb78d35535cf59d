package model

import (
	"time"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// Role controls what a user may do through the API.
type Role string

const (
	// RoleAdmin has full control including user management.
	RoleAdmin Role = "admin"
	// RoleOperator manages engines, databases, policies and backups.
	RoleOperator Role = "operator"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// ValidRole reports whether s names a known role.
func ValidRole(s string) bool {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// User is an API account. The row key is the lowercase email so lookups by
// email are point reads.
type User struct {
	Email       string
	DisplayName string
	Role        Role
	Enabled     bool

	// PasswordHash is the bcrypt hash of the login password.
	PasswordHash string

	LastLogin *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// CanWrite reports whether the role may mutate resources.
func (u *User) CanWrite() bool {
	return u.Role == RoleAdmin || u.Role == RoleOperator
}

// ToEntity converts the user to its table representation.
func (u *User) ToEntity() tablestore.Entity {
	return tablestore.Entity{
		PartitionKey: PartitionUsers,
		RowKey:       u.Email,
		Properties: map[string]any{
			"display_name":  u.DisplayName,
			"role":          string(u.Role),
			"enabled":       u.Enabled,
			"password_hash": u.PasswordHash,
			"last_login":    formatTimePtr(u.LastLogin),
			"created_at":    formatTime(u.CreatedAt),
			"updated_at":    formatTime(u.UpdatedAt),
			"created_by":    u.CreatedBy,
		},
	}
}

// UserFromEntity rebuilds a User from its table representation.
func UserFromEntity(ent tablestore.Entity) *User {
	p := ent.Properties
	return &User{
		Email:        ent.RowKey,
		DisplayName:  propString(p, "display_name"),
		Role:         Role(propString(p, "role")),
		Enabled:      propBool(p, "enabled"),
		PasswordHash: propString(p, "password_hash"),
		LastLogin:    propTimePtr(p, "last_login"),
		CreatedAt:    propTime(p, "created_at"),
		UpdatedAt:    propTime(p, "updated_at"),
		CreatedBy:    propString(p, "created_by"),
	}
}
