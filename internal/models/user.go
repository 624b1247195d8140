package models

import "time"

// AuthMethod tells how an identity authenticates. It is stored explicitly so
// nothing downstream has to guess it from other columns.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodOAuth    AuthMethod = "oauth"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID           int64      `json:"id,string"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name"`
	AvatarRef    *string    `json:"avatar_ref,omitempty"`
	PasswordHash string     `json:"-"`
	AuthMethod   AuthMethod `json:"auth_method"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Identity is the view of a user the messaging core is allowed to depend on.
type Identity struct {
	UserID      int64      `json:"user_id,string"`
	DisplayName string     `json:"display_name"`
	AvatarRef   *string    `json:"avatar_ref,omitempty"`
	AuthMethod  AuthMethod `json:"-"`
	Role        Role       `json:"-"`
}

func (u *User) Identity() Identity {
	return Identity{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
		AuthMethod:  u.AuthMethod,
		Role:        u.Role,
	}
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
