package auth

import "time"

type Role string

const (
	RoleClient       Role = "client"
	RoleProfessional Role = "professional"
	RoleAdmin        Role = "admin"
)

// User mirrors the users table. Identity issuance lives outside this service;
// rows are seeded by the onboarding system or the `users create` command.
type User struct {
	ID        string
	Email     string
	FullName  string
	Role      Role
	CreatedAt time.Time
}

// Identity is what a verified bearer token says about the caller.
type Identity struct {
	UserID string
	Role   Role
}

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleProfessional, RoleAdmin:
		return true
	default:
		return false
	}
}
