// Package users holds the canonical profile record and the closed set of roles
// a portal user can hold.
package users

import (
	"strings"
	"time"
)

// Role is a portal role. The zero value is RoleUnknown.
type Role string

const (
	RoleUnknown Role = ""
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleHOD     Role = "hod" // Head of department, a teacher with department oversight
	RoleStudent Role = "student"
)

var roleHomes = map[Role]string{
	RoleAdmin:   "/admin",
	RoleTeacher: "/teacher",
	RoleHOD:     "/teacher",
	RoleStudent: "/student",
}

// ParseRole maps a stored role string onto a Role. Anything outside the known
// set yields RoleUnknown and false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleUnknown, false
	}
	return r, true
}

func (r Role) Valid() bool {
	_, ok := roleHomes[r]
	return ok
}

// Home is the landing route for the role.
func (r Role) Home() (string, bool) {
	home, ok := roleHomes[r]
	return home, ok
}

func (r Role) String() string {
	if r == RoleUnknown {
		return "unknown"
	}
	return string(r)
}

// Profile is the canonical per-user record.
type Profile struct {
	ID         string     `json:"uid"`
	Email      string     `json:"email,omitempty"`
	Role       Role       `json:"role"`
	Phone      string     `json:"phone,omitempty"`
	PhotoURL   string     `json:"photoUrl,omitempty"`
	Name       string     `json:"name,omitempty"`
	RestoredAt *time.Time `json:"restoredAt,omitempty"` // Set when rebuilt from a role directory
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}
