// Package authz decides what the routing layer should do with a navigation
// given the current session.
package authz

import (
	"slices"

	"github.com/jrsteele09/portal-session/session"
	"github.com/jrsteele09/portal-session/users"
)

// LoginRoute is where RedirectToLogin sends the browser.
const LoginRoute = "/login"

type Outcome int

const (
	Allow Outcome = iota
	RedirectToLogin
	RedirectToRoleHome
	ShowUnrecoverable
	ShowLoading
)

var outcomeNames = map[Outcome]string{
	Allow:              "allow",
	RedirectToLogin:    "redirect_to_login",
	RedirectToRoleHome: "redirect_to_role_home",
	ShowUnrecoverable:  "show_unrecoverable",
	ShowLoading:        "show_loading",
}

func (o Outcome) String() string {
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Decision is an Outcome plus, for redirects, where to go.
type Decision struct {
	Outcome     Outcome `json:"outcome"`
	Destination string  `json:"destination,omitempty"`
}

// Decide maps a session status and role to an access decision. A nil allowed
// list means any known role may pass; an empty non-nil list admits nobody.
// A role with no home route is sent to login even when allowed is nil.
func Decide(status session.Status, role users.Role, allowed []users.Role) Decision {
	switch status.State {
	case session.StateLoading:
		return Decision{Outcome: ShowLoading}
	case session.StateUnauthenticated:
		return Decision{Outcome: RedirectToLogin, Destination: LoginRoute}
	case session.StateUnrecoverable:
		return Decision{Outcome: ShowUnrecoverable}
	case session.StateReady:
		if !status.HasProfile {
			return Decision{Outcome: ShowUnrecoverable}
		}
	default:
		return Decision{Outcome: RedirectToLogin, Destination: LoginRoute}
	}

	home, ok := Home(role)
	if !ok {
		return Decision{Outcome: RedirectToLogin, Destination: LoginRoute}
	}
	if allowed == nil || slices.Contains(allowed, role) {
		return Decision{Outcome: Allow}
	}
	return Decision{Outcome: RedirectToRoleHome, Destination: home}
}

// Home is the single landing route for role.
func Home(role users.Role) (string, bool) {
	return role.Home()
}
