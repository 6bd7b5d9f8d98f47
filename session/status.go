package session

import (
	"encoding/json"
	"fmt"

	"github.com/jrsteele09/portal-session/identity"
	"github.com/jrsteele09/portal-session/users"
)

type State int

const (
	StateUnauthenticated State = iota
	StateLoading
	StateReady
	StateUnrecoverable
)

var stateNames = map[State]string{
	StateUnauthenticated: "unauthenticated",
	StateLoading:         "loading",
	StateReady:           "ready",
	StateUnrecoverable:   "unrecoverable",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is the session status. HasProfile is only meaningful when Ready.
type Status struct {
	State      State `json:"state"`
	HasProfile bool  `json:"hasProfile"`
}

var (
	Unauthenticated = Status{State: StateUnauthenticated}
	Loading         = Status{State: StateLoading}
	Unrecoverable   = Status{State: StateUnrecoverable}
)

func Ready(hasProfile bool) Status {
	return Status{State: StateReady, HasProfile: hasProfile}
}

func (s Status) String() string {
	if s.State == StateReady {
		return fmt.Sprintf("ready(%t)", s.HasProfile)
	}
	return s.State.String()
}

// Cause records why a session became Unauthenticated.
type Cause string

const (
	CauseNone       Cause = ""
	CauseSignedOut  Cause = "signed_out"
	CauseInactivity Cause = "inactivity"
)

// Snapshot is the value published to consumers on every transition.
// Snapshots are never mutated after publication.
type Snapshot struct {
	Status     Status             `json:"status"`
	Identity   *identity.Identity `json:"identity,omitempty"`
	Profile    *users.Profile     `json:"profile,omitempty"`
	Generation uint64             `json:"generation"`
	Cause      Cause              `json:"cause,omitempty"`
}

// Role is the profile's role, or RoleUnknown when there is no profile.
func (s Snapshot) Role() users.Role {
	if s.Profile == nil {
		return users.RoleUnknown
	}
	return s.Profile.Role
}
