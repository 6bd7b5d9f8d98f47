package session

import (
	"github.com/jrsteele09/portal-session/docstore"
	"github.com/jrsteele09/portal-session/identity"
	"github.com/jrsteele09/portal-session/users"
)

// event is anything the machine's loop reacts to. Results of asynchronous
// work carry the generation they were started under.
type event interface {
	isEvent()
}

type identityChanged struct {
	ident *identity.Identity
}

type outcome int

const (
	outcomeExists outcome = iota
	outcomeAbsent
	outcomeTimedOut
)

func (o outcome) String() string {
	switch o {
	case outcomeExists:
		return "exists"
	case outcomeAbsent:
		return "absent"
	default:
		return "timed_out"
	}
}

// subscriptionSettled is the first logical result of a canonical subscription.
type subscriptionSettled struct {
	gen     uint64
	outcome outcome
	doc     docstore.Document
	err     error
}

// profileChanged is any canonical update after the subscription settled.
type profileChanged struct {
	gen    uint64
	exists bool
	doc    docstore.Document
}

type reconciled struct {
	gen     uint64
	profile users.Profile
	err     error
}

type globalDeadlineElapsed struct {
	gen uint64
}

type inactivityExpired struct {
	gen uint64
}

type retryRequested struct{}

func (identityChanged) isEvent()       {}
func (subscriptionSettled) isEvent()   {}
func (profileChanged) isEvent()        {}
func (reconciled) isEvent()            {}
func (globalDeadlineElapsed) isEvent() {}
func (inactivityExpired) isEvent()     {}
func (retryRequested) isEvent()        {}
