package config

import "time"

const (
	subscriptionDeadlineEnvVar = "SUBSCRIPTION_DEADLINE"
	reconcileDeadlineEnvVar    = "RECONCILE_DEADLINE"
	globalDeadlineEnvVar       = "GLOBAL_DEADLINE"
	idleThresholdEnvVar        = "IDLE_THRESHOLD"
	canonicalCollectionEnvVar  = "CANONICAL_COLLECTION"
	activityRateEnvVar         = "ACTIVITY_RATE"
)

type Session struct {
	src source
}

var _ SessionConfig = Session{}

func (s Session) GetSubscriptionDeadline() time.Duration {
	return s.src.duration(subscriptionDeadlineEnvVar, 5*time.Second)
}

func (s Session) GetReconcileDeadline() time.Duration {
	return s.src.duration(reconcileDeadlineEnvVar, 5*time.Second)
}

// GetGlobalDeadline is the safety net that covers subscription and
// reconciliation together, so it must stay longer than both combined.
func (s Session) GetGlobalDeadline() time.Duration {
	return s.src.duration(globalDeadlineEnvVar, 12*time.Second)
}

func (s Session) GetIdleThreshold() time.Duration {
	return s.src.duration(idleThresholdEnvVar, 5*time.Minute)
}

func (s Session) GetCanonicalCollection() string {
	return s.src.get(canonicalCollectionEnvVar, "users")
}

// GetActivityRate is the number of activity signals per second forwarded to
// the inactivity monitor; extra signals inside the window are coalesced.
func (s Session) GetActivityRate() float64 {
	return s.src.float(activityRateEnvVar, 2)
}
