// Package identity owns the pool of bot identities: their lifecycle,
// daily quotas, warm-up ramp and rotation-aware selection.
package identity

import (
	"context"
	"time"
)

// Status is the lifecycle state of an identity.
//
// Only authentication failures escalate automatically (to Resting, after
// three strikes). Blocked and Disabled are operator decisions; action
// failures alone never infer them.
type Status string

const (
	StatusActive    Status = "active"
	StatusWarmingUp Status = "warming_up"
	StatusResting   Status = "resting"
	StatusBlocked   Status = "blocked"
	StatusDisabled  Status = "disabled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWarmingUp, StatusResting, StatusBlocked, StatusDisabled:
		return true
	}
	return false
}

// ActivityType is a category of quota-limited automated action.
type ActivityType string

const (
	ActivityCollect  ActivityType = "collect"
	ActivityGenerate ActivityType = "generate"
	ActivityPost     ActivityType = "post"
)

// Stats are derived engagement numbers, recomputed on each successful
// report. They are observability data only and never feed selection.
type Stats struct {
	TotalActions   int
	TotalAdoptions int
	AdoptionRate   float64
}

// Identity is one bot credential set.
//
// CredentialRef is an opaque handle; secret material never enters this
// package (resolve it through a CredentialStore at action time).
//
// The pool hands out value copies; all mutation goes through pool
// methods so quota and reservation invariants hold.
type Identity struct {
	ID            string
	TenantID      string
	CredentialRef string
	Status        Status

	// DailyCounters are only meaningful for DailyCounterDate; the pool
	// re-zeroes them lazily, exactly once per calendar day.
	DailyCounters    map[ActivityType]int
	DailyCounterDate string
	DailyLimits      map[ActivityType]int

	MinActivityInterval time.Duration

	// WarmupDay is 1..7 while warming, 0 otherwise.
	WarmupDay       int
	WarmupStartDate string
	warmupAdvanced  string // day key of the last AdvanceWarmup, for idempotence

	LastActivityAt        time.Time // zero = never used
	LastLoginFailureCount int

	Stats Stats

	usage UsageFlags

	// reservedUntil implements the select-time hold: while in the
	// future, Select skips this identity. Cleared by Report or expiry.
	reservedUntil time.Time
}

// Reserved reports whether the identity is currently held by a caller.
func (id *Identity) Reserved(now time.Time) bool {
	return !id.reservedUntil.IsZero() && now.Before(id.reservedUntil)
}

// CredentialStore resolves opaque credential references. Implementations
// live outside this core; secrets never cross into pool state.
type CredentialStore interface {
	Resolve(ctx context.Context, credentialRef string) (string, error)
}
