// Package automation runs the per-tenant scheduling loops. Each enabled
// job type gets its own ticker goroutine that acquires resources from
// the identity and proxy pools, drives a pluggable Action and reports
// the outcome back so quotas and health state stay accurate.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drover/internal/identity"
	"drover/internal/proxy"
)

// JobType is one of the recurring automated jobs a tenant can enable.
type JobType string

const (
	JobCollect  JobType = "collect"
	JobGenerate JobType = "generate"
	JobPost     JobType = "post"
)

// AllJobs lists job types in their canonical order.
var AllJobs = []JobType{JobCollect, JobGenerate, JobPost}

// Activity maps a job to the identity quota bucket it consumes.
func (j JobType) Activity() identity.ActivityType {
	return identity.ActivityType(j)
}

// NeedsResources reports whether the job drives a remote session.
// Generation is local work on already collected material and runs
// without an identity or proxy.
func (j JobType) NeedsResources() bool { return j != JobGenerate }

func (j JobType) Valid() bool {
	switch j {
	case JobCollect, JobGenerate, JobPost:
		return true
	}
	return false
}

// Default tick intervals per job, used when the tenant config does not
// override them.
var defaultIntervals = map[JobType]time.Duration{
	JobCollect:  30 * time.Minute,
	JobGenerate: 45 * time.Minute,
	JobPost:     time.Hour,
}

// Request carries everything an Action needs for one run. Identity and
// Proxy are zero-valued when the job type runs without them.
type Request struct {
	TenantID string
	Job      JobType

	Identity identity.Identity
	Proxy    proxy.Proxy

	// Credentials resolves Identity.CredentialRef at action time.
	// Secret material stays out of pool state and job events.
	Credentials identity.CredentialStore

	MinRelevanceScore float64
	ExcludeKeywords   []string
}

// Result is what an Action reports back on completion. A non-nil error
// from Perform marks the run failed regardless of Result fields.
type Result struct {
	// LoginFailure marks an authentication failure, which counts
	// against the identity's strike budget instead of its quota.
	LoginFailure bool
	// Adoptions counts engagement attributed to this run.
	Adoptions int
	// Detail is a short human-readable note for status output.
	Detail string
}

// Action performs one unit of tenant work. Implementations must honor
// ctx cancellation; a panic is recovered by the runner and treated as a
// failed run.
type Action interface {
	Perform(ctx context.Context, req Request) (Result, error)
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx context.Context, req Request) (Result, error)

func (f ActionFunc) Perform(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// ErrLoginFailed is a convenience sentinel Actions may return; the
// runner treats it like Result.LoginFailure.
var ErrLoginFailed = errors.New("login failed")

// ConfigurationError aborts StartTenant before any goroutine spawns.
type ConfigurationError struct {
	TenantID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tenant %s: invalid configuration: %s", e.TenantID, e.Reason)
}
