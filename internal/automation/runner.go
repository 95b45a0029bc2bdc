package automation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"drover/internal/eventbus"
	"drover/internal/identity"
	logx "drover/pkg/logx"
)

// Skip reasons reported in job.skipped events and status output.
const (
	skipOutsideWindow = "outside_window"
	skipDailyCap      = "daily_cap"
	skipNoIdentity    = "no_identity"
	skipNoProxy       = "no_proxy"
)

// JobEvent is the bus payload for job.completed / job.skipped /
// job.failed.
type JobEvent struct {
	TenantID   string
	Job        JobType
	IdentityID string
	ProxyID    string
	Reason     string
	Error      string
	Duration   time.Duration
	Adoptions  int
}

// runner is one (tenant, job) loop. It ticks at a fixed interval and
// delegates the actual work to tick. Every error inside a tick is
// absorbed: a failing action never takes the loop down.
type runner struct {
	svc      *Service
	tenantID string
	job      JobType
	action   Action
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}

	statsMu    sync.Mutex
	runs       int64
	successes  int64
	failures   int64
	skips      int64
	lastRunAt  time.Time
	lastResult string
}

func (r *runner) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *runner) loop(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		// Fast-exit check so a closed stopCh wins over a due tick.
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-t.C:
			r.tick(ctx)
		}
	}
}

// tick runs one scheduling round: admission checks, resource
// acquisition, the action itself, then outcome reporting.
func (r *runner) tick(ctx context.Context) {
	s := r.svc
	now := s.clk.Now().In(s.loc)

	s.mu.Lock()
	st, ok := s.tenants[r.tenantID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.rolloverLocked(st, now)
	window := st.window
	limit := st.cfg.DailyLimits[string(r.job)]
	used := st.used[r.job]
	minScore := st.cfg.MinRelevanceScore
	exclude := st.cfg.ExcludeKeywords
	s.mu.Unlock()

	if window != nil && !window.Contains(now) {
		r.skip(skipOutsideWindow)
		return
	}
	if limit > 0 && used >= limit {
		r.skip(skipDailyCap)
		return
	}

	req := Request{
		TenantID:          r.tenantID,
		Job:               r.job,
		Credentials:       s.creds,
		MinRelevanceScore: minScore,
		ExcludeKeywords:   exclude,
	}

	var haveResources bool
	if r.job.NeedsResources() {
		ident, ok := s.identities.Select(r.job.Activity(), nil)
		if !ok {
			r.skip(skipNoIdentity)
			return
		}
		px, ok := s.proxies.Select(nil)
		if !ok {
			// Release the identity untouched; nothing ran on it.
			_ = s.identities.Report(ident.ID, r.job.Activity(), identity.Outcome{})
			r.skip(skipNoProxy)
			return
		}
		req.Identity = ident
		req.Proxy = px
		haveResources = true
	}

	start := time.Now()
	res, err := r.perform(ctx, req)
	elapsed := time.Since(start)

	if ctx.Err() != nil && err != nil {
		// Shutdown raced the action. Release the identity without
		// touching counters; the proxy reservation times out on its
		// own since there is no real health signal to report.
		if haveResources {
			_ = s.identities.Report(req.Identity.ID, r.job.Activity(), identity.Outcome{})
		}
		return
	}

	loginFailure := res.LoginFailure || errors.Is(err, ErrLoginFailed)
	success := err == nil && !loginFailure

	if haveResources {
		_ = s.identities.Report(req.Identity.ID, r.job.Activity(), identity.Outcome{
			Success:      success,
			LoginFailure: loginFailure,
			Adoptions:    res.Adoptions,
		})
		// A login failure still proves the proxy carried traffic.
		_ = s.proxies.ReportUsage(req.Proxy.ID, req.Proxy.LeaseToken, err == nil || loginFailure, elapsed)
	}

	if success {
		s.mu.Lock()
		if st, ok := s.tenants[r.tenantID]; ok {
			s.rolloverLocked(st, s.clk.Now().In(s.loc))
			st.used[r.job]++
		}
		s.mu.Unlock()
	}

	r.record(success, err, res)

	ev := JobEvent{
		TenantID:   r.tenantID,
		Job:        r.job,
		IdentityID: req.Identity.ID,
		ProxyID:    req.Proxy.ID,
		Duration:   elapsed,
		Adoptions:  res.Adoptions,
	}
	if success {
		s.log.Debug("job completed",
			logx.String("tenant", r.tenantID),
			logx.String("job", string(r.job)),
			logx.String("identity", req.Identity.ID),
			logx.Duration("took", elapsed),
			logx.Int("adoptions", res.Adoptions))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Data: ev})
		}
		return
	}

	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Error = "login failure"
	}
	s.log.Warn("job failed",
		logx.String("tenant", r.tenantID),
		logx.String("job", string(r.job)),
		logx.String("identity", req.Identity.ID),
		logx.String("proxy", req.Proxy.ID),
		logx.Bool("login_failure", loginFailure),
		logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: ev})
	}
}

// perform invokes the action with panic containment.
func (r *runner) perform(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panic: %v", rec)
			r.svc.log.Error("action panic",
				logx.String("tenant", r.tenantID),
				logx.String("job", string(r.job)),
				logx.String("panic", fmt.Sprint(rec)),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return r.action.Perform(ctx, req)
}

func (r *runner) skip(reason string) {
	r.statsMu.Lock()
	r.runs++
	r.skips++
	r.lastRunAt = time.Now()
	r.lastResult = "skipped: " + reason
	r.statsMu.Unlock()

	r.svc.log.Debug("job skipped",
		logx.String("tenant", r.tenantID),
		logx.String("job", string(r.job)),
		logx.String("reason", reason))
	if r.svc.bus != nil {
		r.svc.bus.Publish(eventbus.Event{
			Type: eventbus.TypeJobSkipped,
			Data: JobEvent{TenantID: r.tenantID, Job: r.job, Reason: reason},
		})
	}
}

func (r *runner) record(success bool, err error, res Result) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.runs++
	r.lastRunAt = time.Now()
	switch {
	case success:
		r.successes++
		r.lastResult = "ok"
		if res.Detail != "" {
			r.lastResult = res.Detail
		}
	case err != nil:
		r.failures++
		r.lastResult = "error: " + err.Error()
	default:
		r.failures++
		r.lastResult = "login failure"
	}
}

func (r *runner) fillStats(js *JobStatus) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	js.LastRunAt = r.lastRunAt
	js.LastResult = r.lastResult
	js.Runs = r.runs
	js.Successes = r.successes
	js.Failures = r.failures
	js.Skips = r.skips
}
