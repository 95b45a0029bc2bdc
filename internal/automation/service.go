package automation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"drover/internal/clock"
	"drover/internal/config"
	"drover/internal/eventbus"
	"drover/internal/identity"
	"drover/internal/proxy"
	"drover/internal/runtime/supervisor"
	logx "drover/pkg/logx"
)

// BacklogFunc reports how many queued items wait for a tenant's job
// (e.g. generated posts not yet published). Status output only.
type BacklogFunc func(tenantID string, job JobType) int

// Service owns all tenant runners. One instance per process.
type Service struct {
	log        logx.Logger
	bus        eventbus.Bus
	clk        clock.Clock
	loc        *time.Location
	identities *identity.Pool
	proxies    *proxy.Pool
	actions    map[JobType]Action
	backlog    BacklogFunc
	creds      identity.CredentialStore
	sup        *supervisor.Supervisor

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// tenantState is everything the service tracks per tenant. Guarded by
// Service.mu; runners copy what they need at the top of each tick.
type tenantState struct {
	cfg       config.TenantConfig
	window    *clock.Window
	intervals map[JobType]time.Duration
	runners   map[JobType]*runner

	// Tenant-level daily usage, reset lazily on day rollover.
	usedDate string
	used     map[JobType]int
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithBacklog(fn BacklogFunc) Option {
	return func(s *Service) { s.backlog = fn }
}

// WithCredentials sets the resolver handed to actions via Request.
func WithCredentials(store identity.CredentialStore) Option {
	return func(s *Service) { s.creds = store }
}

// New wires a service. Runner goroutines are started under sup, so
// stopping the supervisor stops every runner.
func New(sup *supervisor.Supervisor, clk clock.Clock, ids *identity.Pool, pxs *proxy.Pool, actions map[JobType]Action, opts ...Option) *Service {
	s := &Service{
		clk:        clk,
		loc:        time.Local,
		identities: ids,
		proxies:    pxs,
		actions:    actions,
		sup:        sup,
		tenants:    make(map[string]*tenantState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartTenant validates cfg and spawns one runner per enabled job.
// Invalid configuration fails fast with *ConfigurationError before any
// goroutine starts. Calling it again for a running tenant reconciles
// the runners against the new config.
func (s *Service) StartTenant(tenantID string, cfg config.TenantConfig) error {
	st, err := s.buildState(tenantID, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, running := s.tenants[tenantID]
	if running {
		// Keep today's usage across reconfiguration.
		st.usedDate = prev.usedDate
		st.used = prev.used
		st.runners = prev.runners
	}
	s.tenants[tenantID] = st

	// Stop runners for jobs no longer enabled. A changed interval also
	// restarts the runner, since the ticker period is fixed at spawn.
	for job, r := range st.runners {
		if !cfg.JobEnabled(string(job)) || r.interval != st.intervals[job] {
			r.stop()
			delete(st.runners, job)
		}
	}
	// Spawn runners for newly enabled jobs.
	for _, name := range cfg.EnabledJobs() {
		job := JobType(name)
		if _, ok := st.runners[job]; ok {
			continue
		}
		r := &runner{
			svc:      s,
			tenantID: tenantID,
			job:      job,
			action:   s.actions[job],
			interval: st.intervals[job],
			stopCh:   make(chan struct{}),
		}
		st.runners[job] = r
		s.sup.Go(fmt.Sprintf("automation/%s/%s", tenantID, job), r.loop)
	}

	s.log.Info("tenant started",
		logx.String("tenant", tenantID),
		logx.Int("jobs", len(st.runners)))
	return nil
}

func (s *Service) buildState(tenantID string, cfg config.TenantConfig) (*tenantState, error) {
	jobs := cfg.EnabledJobs()
	if len(jobs) == 0 {
		return nil, &ConfigurationError{TenantID: tenantID, Reason: "no jobs enabled"}
	}
	for _, name := range jobs {
		if _, ok := s.actions[JobType(name)]; !ok {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: "no action registered for job " + name}
		}
	}

	var window *clock.Window
	start, end := cfg.WorkingHours.Start, cfg.WorkingHours.End
	if start != "" || end != "" {
		if start == "" || end == "" {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: "working_hours requires both start and end"}
		}
		w, err := clock.NewWindow(start, end, cfg.WorkingDays, s.loc)
		if err != nil {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: err.Error()}
		}
		window = &w
	} else if len(cfg.WorkingDays) > 0 {
		w, err := clock.NewWindow("00:00", "23:59", cfg.WorkingDays, s.loc)
		if err != nil {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: err.Error()}
		}
		window = &w
	}

	intervals := make(map[JobType]time.Duration, len(AllJobs))
	for _, job := range AllJobs {
		intervals[job] = defaultIntervals[job]
		raw, ok := cfg.Intervals[string(job)]
		if !ok {
			continue
		}
		d, err := config.ParseDurationField("intervals."+string(job), raw)
		if err != nil {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: err.Error()}
		}
		if d < time.Second {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: fmt.Sprintf("intervals.%s below 1s", job)}
		}
		intervals[job] = d
	}

	return &tenantState{
		cfg:       cfg,
		window:    window,
		intervals: intervals,
		runners:   make(map[JobType]*runner),
		used:      make(map[JobType]int),
		usedDate:  clock.DayKey(s.clk.Now(), s.loc),
	}, nil
}

// StopJob stops one job's runner; the rest of the tenant keeps going.
func (s *Service) StopJob(tenantID string, job JobType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s not running", tenantID)
	}
	r, ok := st.runners[job]
	if !ok {
		return fmt.Errorf("tenant %s: job %s not running", tenantID, job)
	}
	r.stop()
	delete(st.runners, job)
	s.log.Info("job stopped", logx.String("tenant", tenantID), logx.String("job", string(job)))
	return nil
}

// StopTenant stops all of a tenant's runners. In-flight ticks finish;
// no new tick starts after return.
func (s *Service) StopTenant(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s not running", tenantID)
	}
	for _, r := range st.runners {
		r.stop()
	}
	delete(s.tenants, tenantID)
	s.log.Info("tenant stopped", logx.String("tenant", tenantID))
	return nil
}

// StopAll stops every tenant. Used on shutdown and config-driven
// teardown; the supervisor separately waits for runner goroutines.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.tenants {
		for _, r := range st.runners {
			r.stop()
		}
		delete(s.tenants, id)
	}
}

// Running reports whether a tenant has at least one live runner.
func (s *Service) Running(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenants[tenantID]
	return ok && len(st.runners) > 0
}

// Reconfigure applies a hot-reloaded tenant map. Running tenants are
// reconciled in place; tenants absent from the new map are stopped.
// Tenants that were never started stay stopped: starting automation is
// an explicit operator action, not a config side effect.
func (s *Service) Reconfigure(tenants map[string]config.TenantConfig) {
	s.mu.Lock()
	var stale []string
	var update []string
	for id := range s.tenants {
		if _, ok := tenants[id]; !ok {
			stale = append(stale, id)
		} else {
			update = append(update, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if err := s.StopTenant(id); err == nil {
			s.log.Warn("tenant removed from config; automation stopped", logx.String("tenant", id))
		}
	}
	for _, id := range update {
		if err := s.StartTenant(id, tenants[id]); err != nil {
			s.log.Error("reconfigure failed; tenant keeps previous settings",
				logx.String("tenant", id), logx.Err(err))
		}
	}
}

// JobStatus is the monitoring view of one runner.
type JobStatus struct {
	Job      JobType       `json:"job"`
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	InWindow bool          `json:"in_window"`

	TodayUsed  int `json:"today_used"`
	TodayLimit int `json:"today_limit"` // 0 = uncapped
	Backlog    int `json:"backlog"`

	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	LastResult string    `json:"last_result,omitempty"`
	Runs       int64     `json:"runs"`
	Successes  int64     `json:"successes"`
	Failures   int64     `json:"failures"`
	Skips      int64     `json:"skips"`
}

// TenantStatus is the monitoring view of one tenant.
type TenantStatus struct {
	TenantID string      `json:"tenant_id"`
	Running  bool        `json:"running"`
	Jobs     []JobStatus `json:"jobs"`
}

// Status is a pure read: it never selects, reserves or mutates.
func (s *Service) Status() []TenantStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]TenantStatus, 0, len(ids))
	for _, id := range ids {
		if ts, ok := s.TenantStatus(id); ok {
			out = append(out, ts)
		}
	}
	return out
}

// TenantStatus reports one tenant. ok is false when the tenant is not
// running.
func (s *Service) TenantStatus(tenantID string) (TenantStatus, bool) {
	now := s.clk.Now().In(s.loc)

	s.mu.Lock()
	st, ok := s.tenants[tenantID]
	if !ok {
		s.mu.Unlock()
		return TenantStatus{}, false
	}
	cfg := st.cfg
	window := st.window
	intervals := st.intervals
	// Read-only view of today's usage. Stale counters from a previous
	// day read as zero; the actual reset stays with the runner's lazy
	// rollover.
	used := make(map[JobType]int, len(st.used))
	if st.usedDate == clock.DayKey(now, s.loc) {
		for k, v := range st.used {
			used[k] = v
		}
	}
	runners := make(map[JobType]*runner, len(st.runners))
	for k, v := range st.runners {
		runners[k] = v
	}
	s.mu.Unlock()

	inWindow := window == nil || window.Contains(now)

	ts := TenantStatus{TenantID: tenantID, Running: len(runners) > 0}
	for _, job := range AllJobs {
		js := JobStatus{
			Job:        job,
			Enabled:    cfg.JobEnabled(string(job)),
			Interval:   intervals[job],
			InWindow:   inWindow,
			TodayUsed:  used[job],
			TodayLimit: cfg.DailyLimits[string(job)],
		}
		if s.backlog != nil {
			js.Backlog = s.backlog(tenantID, job)
		}
		if r, ok := runners[job]; ok {
			js.Running = true
			r.fillStats(&js)
		}
		ts.Jobs = append(ts.Jobs, js)
	}
	return ts, true
}

// rolloverLocked resets tenant daily usage when the calendar day in the
// configured timezone has changed. Caller holds s.mu.
func (s *Service) rolloverLocked(st *tenantState, now time.Time) {
	key := clock.DayKey(now, s.loc)
	if st.usedDate != key {
		st.usedDate = key
		st.used = make(map[JobType]int)
	}
}
