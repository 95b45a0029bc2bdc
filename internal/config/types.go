package config

// Config is the root configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; both are decoded strictly so typos in
// keys fail loudly instead of being silently ignored.
type Config struct {
	// Timezone is an IANA TZ name (e.g. "Europe/Berlin"). It anchors
	// calendar-day boundaries for daily counters, warm-up advances and
	// working windows. Empty means the host's local time.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`

	// Alert configures the optional operator Telegram channel.
	Alert *AlertConfig `json:"alert,omitempty"`

	// Storage configures the optional audit/rollup persistence layer.
	Storage *StorageConfig `json:"storage,omitempty"`

	Identity IdentityPoolConfig `json:"identity_pool"`
	Proxy    ProxyPoolConfig    `json:"proxy_pool"`

	Maintenance MaintenanceConfig `json:"maintenance"`

	// Pprof exposes the Go profiling endpoints when enabled.
	Pprof *PprofConfig `json:"pprof,omitempty"`

	// Tenants maps tenant ID to its schedule configuration.
	Tenants map[string]TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
	Notify  NotifyLog  `json:"notify,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// NotifyLog mirrors warnings and errors into the alert channel.
type NotifyLog struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the audit/rollup store.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file
//
// Empty or "none" disables storage.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type IdentityPoolConfig struct {
	// ReserveTimeout releases a selected-but-never-reported identity.
	ReserveTimeout string `json:"reserve_timeout,omitempty"`
}

type ProxyPoolConfig struct {
	ReserveTimeout  string `json:"reserve_timeout,omitempty"`
	ProbeURL        string `json:"probe_url,omitempty"`
	ProbeTimeout    string `json:"probe_timeout,omitempty"`
	InterProbeDelay string `json:"inter_probe_delay,omitempty"`
}

// MaintenanceConfig holds cron specs (robfig/cron syntax, including
// @every) for the recurring housekeeping jobs.
type MaintenanceConfig struct {
	// WarmupAdvanceCron advances every warming identity one ramp step.
	// Default: "5 0 * * *" (shortly after midnight).
	WarmupAdvanceCron string `json:"warmup_advance_cron,omitempty"`
	// RollupCron flushes per-tenant daily activity rollups to storage.
	// Default: "15 0 * * *".
	RollupCron string `json:"rollup_cron,omitempty"`
	// HealthSweepCron runs the proxy health sweep. Default: "@every 30m".
	HealthSweepCron string `json:"health_sweep_cron,omitempty"`
}

// PprofConfig controls the profiling listener. Non-loopback binds
// require a token or an explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// TenantConfig is one tenant's schedule configuration: which job types
// run, how often, under which daily caps and working window.
type TenantConfig struct {
	AutoCollect  bool `json:"auto_collect"`
	AutoGenerate bool `json:"auto_generate"`
	AutoPost     bool `json:"auto_post"`

	// Intervals maps job type ("collect", "generate", "post") to the
	// tick interval. Missing entries use per-job defaults.
	Intervals map[string]string `json:"intervals,omitempty"`

	// DailyLimits maps job type to the tenant-level daily cap.
	// Zero/missing means uncapped at the tenant level (identity-level
	// quotas still apply).
	DailyLimits map[string]int `json:"daily_limits,omitempty"`

	WorkingHours HoursConfig `json:"working_hours"`
	// WorkingDays uses ISO weekday numbers, 1=Monday .. 7=Sunday.
	// Empty means every day.
	WorkingDays []int `json:"working_days,omitempty"`

	MinRelevanceScore float64  `json:"min_relevance_score,omitempty"`
	ExcludeKeywords   []string `json:"exclude_keywords,omitempty"`
}

// HoursConfig is an inclusive HH:MM range; start > end wraps midnight.
type HoursConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// JobEnabled reports whether a job type is switched on for the tenant.
func (t TenantConfig) JobEnabled(job string) bool {
	switch job {
	case "collect":
		return t.AutoCollect
	case "generate":
		return t.AutoGenerate
	case "post":
		return t.AutoPost
	}
	return false
}

// EnabledJobs lists the switched-on job types in a stable order.
func (t TenantConfig) EnabledJobs() []string {
	var jobs []string
	for _, j := range []string{"collect", "generate", "post"} {
		if t.JobEnabled(j) {
			jobs = append(jobs, j)
		}
	}
	return jobs
}
