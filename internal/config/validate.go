package config

import (
	"context"
	"fmt"
	"time"

	"drover/internal/clock"
)

// Validate checks a parsed config for the errors that should fail fast
// rather than surface mid-run. It is also installed as the hot-reload
// validator, so a bad edit never replaces a good running config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}

	if cfg.Alert != nil && cfg.Alert.Enabled {
		if cfg.Alert.Token == "" {
			return fmt.Errorf("alert: enabled but token is empty")
		}
		if cfg.Alert.ChatID == 0 {
			return fmt.Errorf("alert: enabled but chat_id is not set")
		}
	}

	if _, err := ParseDurationField("identity_pool.reserve_timeout", cfg.Identity.ReserveTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("proxy_pool.reserve_timeout", cfg.Proxy.ReserveTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("proxy_pool.probe_timeout", cfg.Proxy.ProbeTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("proxy_pool.inter_probe_delay", cfg.Proxy.InterProbeDelay); err != nil {
		return err
	}

	for tenantID, tc := range cfg.Tenants {
		if err := validateTenant(tenantID, tc); err != nil {
			return err
		}
	}
	return nil
}

func validateTenant(tenantID string, tc TenantConfig) error {
	prefix := func(field string) string {
		return fmt.Sprintf("tenants.%s.%s", tenantID, field)
	}

	start := tc.WorkingHours.Start
	end := tc.WorkingHours.End
	if (start == "") != (end == "") {
		return fmt.Errorf("%s: start and end must be set together", prefix("working_hours"))
	}
	if start != "" {
		if _, _, err := clock.ParseHHMM(start); err != nil {
			return fmt.Errorf("%s: %w", prefix("working_hours.start"), err)
		}
		if _, _, err := clock.ParseHHMM(end); err != nil {
			return fmt.Errorf("%s: %w", prefix("working_hours.end"), err)
		}
	}
	for _, d := range tc.WorkingDays {
		if d < 1 || d > 7 {
			return fmt.Errorf("%s: day %d out of range 1..7", prefix("working_days"), d)
		}
	}

	for job, raw := range tc.Intervals {
		switch job {
		case "collect", "generate", "post":
		default:
			return fmt.Errorf("%s: unknown job type %q", prefix("intervals"), job)
		}
		d, err := ParseDurationField(prefix("intervals."+job), raw)
		if err != nil {
			return err
		}
		if d > 0 && d < time.Second {
			return fmt.Errorf("%s: interval %s below 1s", prefix("intervals."+job), d)
		}
	}
	for job, n := range tc.DailyLimits {
		switch job {
		case "collect", "generate", "post":
		default:
			return fmt.Errorf("%s: unknown job type %q", prefix("daily_limits"), job)
		}
		if n < 0 {
			return fmt.Errorf("%s: limit must be >= 0", prefix("daily_limits."+job))
		}
	}
	if tc.MinRelevanceScore < 0 || tc.MinRelevanceScore > 1 {
		return fmt.Errorf("%s: must be within [0, 1]", prefix("min_relevance_score"))
	}
	return nil
}
