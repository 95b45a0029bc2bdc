// Package maintenance runs the recurring housekeeping jobs on cron
// schedules: the nightly warm-up advance, rollup flushes and the proxy
// health sweep.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"drover/internal/automation"
	"drover/internal/identity"
	"drover/internal/proxy"
	logx "drover/pkg/logx"
)

// Config holds the three cron specs. Empty fields use defaults.
type Config struct {
	WarmupAdvanceCron string
	RollupCron        string
	HealthSweepCron   string
}

const (
	defaultWarmupCron = "5 0 * * *"
	defaultRollupCron = "15 0 * * *"
	defaultSweepCron  = "@every 30m"
)

// Service schedules the housekeeping jobs. Job bodies run on the cron
// goroutine; each one is short or internally paced.
type Service struct {
	log logx.Logger
	loc *time.Location

	identities *identity.Pool
	sweeper    *proxy.Sweeper
	collector  *automation.Collector

	parser cron.Parser
	c      *cron.Cron
}

func New(ids *identity.Pool, sweeper *proxy.Sweeper, collector *automation.Collector, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:        log,
		loc:        loc,
		identities: ids,
		sweeper:    sweeper,
		collector:  collector,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the schedules and launches the cron runner. All
// specs are validated before anything starts.
func (s *Service) Start(ctx context.Context, cfg Config) error {
	specs := []struct {
		name string
		spec string
		def  string
		run  func()
	}{
		{"warmup_advance", cfg.WarmupAdvanceCron, defaultWarmupCron, func() { s.advanceWarmups() }},
		{"rollup_flush", cfg.RollupCron, defaultRollupCron, func() { s.flushRollups(ctx) }},
		{"health_sweep", cfg.HealthSweepCron, defaultSweepCron, func() { s.runSweep(ctx) }},
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, sp := range specs {
		spec := sp.spec
		if spec == "" {
			spec = sp.def
		}
		if _, err := c.AddFunc(spec, sp.run); err != nil {
			return fmt.Errorf("maintenance: %s spec %q: %w", sp.name, spec, err)
		}
		s.log.Debug("maintenance job scheduled",
			logx.String("job", sp.name), logx.String("spec", spec))
	}
	s.c = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Service) Stop(ctx context.Context) error {
	if s.c == nil {
		return nil
	}
	stopCtx := s.c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advanceWarmups moves every warming identity one ramp step. The pool
// makes the step idempotent per calendar day, so an overlapping manual
// advance is harmless.
func (s *Service) advanceWarmups() {
	ids := s.identities.WarmingIDs()
	var advanced, graduated int
	for _, id := range ids {
		day, err := s.identities.AdvanceWarmup(id)
		switch {
		case err != nil:
			s.log.Warn("warm-up advance failed", logx.String("identity", id), logx.Err(err))
		case day == 0:
			graduated++
		default:
			advanced++
		}
	}
	if len(ids) > 0 {
		s.log.Info("warm-up advance finished",
			logx.Int("advanced", advanced),
			logx.Int("graduated", graduated))
	}
}

func (s *Service) flushRollups(ctx context.Context) {
	if s.collector == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.collector.Flush(fctx); err != nil {
		s.log.Warn("rollup flush failed", logx.Err(err))
	}
}

func (s *Service) runSweep(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	sum, err := s.sweeper.Run(ctx)
	if err != nil {
		s.log.Warn("health sweep aborted", logx.Err(err))
		return
	}
	s.log.Info("health sweep finished",
		logx.Int("checked", sum.Checked),
		logx.Int("healthy", sum.Healthy),
		logx.Int("unhealthy", sum.Unhealthy),
		logx.Duration("took", sum.Took))
}
