package maintenance

import (
	"context"
	"testing"
	"time"

	"drover/internal/clock"
	"drover/internal/identity"
	logx "drover/pkg/logx"
)

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ids := identity.NewPool(clk, identity.WithLocation(time.UTC))
	s := New(ids, nil, nil, time.UTC, logx.Logger{})

	err := s.Start(context.Background(), Config{WarmupAdvanceCron: "not a spec"})
	if err == nil {
		t.Fatal("bad cron spec must fail Start")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ids := identity.NewPool(clk, identity.WithLocation(time.UTC))
	s := New(ids, nil, nil, time.UTC, logx.Logger{})

	// Far-future schedules: nothing fires during the test.
	cfg := Config{
		WarmupAdvanceCron: "@every 24h",
		RollupCron:        "@every 24h",
		HealthSweepCron:   "@every 24h",
	}
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop on a never-started service is a no-op.
	s2 := New(ids, nil, nil, time.UTC, logx.Logger{})
	if err := s2.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestAdvanceWarmupsStepsEveryWarmingIdentity(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ids := identity.NewPool(clk, identity.WithLocation(time.UTC))
	s := New(ids, nil, nil, time.UTC, logx.Logger{})

	warming := ids.Add("acme", "cred:a", identity.UsageFlags{})
	active := ids.Add("acme", "cred:b", identity.UsageFlags{PreWarmed: true})

	// The add already counts as today's step; advance the day first.
	clk.Advance(24 * time.Hour)
	s.advanceWarmups()

	got, _ := ids.Get(warming.ID)
	if got.WarmupDay != 2 {
		t.Fatalf("warmup day = %d, want 2", got.WarmupDay)
	}
	got, _ = ids.Get(active.ID)
	if got.Status != identity.StatusActive || got.WarmupDay != 0 {
		t.Fatalf("active identity touched by warm-up advance: %+v", got)
	}

	// Same-day rerun is a no-op.
	s.advanceWarmups()
	got, _ = ids.Get(warming.ID)
	if got.WarmupDay != 2 {
		t.Fatalf("second advance on same day moved the ramp: day %d", got.WarmupDay)
	}
}
