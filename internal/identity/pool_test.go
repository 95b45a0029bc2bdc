package identity

import (
	"sync"
	"testing"
	"time"

	"drover/internal/clock"
)

func newTestPool(t *testing.T, opts ...PoolOption) (*Pool, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]PoolOption{WithLocation(time.UTC)}, opts...)
	return NewPool(fake, opts...), fake
}

func addActive(t *testing.T, p *Pool, limits map[ActivityType]int) Identity {
	t.Helper()
	id := p.Add("tenant-1", "cred-ref", UsageFlags{PreWarmed: true})
	if err := p.SetMinInterval(id.ID, 0); err != nil {
		t.Fatalf("SetMinInterval: %v", err)
	}
	if limits != nil {
		if err := p.SetLimits(id.ID, limits); err != nil {
			t.Fatalf("SetLimits: %v", err)
		}
	}
	return id
}

func TestSelectEmptyPool(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	if _, ok := p.Select(ActivityPost, nil); ok {
		t.Fatal("expected no identity from empty pool")
	}
}

func TestSelectRespectsQuotaAndLazyReset(t *testing.T) {
	t.Parallel()
	p, fake := newTestPool(t)
	id := addActive(t, p, map[ActivityType]int{ActivityPost: 2})

	for i := 0; i < 2; i++ {
		got, ok := p.Select(ActivityPost, nil)
		if !ok {
			t.Fatalf("select %d: expected identity", i)
		}
		if err := p.Report(got.ID, ActivityPost, Outcome{Success: true}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}

	if _, ok := p.Select(ActivityPost, nil); ok {
		t.Fatal("quota exhausted, select should return none")
	}

	// Next calendar day: the lazy reset re-zeroes counters exactly once.
	fake.Advance(24 * time.Hour)
	got, ok := p.Select(ActivityPost, nil)
	if !ok {
		t.Fatal("expected identity after date rollover")
	}
	if got.ID != id.ID {
		t.Fatalf("unexpected identity %s", got.ID)
	}
	snap, _ := p.Get(id.ID)
	if snap.DailyCounters[ActivityPost] != 0 {
		t.Fatalf("counters not reset: %d", snap.DailyCounters[ActivityPost])
	}
	if snap.DailyCounterDate != "2026-06-02" {
		t.Fatalf("counter date = %q", snap.DailyCounterDate)
	}
}

func TestGenerateQuotaEnforcedForDirectSelect(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := addActive(t, p, map[ActivityType]int{ActivityGenerate: 2})

	for i := 0; i < 2; i++ {
		got, ok := p.Select(ActivityGenerate, nil)
		if !ok {
			t.Fatalf("select %d: expected identity", i)
		}
		if err := p.Report(got.ID, ActivityGenerate, Outcome{Success: true}); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	if _, ok := p.Select(ActivityGenerate, nil); ok {
		t.Fatal("generate quota exhausted, identity still selectable")
	}
	snap, _ := p.Get(a.ID)
	if snap.DailyCounters[ActivityGenerate] != 2 {
		t.Fatalf("generate counter = %d, want 2", snap.DailyCounters[ActivityGenerate])
	}
}

func TestReservationBlocksDoubleSelect(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	addActive(t, p, map[ActivityType]int{ActivityPost: 10})

	first, ok := p.Select(ActivityPost, nil)
	if !ok {
		t.Fatal("expected identity")
	}
	if _, ok := p.Select(ActivityPost, nil); ok {
		t.Fatal("reserved identity must not be selected twice")
	}
	if err := p.Report(first.ID, ActivityPost, Outcome{Success: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, ok := p.Select(ActivityPost, nil); !ok {
		t.Fatal("report should release the reservation")
	}
}

func TestReservationExpires(t *testing.T) {
	t.Parallel()
	p, fake := newTestPool(t, WithReserveTimeout(time.Minute))
	addActive(t, p, map[ActivityType]int{ActivityPost: 10})

	if _, ok := p.Select(ActivityPost, nil); !ok {
		t.Fatal("expected identity")
	}
	if _, ok := p.Select(ActivityPost, nil); ok {
		t.Fatal("expected reservation to hold")
	}
	// A caller that never reports must not leak the identity forever.
	fake.Advance(2 * time.Minute)
	if _, ok := p.Select(ActivityPost, nil); !ok {
		t.Fatal("expected reservation to expire")
	}
}

func TestSelectExcludesIDs(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := addActive(t, p, map[ActivityType]int{ActivityPost: 10})

	if _, ok := p.Select(ActivityPost, []string{a.ID}); ok {
		t.Fatal("excluded identity must not be selected")
	}
}

func TestSelectSkipsInactiveStatuses(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := addActive(t, p, map[ActivityType]int{ActivityPost: 10})

	for _, st := range []Status{StatusResting, StatusBlocked, StatusDisabled} {
		if err := p.SetStatus(a.ID, st); err != nil {
			t.Fatalf("SetStatus(%s): %v", st, err)
		}
		if _, ok := p.Select(ActivityPost, nil); ok {
			t.Fatalf("status %s must not be selectable", st)
		}
	}
	if err := p.SetStatus(a.ID, StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, ok := p.Select(ActivityPost, nil); !ok {
		t.Fatal("active identity should be selectable again")
	}
}

func TestMinActivityIntervalGate(t *testing.T) {
	t.Parallel()
	p, fake := newTestPool(t)
	a := addActive(t, p, map[ActivityType]int{ActivityPost: 10})
	if err := p.SetMinInterval(a.ID, 10*time.Minute); err != nil {
		t.Fatalf("SetMinInterval: %v", err)
	}

	got, _ := p.Select(ActivityPost, nil)
	if err := p.Report(got.ID, ActivityPost, Outcome{Success: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, ok := p.Select(ActivityPost, nil); ok {
		t.Fatal("identity used moments ago must be paced out")
	}
	fake.Advance(10 * time.Minute)
	if _, ok := p.Select(ActivityPost, nil); !ok {
		t.Fatal("expected identity after pacing interval")
	}
}

func TestLoginFailureEscalation(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := addActive(t, p, map[ActivityType]int{ActivityPost: 10})

	for i := 0; i < 2; i++ {
		if err := p.Report(a.ID, ActivityPost, Outcome{LoginFailure: true}); err != nil {
			t.Fatalf("report: %v", err)
		}
		snap, _ := p.Get(a.ID)
		if snap.Status != StatusActive {
			t.Fatalf("after %d strikes status = %s", i+1, snap.Status)
		}
	}
	if err := p.Report(a.ID, ActivityPost, Outcome{LoginFailure: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	snap, _ := p.Get(a.ID)
	if snap.Status != StatusResting {
		t.Fatalf("third strike should rest the identity, got %s", snap.Status)
	}
	if snap.LastLoginFailureCount != 3 {
		t.Fatalf("failure count = %d", snap.LastLoginFailureCount)
	}

	// Resting is never left automatically; the operator reactivates.
	if err := p.Report(a.ID, ActivityPost, Outcome{Success: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	snap, _ = p.Get(a.ID)
	if snap.Status != StatusResting {
		t.Fatalf("success report must not auto-reactivate, got %s", snap.Status)
	}
	if err := p.SetStatus(a.ID, StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	snap, _ = p.Get(a.ID)
	if snap.LastLoginFailureCount != 0 {
		t.Fatal("reactivation should clear strikes")
	}
}

func TestNonLoginFailureKeepsStatus(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := addActive(t, p, map[ActivityType]int{ActivityPost: 10})

	for i := 0; i < 10; i++ {
		if err := p.Report(a.ID, ActivityPost, Outcome{}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	snap, _ := p.Get(a.ID)
	if snap.Status != StatusActive {
		t.Fatalf("action failures must not change status, got %s", snap.Status)
	}
	if snap.DailyCounters[ActivityPost] != 0 {
		t.Fatal("failed actions must not consume quota")
	}
}

func TestAdvanceWarmupIdempotentPerDay(t *testing.T) {
	t.Parallel()
	p, fake := newTestPool(t)
	a := p.Add("tenant-1", "cred-ref", UsageFlags{})

	snap, _ := p.Get(a.ID)
	if snap.Status != StatusWarmingUp || snap.WarmupDay != 1 {
		t.Fatalf("new identity should start warming on day 1, got %s day %d", snap.Status, snap.WarmupDay)
	}

	// Same day as Add: no-op.
	if day, err := p.AdvanceWarmup(a.ID); err != nil || day != 1 {
		t.Fatalf("same-day advance: day=%d err=%v", day, err)
	}

	for want := 2; want <= 7; want++ {
		fake.Advance(24 * time.Hour)
		day, err := p.AdvanceWarmup(a.ID)
		if err != nil || day != want {
			t.Fatalf("advance to day %d: got %d err=%v", want, day, err)
		}
		// Second call the same day is a no-op.
		if day, _ := p.AdvanceWarmup(a.ID); day != want {
			t.Fatalf("repeat advance moved day to %d", day)
		}
		snap, _ := p.Get(a.ID)
		if snap.DailyLimits[ActivityPost] != RampLimits(want)[ActivityPost] {
			t.Fatalf("day %d limits not applied", want)
		}
	}

	// Day 7 done: the next daily advance graduates.
	fake.Advance(24 * time.Hour)
	day, err := p.AdvanceWarmup(a.ID)
	if err != nil || day != 0 {
		t.Fatalf("graduation: day=%d err=%v", day, err)
	}
	snap, _ = p.Get(a.ID)
	if snap.Status != StatusActive || snap.WarmupDay != 0 {
		t.Fatalf("expected graduated identity, got %s day %d", snap.Status, snap.WarmupDay)
	}
	if snap.DailyLimits[ActivityPost] != StandardLimits()[ActivityPost] {
		t.Fatal("graduated identity should carry standard limits")
	}

	// Further advances are no-ops.
	fake.Advance(24 * time.Hour)
	if day, _ := p.AdvanceWarmup(a.ID); day != 0 {
		t.Fatalf("post-graduation advance returned %d", day)
	}
}

func TestUsageFlagsRestrictActivities(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := p.Add("tenant-1", "cred-ref", UsageFlags{Collect: true, PreWarmed: true})
	if err := p.SetMinInterval(a.ID, 0); err != nil {
		t.Fatalf("SetMinInterval: %v", err)
	}

	if _, ok := p.Select(ActivityPost, nil); ok {
		t.Fatal("post disabled by usage flags")
	}
	if _, ok := p.Select(ActivityCollect, nil); !ok {
		t.Fatal("collect should be allowed")
	}
}

func TestSelectPrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	for i := 0; i < 3; i++ {
		addActive(t, p, map[ActivityType]int{ActivityPost: 100})
	}
	recent := addActive(t, p, map[ActivityType]int{ActivityPost: 100})
	if err := p.Report(recent.ID, ActivityPost, Outcome{Success: true}); err != nil {
		t.Fatalf("report: %v", err)
	}

	// With three never-used identities ahead of it, the recently used
	// one is outside the selection fanout and must never win.
	for i := 0; i < 25; i++ {
		got, ok := p.Select(ActivityPost, nil)
		if !ok {
			t.Fatal("expected identity")
		}
		if got.ID == recent.ID {
			t.Fatal("recently used identity selected over idle ones")
		}
		// Release the hold without stamping activity.
		if err := p.Report(got.ID, ActivityPost, Outcome{}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
}

func TestConcurrentSelectReportHoldsQuota(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	const limit = 5
	for i := 0; i < 4; i++ {
		addActive(t, p, map[ActivityType]int{ActivityPost: limit})
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got, ok := p.Select(ActivityPost, nil)
				if !ok {
					continue
				}
				_ = p.Report(got.ID, ActivityPost, Outcome{Success: true})
			}
		}()
	}
	wg.Wait()

	for _, snap := range p.List() {
		if c := snap.DailyCounters[ActivityPost]; c > limit {
			t.Fatalf("identity %s counter %d exceeds limit %d", snap.ID, c, limit)
		}
	}
}

func TestRemoveIdentity(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	a := addActive(t, p, nil)
	if err := p.Remove(a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.Remove(a.ID); err != ErrUnknownIdentity {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	if _, ok := p.Get(a.ID); ok {
		t.Fatal("identity still visible after remove")
	}
}
