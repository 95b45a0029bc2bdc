package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedProber fails hosts listed in bad, succeeds otherwise.
type scriptedProber struct {
	mu     sync.Mutex
	bad    map[string]bool
	probed []string
}

func (f *scriptedProber) Probe(_ context.Context, px Proxy) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, px.Endpoint.Host)
	if f.bad[px.Endpoint.Host] {
		return 0, errors.New("connect refused")
	}
	return 42 * time.Millisecond, nil
}

func TestSweepReportsAllActive(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	good := p.Add(Endpoint{Host: "good.example", Port: 8080})
	bad := p.Add(Endpoint{Host: "bad.example", Port: 8080})
	inactive := p.Add(Endpoint{Host: "off.example", Port: 8080})
	if err := p.SetActive(inactive.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	prober := &scriptedProber{bad: map[string]bool{"bad.example": true}}
	s := NewSweeper(p, prober, WithInterProbeDelay(0), WithProbeTimeout(time.Second))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Checked != 2 || sum.Healthy != 1 || sum.Unhealthy != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, host := range prober.probed {
		if host == "off.example" {
			t.Fatal("sweep probed a deactivated proxy")
		}
	}

	gs, _ := p.Get(good.ID)
	if !gs.IsHealthy || gs.AvgResponseTime != 42*time.Millisecond {
		t.Fatalf("good proxy state: %+v", gs)
	}
	bs, _ := p.Get(bad.ID)
	if bs.IsHealthy || bs.ConsecutiveFailures != 1 {
		t.Fatalf("bad proxy state: %+v", bs)
	}
}

func TestSweepLeavesRunnerLeaseIntact(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, WithReserveTimeout(time.Minute))
	px := p.Add(Endpoint{Host: "1.2.3.4", Port: 8080})

	held, ok := p.Select(nil)
	if !ok {
		t.Fatal("expected proxy")
	}
	if _, ok := p.Select(nil); ok {
		t.Fatal("reserved proxy selected twice")
	}

	// A sweep running while the proxy is leased skips it entirely and
	// must not hand the lease to anyone else.
	prober := &scriptedProber{}
	s := NewSweeper(p, prober, WithInterProbeDelay(0), WithProbeTimeout(time.Second))
	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Checked != 0 || len(prober.probed) != 0 {
		t.Fatalf("sweep probed a leased proxy: %+v", sum)
	}
	if _, ok := p.Select(nil); ok {
		t.Fatal("proxy handed out twice before the holder reported")
	}

	// An operator's direct probe of the leased proxy records health
	// without releasing the hold.
	if _, err := s.TestOne(context.Background(), px.ID); err != nil {
		t.Fatalf("TestOne: %v", err)
	}
	if _, ok := p.Select(nil); ok {
		t.Fatal("operator probe released the runner's lease")
	}

	if err := p.ReportUsage(px.ID, held.LeaseToken, true, 10*time.Millisecond); err != nil {
		t.Fatalf("report: %v", err)
	}
	got, ok := p.Select(nil)
	if !ok {
		t.Fatal("expected proxy after the holder's release")
	}
	if got.ID != px.ID {
		t.Fatalf("selected %s, want %s", got.ID, px.ID)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	for i := 0; i < 5; i++ {
		p.Add(Endpoint{Host: "h.example", Port: 8000 + i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSweeper(p, &scriptedProber{}, WithInterProbeDelay(time.Hour))
	if _, err := s.Run(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestTestOneUnknownProxy(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	s := NewSweeper(p, &scriptedProber{})
	if _, err := s.TestOne(context.Background(), "nope"); !errors.Is(err, ErrUnknownProxy) {
		t.Fatalf("expected ErrUnknownProxy, got %v", err)
	}
}
