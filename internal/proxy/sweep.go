package proxy

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"drover/internal/eventbus"
	logx "drover/pkg/logx"
)

// Prober performs one bounded health probe through a proxy and returns
// the observed round-trip time. Implementations own the network call.
type Prober interface {
	Probe(ctx context.Context, px Proxy) (time.Duration, error)
}

// SweepSummary aggregates one health sweep.
type SweepSummary struct {
	Checked   int
	Healthy   int
	Unhealthy int
	Took      time.Duration
}

// Sweeper runs serialized health sweeps over the active proxies.
//
// Probes are paced with an inter-probe delay so the sweep itself never
// produces a burst of egress traffic.
type Sweeper struct {
	pool   *Pool
	prober Prober
	log    logx.Logger
	bus    eventbus.Bus

	probeTimeout time.Duration
	interProbe   time.Duration
}

type SweeperOption func(*Sweeper)

func WithSweepLogger(log logx.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

func WithSweepBus(bus eventbus.Bus) SweeperOption {
	return func(s *Sweeper) { s.bus = bus }
}

func WithProbeTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

func WithInterProbeDelay(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.interProbe = d
		}
	}
}

func NewSweeper(pool *Pool, prober Prober, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		pool:         pool,
		prober:       prober,
		log:          logx.Nop(),
		probeTimeout: 10 * time.Second,
		interProbe:   500 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run probes every active proxy once, serialized, and reports each
// outcome back to the pool. Cancellation stops between probes.
func (s *Sweeper) Run(ctx context.Context) (SweepSummary, error) {
	start := time.Now()
	ids := s.pool.ActiveIDs()

	var lim *rate.Limiter
	if s.interProbe > 0 {
		lim = rate.NewLimiter(rate.Every(s.interProbe), 1)
	}

	var sum SweepSummary
	for _, id := range ids {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return sum, err
			}
		} else if err := ctx.Err(); err != nil {
			return sum, err
		}

		ok, err := s.probeOne(ctx, id)
		if err != nil {
			// Proxy removed mid-sweep; not a sweep failure.
			continue
		}
		sum.Checked++
		if ok {
			sum.Healthy++
		} else {
			sum.Unhealthy++
		}
	}
	sum.Took = time.Since(start)

	s.log.Info("health sweep finished",
		logx.Int("checked", sum.Checked),
		logx.Int("healthy", sum.Healthy),
		logx.Int("unhealthy", sum.Unhealthy),
		logx.Duration("took", sum.Took))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepFinished, Data: sum})
	}
	return sum, nil
}

// TestOne probes a single proxy on demand (operator action) and reports
// the outcome to the pool.
func (s *Sweeper) TestOne(ctx context.Context, id string) (bool, error) {
	return s.probeOne(ctx, id)
}

func (s *Sweeper) probeOne(ctx context.Context, id string) (bool, error) {
	px, ok := s.pool.Get(id)
	if !ok {
		return false, ErrUnknownProxy
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	rt, err := s.prober.Probe(probeCtx, px)
	cancel()

	success := err == nil
	if rerr := s.pool.ReportHealthCheck(id, success, rt); rerr != nil {
		return false, rerr
	}
	if !success {
		s.log.Debug("proxy probe failed",
			logx.String("proxy", id),
			logx.String("host", px.Endpoint.Host),
			logx.Err(err))
	}
	return success, nil
}
