package proxy

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"drover/internal/clock"
	"drover/internal/eventbus"
	logx "drover/pkg/logx"
)

const (
	// Five consecutive failed checks clear operator intent; the proxy
	// stays out of rotation until explicitly reactivated.
	consecutiveFailureLimit = 5

	selectionFanout = 3

	defaultReserveTimeout = 2 * time.Minute
)

var ErrUnknownProxy = errors.New("unknown proxy")

// DeactivatedEvent is published when the failure limit auto-clears
// IsActive.
type DeactivatedEvent struct {
	ID       string
	Host     string
	Failures int
}

type Pool struct {
	mu sync.Mutex

	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
	rng *rand.Rand

	reserveTimeout time.Duration

	proxies map[string]*Proxy
}

type PoolOption func(*Pool)

func WithLogger(log logx.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

func WithBus(bus eventbus.Bus) PoolOption {
	return func(p *Pool) { p.bus = bus }
}

func WithReserveTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.reserveTimeout = d
		}
	}
}

func NewPool(clk clock.Clock, opts ...PoolOption) *Pool {
	p := &Pool{
		clk:            clk,
		log:            logx.Nop(),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		reserveTimeout: defaultReserveTimeout,
		proxies:        map[string]*Proxy{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add registers a proxy as active with unknown (optimistic) health so
// it enters rotation until the first failed check says otherwise.
func (p *Pool) Add(ep Endpoint) Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep.Type == "" {
		ep.Type = TypeHTTP
	}
	px := &Proxy{
		ID:        uuid.NewString(),
		Endpoint:  ep,
		IsActive:  true,
		IsHealthy: true,
	}
	p.proxies[px.ID] = px
	p.log.Info("proxy added",
		logx.String("proxy", px.ID),
		logx.String("host", ep.Host),
		logx.Int("port", ep.Port))
	return *px
}

func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.proxies[id]; !ok {
		return ErrUnknownProxy
	}
	delete(p.proxies, id)
	return nil
}

// Select picks an active, healthy proxy and reserves it until the next
// health/usage report. ok=false (no proxy available) is a normal
// outcome.
func (p *Pool) Select(excludeIDs []string) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	excluded := map[string]bool{}
	for _, e := range excludeIDs {
		excluded[e] = true
	}

	candidates := make([]*Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		if excluded[px.ID] || !px.IsActive || !px.IsHealthy || px.Reserved(now) {
			continue
		}
		candidates = append(candidates, px)
	}
	if len(candidates) == 0 {
		return Proxy{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	fan := selectionFanout
	if len(candidates) < fan {
		fan = len(candidates)
	}
	picked := candidates[p.rng.Intn(fan)]
	picked.reservedUntil = now.Add(p.reserveTimeout)
	picked.reserveToken = uuid.NewString()
	out := *picked
	out.LeaseToken = picked.reserveToken
	return out, true
}

// ReportHealthCheck applies one probe observation. Reservations are
// untouched: a probe is not the holder, so it cannot release a lease
// a job runner still owns. Holders report through ReportUsage.
//
// Health recovery is always recorded, even on a deactivated proxy, but
// IsActive never flips back automatically.
func (p *Pool) ReportHealthCheck(id string, success bool, responseTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.proxies[id]
	if !ok {
		return ErrUnknownProxy
	}
	p.applyReportLocked(px, success, responseTime)
	return nil
}

// ReportUsage applies the lease holder's outcome and releases the
// reservation. A stale token (the lease expired and the proxy was
// re-leased) still records the observation but leaves the current
// holder's reservation in place.
func (p *Pool) ReportUsage(id, leaseToken string, success bool, responseTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.proxies[id]
	if !ok {
		return ErrUnknownProxy
	}
	if leaseToken != "" && leaseToken == px.reserveToken {
		px.reservedUntil = time.Time{}
		px.reserveToken = ""
	}
	p.applyReportLocked(px, success, responseTime)
	return nil
}

func (p *Pool) applyReportLocked(px *Proxy, success bool, responseTime time.Duration) {
	now := p.clk.Now()
	if success {
		px.IsHealthy = true
		px.ConsecutiveFailures = 0
		px.SuccessCount++
		px.LastUsedAt = now
		// Cumulative mean over successful probes.
		n := px.SuccessCount
		px.AvgResponseTime += (responseTime - px.AvgResponseTime) / time.Duration(n)
	} else {
		px.IsHealthy = false
		px.FailureCount++
		px.ConsecutiveFailures++
		if px.ConsecutiveFailures >= consecutiveFailureLimit && px.IsActive {
			px.IsActive = false
			p.log.Warn("proxy auto-deactivated",
				logx.String("proxy", px.ID),
				logx.String("host", px.Endpoint.Host),
				logx.Int("consecutive_failures", px.ConsecutiveFailures))
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{
					Type: eventbus.TypeProxyDeactivated,
					Data: DeactivatedEvent{ID: px.ID, Host: px.Endpoint.Host, Failures: px.ConsecutiveFailures},
				})
			}
		}
	}
	if total := px.SuccessCount + px.FailureCount; total > 0 {
		px.SuccessRate = float64(px.SuccessCount) / float64(total)
	}
}

// SetActive is the operator intent switch. Reactivation clears the
// failure streak so one old streak doesn't immediately re-trip.
func (p *Pool) SetActive(id string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.proxies[id]
	if !ok {
		return ErrUnknownProxy
	}
	px.IsActive = active
	if active {
		px.ConsecutiveFailures = 0
	}
	p.log.Info("proxy active flag set",
		logx.String("proxy", id),
		logx.Bool("active", active))
	return nil
}

func (p *Pool) Get(id string) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok {
		return Proxy{}, false
	}
	return *px, true
}

// List returns copies of all proxies, ordered by ID.
func (p *Pool) List() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, *px)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveIDs lists proxies the sweep should probe. Unhealthy-but-active
// proxies are exactly the ones worth re-checking; reserved proxies are
// skipped because the lease holder reports their health itself.
func (p *Pool) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clk.Now()
	var out []string
	for _, px := range p.proxies {
		if px.IsActive && !px.Reserved(now) {
			out = append(out, px.ID)
		}
	}
	sort.Strings(out)
	return out
}
