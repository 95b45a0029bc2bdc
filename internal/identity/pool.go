package identity

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
	// Three consecutive login failures park an identity in Resting.
	loginFailureLimit = 3

	// selectionFanout is how many of the least-recently-used candidates
	// the random pick spreads over. The jitter breaks the perfectly
	// periodic activity signature a strict LRU rotation would produce.
	selectionFanout = 3

	defaultReserveTimeout = 2 * time.Minute
)

var ErrUnknownIdentity = errors.New("unknown identity")

// Outcome is what a caller reports back after driving one action with a
// selected identity.
type Outcome struct {
	Success      bool
	LoginFailure bool
	// Adoptions counts likes/follow-backs attributed to the action.
	Adoptions int
}

// RestingEvent is published on the bus when the 3-strikes rule fires.
type RestingEvent struct {
	ID       string
	TenantID string
	Failures int
}

// UsageFlags restrict which activities an identity performs.
// The zero value enables everything.
type UsageFlags struct {
	Collect   bool
	Generate  bool
	Post      bool
	PreWarmed bool
}

func (f UsageFlags) enabled(t ActivityType) bool {
	if !f.Collect && !f.Generate && !f.Post {
		return true
	}
	switch t {
	case ActivityCollect:
		return f.Collect
	case ActivityGenerate:
		return f.Generate
	case ActivityPost:
		return f.Post
	}
	return false
}

// Pool owns all identities across tenants. Every operation is short and
// serialized by a single mutex; the only long-running work (the action
// itself) happens outside, between Select and Report.
type Pool struct {
	mu sync.Mutex

	clk clock.Clock
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus
	rng *rand.Rand

	reserveTimeout time.Duration

	idents map[string]*Identity
}

type PoolOption func(*Pool)

func WithLogger(log logx.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

func WithBus(bus eventbus.Bus) PoolOption {
	return func(p *Pool) { p.bus = bus }
}

func WithLocation(loc *time.Location) PoolOption {
	return func(p *Pool) { p.loc = loc }
}

// WithReserveTimeout overrides the hard timeout after which a
// reservation whose Report never arrived is released.
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
		loc:            time.Local,
		log:            logx.Nop(),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		reserveTimeout: defaultReserveTimeout,
		idents:         map[string]*Identity{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add registers a new identity. It starts warming up on day 1 unless
// flagged pre-warmed, in which case it is Active under standard limits.
func (p *Pool) Add(tenantID, credentialRef string, flags UsageFlags) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	id := &Identity{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		CredentialRef:       credentialRef,
		DailyCounters:       map[ActivityType]int{},
		DailyCounterDate:    clock.DayKey(now, p.loc),
		MinActivityInterval: 30 * time.Minute,
		usage:               flags,
	}
	if flags.PreWarmed {
		id.Status = StatusActive
		id.DailyLimits = filterLimits(StandardLimits(), flags)
	} else {
		id.Status = StatusWarmingUp
		id.WarmupDay = 1
		id.WarmupStartDate = clock.DayKey(now, p.loc)
		id.warmupAdvanced = id.WarmupStartDate
		id.DailyLimits = filterLimits(RampLimits(1), flags)
	}
	p.idents[id.ID] = id

	p.log.Info("identity added",
		logx.String("identity", id.ID),
		logx.String("tenant", tenantID),
		logx.String("status", string(id.Status)))
	return snapshot(id)
}

// Remove deletes an identity. Identities are never destroyed implicitly.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.idents[id]; !ok {
		return ErrUnknownIdentity
	}
	delete(p.idents, id)
	return nil
}

// Select picks an eligible identity for the given activity and reserves
// it until the matching Report (or the reserve timeout).
//
// An empty eligible set is a normal outcome, returned as ok=false.
func (p *Pool) Select(activity ActivityType, excludeIDs []string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	excluded := map[string]bool{}
	for _, e := range excludeIDs {
		excluded[e] = true
	}

	candidates := make([]*Identity, 0, len(p.idents))
	for _, id := range p.idents {
		p.resetCountersLocked(id, now)
		if !p.eligibleLocked(id, activity, excluded, now) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return Identity{}, false
	}

	// Oldest-first fairness, then a uniform pick among the oldest few.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.Before(b.LastActivityAt)
		}
		return a.ID < b.ID
	})
	fan := selectionFanout
	if len(candidates) < fan {
		fan = len(candidates)
	}
	picked := candidates[p.rng.Intn(fan)]
	picked.reservedUntil = now.Add(p.reserveTimeout)

	return snapshot(picked), true
}

func (p *Pool) eligibleLocked(id *Identity, activity ActivityType, excluded map[string]bool, now time.Time) bool {
	if excluded[id.ID] {
		return false
	}
	if id.Status != StatusActive && id.Status != StatusWarmingUp {
		return false
	}
	if id.Reserved(now) {
		return false
	}
	limit := id.DailyLimits[activity]
	if limit <= 0 || id.DailyCounters[activity] >= limit {
		return false
	}
	if !id.LastActivityAt.IsZero() && now.Sub(id.LastActivityAt) < id.MinActivityInterval {
		return false
	}
	return true
}

// Report applies the outcome of one action and releases the reservation
// taken at Select time.
func (p *Pool) Report(id string, activity ActivityType, out Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.idents[id]
	if !ok {
		return ErrUnknownIdentity
	}
	now := p.clk.Now()
	ident.reservedUntil = time.Time{}
	p.resetCountersLocked(ident, now)

	switch {
	case out.Success:
		ident.DailyCounters[activity]++
		ident.LastActivityAt = now
		ident.LastLoginFailureCount = 0
		ident.Stats.TotalActions++
		ident.Stats.TotalAdoptions += out.Adoptions
		if ident.Stats.TotalActions > 0 {
			ident.Stats.AdoptionRate = float64(ident.Stats.TotalAdoptions) / float64(ident.Stats.TotalActions)
		}
	case out.LoginFailure:
		ident.LastLoginFailureCount++
		if ident.LastLoginFailureCount >= loginFailureLimit && ident.Status != StatusResting {
			ident.Status = StatusResting
			p.log.Warn("identity parked after repeated login failures",
				logx.String("identity", ident.ID),
				logx.String("tenant", ident.TenantID),
				logx.Int("failures", ident.LastLoginFailureCount))
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{
					Type: eventbus.TypeIdentityResting,
					Data: RestingEvent{ID: ident.ID, TenantID: ident.TenantID, Failures: ident.LastLoginFailureCount},
				})
			}
		}
	default:
		// Downstream action failures are not attributed to the identity.
	}
	return nil
}

// StartWarmup (re)starts the 7-day ramp from day 1.
func (p *Pool) StartWarmup(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.idents[id]
	if !ok {
		return ErrUnknownIdentity
	}
	today := clock.DayKey(p.clk.Now(), p.loc)
	ident.Status = StatusWarmingUp
	ident.WarmupDay = 1
	ident.WarmupStartDate = today
	ident.warmupAdvanced = today
	ident.DailyLimits = filterLimits(RampLimits(1), ident.usage)
	return nil
}

// AdvanceWarmup moves a warming identity one step up the ramp. It is
// idempotent per calendar day: the second call on the same day is a
// no-op. Past the last step the identity graduates to Active under
// standard limits; further calls are no-ops.
//
// It returns the warm-up day after the call (0 once graduated).
func (p *Pool) AdvanceWarmup(id string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.idents[id]
	if !ok {
		return 0, ErrUnknownIdentity
	}
	if ident.Status != StatusWarmingUp {
		return ident.WarmupDay, nil
	}
	today := clock.DayKey(p.clk.Now(), p.loc)
	if ident.warmupAdvanced == today {
		return ident.WarmupDay, nil
	}
	ident.warmupAdvanced = today

	next := ident.WarmupDay + 1
	if next > 7 {
		ident.Status = StatusActive
		ident.WarmupDay = 0
		ident.DailyLimits = filterLimits(StandardLimits(), ident.usage)
		p.log.Info("identity graduated from warm-up",
			logx.String("identity", ident.ID),
			logx.String("tenant", ident.TenantID))
		return 0, nil
	}
	ident.WarmupDay = next
	ident.DailyLimits = filterLimits(RampLimits(next), ident.usage)
	return next, nil
}

// SetStatus is the operator override; any transition is allowed.
// Moving to Active clears login-failure strikes.
func (p *Pool) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return errors.New("invalid identity status: " + string(status))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.idents[id]
	if !ok {
		return ErrUnknownIdentity
	}
	prev := ident.Status
	ident.Status = status
	if status == StatusActive {
		ident.LastLoginFailureCount = 0
		ident.WarmupDay = 0
		if len(ident.DailyLimits) == 0 {
			ident.DailyLimits = filterLimits(StandardLimits(), ident.usage)
		}
	}
	p.log.Info("identity status set",
		logx.String("identity", id),
		logx.String("from", string(prev)),
		logx.String("to", string(status)))
	return nil
}

// SetMinInterval is the manual pacing override.
func (p *Pool) SetMinInterval(id string, d time.Duration) error {
	if d < 0 {
		return errors.New("min activity interval must be >= 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.idents[id]
	if !ok {
		return ErrUnknownIdentity
	}
	ident.MinActivityInterval = d
	return nil
}

// SetLimits is the manual quota override.
func (p *Pool) SetLimits(id string, limits map[ActivityType]int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.idents[id]
	if !ok {
		return ErrUnknownIdentity
	}
	ident.DailyLimits = copyLimits(limits)
	return nil
}

func (p *Pool) Get(id string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident, ok := p.idents[id]
	if !ok {
		return Identity{}, false
	}
	return snapshot(ident), true
}

// List returns copies of every identity, ordered by ID.
func (p *Pool) List() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Identity, 0, len(p.idents))
	for _, ident := range p.idents {
		out = append(out, snapshot(ident))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTenant returns copies of the tenant's identities, ordered by ID.
func (p *Pool) ListTenant(tenantID string) []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Identity, 0, 8)
	for _, ident := range p.idents {
		if ident.TenantID == tenantID {
			out = append(out, snapshot(ident))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WarmingIDs lists identities currently on the ramp (for the daily
// maintenance advance).
func (p *Pool) WarmingIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ident := range p.idents {
		if ident.Status == StatusWarmingUp {
			out = append(out, ident.ID)
		}
	}
	sort.Strings(out)
	return out
}

// resetCountersLocked applies the once-per-day lazy counter reset.
func (p *Pool) resetCountersLocked(id *Identity, now time.Time) {
	today := clock.DayKey(now, p.loc)
	if id.DailyCounterDate == today {
		return
	}
	id.DailyCounters = map[ActivityType]int{}
	id.DailyCounterDate = today
}

func filterLimits(limits map[ActivityType]int, flags UsageFlags) map[ActivityType]int {
	out := make(map[ActivityType]int, len(limits))
	for t, n := range limits {
		if flags.enabled(t) {
			out[t] = n
		}
	}
	return out
}

func snapshot(id *Identity) Identity {
	cp := *id
	cp.DailyCounters = copyLimits(id.DailyCounters)
	cp.DailyLimits = copyLimits(id.DailyLimits)
	return cp
}
