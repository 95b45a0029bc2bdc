package automation

import (
	"context"
	"sync"
	"time"

	"drover/internal/clock"
	"drover/internal/eventbus"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

// Collector accumulates per-tenant daily activity totals from job
// events and flushes them to storage as delta rollups. Run it under a
// supervisor goroutine; Flush is called by the maintenance schedule and
// once more on shutdown.
type Collector struct {
	log   logx.Logger
	loc   *time.Location
	clk   clock.Clock
	store storage.Store

	mu      sync.Mutex
	pending map[string]storage.Rollup // key: day|tenant|job
}

func NewCollector(clk clock.Clock, store storage.Store, loc *time.Location, log logx.Logger) *Collector {
	if loc == nil {
		loc = time.Local
	}
	return &Collector{
		log:     log,
		loc:     loc,
		clk:     clk,
		store:   store,
		pending: make(map[string]storage.Rollup),
	}
}

// Run consumes job events until ctx is done. Dropped events (slow
// subscriber) only soften the rollup numbers, never break anything.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev eventbus.Event) {
	je, ok := ev.Data.(JobEvent)
	if !ok {
		return
	}
	day := clock.DayKey(c.clk.Now(), c.loc)
	key := day + "|" + je.TenantID + "|" + string(je.Job)

	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.pending[key]
	r.Day, r.TenantID, r.Job = day, je.TenantID, string(je.Job)
	switch ev.Type {
	case eventbus.TypeJobCompleted:
		r.Runs++
		r.Successes++
		r.Adoptions += je.Adoptions
	case eventbus.TypeJobFailed:
		r.Runs++
		r.Failures++
	case eventbus.TypeJobSkipped:
		r.Runs++
		r.Skips++
	default:
		return
	}
	c.pending[key] = r
}

// Flush writes accumulated deltas and clears them. Entries that fail to
// write are put back so the next flush retries them.
func (c *Collector) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]storage.Rollup)
	c.mu.Unlock()

	var firstErr error
	for key, r := range batch {
		if err := c.store.UpsertRollup(ctx, r); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.mu.Lock()
			cur := c.pending[key]
			cur.Day, cur.TenantID, cur.Job = r.Day, r.TenantID, r.Job
			cur.Runs += r.Runs
			cur.Successes += r.Successes
			cur.Failures += r.Failures
			cur.Skips += r.Skips
			cur.Adoptions += r.Adoptions
			c.mu.Unlock()
		}
	}
	if firstErr != nil {
		c.log.Warn("rollup flush incomplete", logx.Err(firstErr))
	}
	return firstErr
}
