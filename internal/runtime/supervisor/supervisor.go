// Package supervisor tracks long-lived goroutines, recovers their
// panics and exposes aggregate liveness numbers for status reporting.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "drover/pkg/logx"
)

// Counters is an aggregate snapshot across all supervised goroutines.
type Counters struct {
	Started int64
	Running int64
	Stopped int64
	Panics  int64
}

// TaskInfo describes one named goroutine slot.
type TaskInfo struct {
	Name       string
	Running    bool
	Starts     int64
	Panics     int64
	LastStart  time.Time
	LastStop   time.Time
	LastErr    string
	LastPanic  string
	LastPanics time.Time
}

type taskState struct {
	mu        sync.Mutex
	info      TaskInfo
	liveCount int
}

// Supervisor owns a context shared by every goroutine it starts.
// Stopping the supervisor cancels the context and waits for them.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logx.Logger

	started atomic.Int64
	running atomic.Int64
	stopped atomic.Int64
	panics  atomic.Int64

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New returns a supervisor whose goroutines observe parent cancellation.
func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		tasks:  make(map[string]*taskState),
	}
}

// Context is the context passed to supervised goroutines.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel starts unwinding every supervised goroutine without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Go runs fn in a new goroutine under the supervisor context.
// A panic inside fn is recovered, counted and logged, never propagated.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	st := s.state(name)
	s.wg.Add(1)
	s.started.Add(1)
	s.running.Add(1)
	st.noteStart()

	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		defer s.stopped.Add(1)

		var runErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.panics.Add(1)
					st.notePanic(fmt.Sprint(r))
					s.log.Error("goroutine panic",
						logx.String("task", name),
						logx.String("panic", fmt.Sprint(r)),
						logx.String("stack", string(debug.Stack())),
					)
					runErr = fmt.Errorf("panic: %v", r)
				}
			}()
			runErr = fn(s.ctx)
		}()

		st.noteStop(runErr)
		if runErr != nil && s.ctx.Err() == nil {
			s.log.Error("goroutine exited with error",
				logx.String("task", name), logx.Err(runErr))
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the supervisor context and waits for every goroutine,
// giving up when ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: %d goroutines still running: %w",
			s.running.Load(), ctx.Err())
	}
}

// Counters returns aggregate goroutine counts.
func (s *Supervisor) Counters() Counters {
	return Counters{
		Started: s.started.Load(),
		Running: s.running.Load(),
		Stopped: s.stopped.Load(),
		Panics:  s.panics.Load(),
	}
}

// Snapshot returns per-task info sorted by name.
func (s *Supervisor) Snapshot() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, st := range s.tasks {
		st.mu.Lock()
		info := st.info
		info.Running = st.liveCount > 0
		st.mu.Unlock()
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) state(name string) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		st = &taskState{info: TaskInfo{Name: name}}
		s.tasks[name] = st
	}
	return st
}

func (st *taskState) noteStart() {
	st.mu.Lock()
	st.info.Starts++
	st.info.LastStart = time.Now()
	st.liveCount++
	st.mu.Unlock()
}

func (st *taskState) noteStop(err error) {
	st.mu.Lock()
	st.info.LastStop = time.Now()
	if err != nil {
		st.info.LastErr = err.Error()
	}
	st.liveCount--
	st.mu.Unlock()
}

func (st *taskState) notePanic(msg string) {
	st.mu.Lock()
	st.info.Panics++
	st.info.LastPanic = msg
	st.info.LastPanics = time.Now()
	st.mu.Unlock()
}
