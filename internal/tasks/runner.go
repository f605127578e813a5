package tasks

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// TimingMode controls how the next run of a perpetual task is scheduled.
type TimingMode int

const (
	// PerInvocation keeps a fixed wall-clock period between run starts; a
	// run slower than the interval triggers an immediate rerun.
	PerInvocation TimingMode = iota
	// AfterRun waits the full interval after each run finishes.
	AfterRun
)

// Task is one named unit of perpetual work. Execute is called repeatedly
// until the context is cancelled; returning a non-nil error while the
// context is still live is fatal to the whole process.
type Task interface {
	ID() string
	Interval() time.Duration
	Mode() TimingMode
	Execute(ctx context.Context) error
}

// Status is a point-in-time snapshot of one task, for the status endpoint.
type Status struct {
	ID         string    `json:"id"`
	Interval   string    `json:"interval"`
	Running    bool      `json:"running"`
	Runs       int64     `json:"runs"`
	LastStart  time.Time `json:"last_start"`
	LastTookMs int64     `json:"last_took_ms"`
	LastError  string    `json:"last_error,omitempty"`
}

type taskState struct {
	running   bool
	runs      int64
	lastStart time.Time
	lastTook  time.Duration
	lastErr   string
}

// Runner drives a set of perpetual tasks, one goroutine each, and stops
// them together.
type Runner struct {
	tasks   []Task
	onFatal func(id string, err error)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]*taskState
}

// NewRunner builds a runner. onFatal is invoked when a task's Execute
// fails; nil installs the default, which interrupts the process so the
// main loop can shut every task down.
func NewRunner(onFatal func(id string, err error)) *Runner {
	if onFatal == nil {
		onFatal = raiseInterrupt
	}
	return &Runner{
		onFatal: onFatal,
		states:  make(map[string]*taskState),
	}
}

func raiseInterrupt(id string, err error) {
	p, ferr := os.FindProcess(os.Getpid())
	if ferr != nil {
		log.Printf("[Runner] cannot signal self: %v", ferr)
		return
	}
	if serr := p.Signal(os.Interrupt); serr != nil {
		log.Printf("[Runner] cannot signal self: %v", serr)
	}
}

// Add registers a task. Must be called before Start.
func (r *Runner) Add(t Task) {
	r.tasks = append(r.tasks, t)
	r.mu.Lock()
	r.states[t.ID()] = &taskState{}
	r.mu.Unlock()
}

// Start launches one worker goroutine per task. The workers run until Stop
// is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.worker(ctx, t)
	}
}

// RequestStop cancels the shared context. Sleeping workers wake
// immediately; a task in mid-execute finishes its current invocation.
func (r *Runner) RequestStop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Join waits for all task goroutines to exit.
func (r *Runner) Join() {
	r.wg.Wait()
}

// Stop is RequestStop followed by Join.
func (r *Runner) Stop() {
	r.RequestStop()
	r.Join()
}

// Snapshot reports the current state of every task, ordered as added.
func (r *Runner) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.tasks))
	for _, t := range r.tasks {
		st := r.states[t.ID()]
		out = append(out, Status{
			ID:         t.ID(),
			Interval:   t.Interval().String(),
			Running:    st.running,
			Runs:       st.runs,
			LastStart:  st.lastStart,
			LastTookMs: st.lastTook.Milliseconds(),
			LastError:  st.lastErr,
		})
	}
	return out
}

func (r *Runner) worker(ctx context.Context, t Task) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			log.Printf("[%s] stop requested", t.ID())
			return
		}

		log.Printf("[%s] running", t.ID())
		begin := time.Now()
		r.recordStart(t.ID(), begin)

		err := t.Execute(ctx)

		end := time.Now()
		elapsed := end.Sub(begin)
		r.recordEnd(t.ID(), elapsed, err)

		// A failure during shutdown is just the cancellation surfacing.
		if err != nil && ctx.Err() == nil {
			log.Printf("[%s] failed after %s: %v", t.ID(), elapsed.Round(time.Millisecond), err)
			r.onFatal(t.ID(), err)
			return
		}
		if ctx.Err() != nil {
			log.Printf("[%s] stop requested", t.ID())
			return
		}

		next := end.Add(t.Interval())
		if t.Mode() == PerInvocation {
			next = next.Add(-elapsed)
		}
		log.Printf("[%s] finished in %s, next run in %s",
			t.ID(), elapsed.Round(time.Millisecond), time.Until(next).Round(time.Millisecond))

		if !sleepUntil(ctx, next) {
			log.Printf("[%s] stop requested", t.ID())
			return
		}
	}
}

func (r *Runner) recordStart(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[id]
	st.running = true
	st.runs++
	st.lastStart = at
}

func (r *Runner) recordEnd(id string, took time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[id]
	st.running = false
	st.lastTook = took
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
}

// sleepUntil blocks until the deadline or cancellation; it reports whether
// the deadline was reached.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
