// Package engine drives the screening cycle: snapshot the catalog, derive
// ephemerides, screen for conjunctions, assess risk, plan avoidance burns,
// arbitrate conflicts, and commit the survivors back to the catalog. One
// cycle runs at a time; a fresh tick supersedes a cycle still in flight,
// since it would be working from stale state.
package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/coordination"
	"github.com/star/kessler/internal/feed"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/metrics"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/screening"
)

// Config holds engine tuning loaded from environment variables.
type Config struct {
	CyclePeriod time.Duration // wall-clock between cycle starts (default: 5m)
	CycleBudget time.Duration // per-cycle deadline; expiry degrades to a partial cycle (default: 2m)
	PlanWorkers int           // parallel planner/arbiter fan-out (default: NumCPU)
}

func (c Config) withDefaults() Config {
	if c.CyclePeriod <= 0 {
		c.CyclePeriod = 5 * time.Minute
	}
	if c.CycleBudget <= 0 {
		c.CycleBudget = 2 * time.Minute
	}
	if c.PlanWorkers <= 0 {
		c.PlanWorkers = runtime.NumCPU()
	}
	return c
}

// Deps are the components the engine orchestrates.
type Deps struct {
	Store      *catalog.Store
	Propagator *propagation.Propagator
	Screener   *screening.Screener
	Estimator  *risk.Estimator
	Planner    *maneuver.Planner
	Arbiter    *coordination.Arbiter
	Alerts     *feed.Log
	Plans      *feed.Log
}

// Engine owns the cycle loop and the latest cycle report.
type Engine struct {
	config Config
	deps   Deps
	logger *slog.Logger

	cycleSeq atomic.Uint64
	latest   atomic.Pointer[CycleReport]

	// cycleMu serializes cycles; launch cancels the previous one first.
	cycleMu sync.Mutex

	mu        sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}

	activeMu sync.Mutex
	active   map[string]*maneuver.Plan // committed plans awaiting execution, by plan ID
}

// New creates an engine around the given components.
func New(config Config, deps Deps, logger *slog.Logger) *Engine {
	return &Engine{
		config: config.withDefaults(),
		deps:   deps,
		logger: logger,
		active: make(map[string]*maneuver.Plan),
	}
}

// Config returns the effective (default-filled) configuration.
func (e *Engine) Config() Config { return e.config }

// Latest returns the most recent cycle report, nil before the first cycle.
func (e *Engine) Latest() *CycleReport { return e.latest.Load() }

// Ready reports whether at least one cycle has completed.
func (e *Engine) Ready() bool { return e.latest.Load() != nil }

// Alerts returns the alert feed.
func (e *Engine) Alerts() *feed.Log { return e.deps.Alerts }

// Plans returns the maneuver feed.
func (e *Engine) Plans() *feed.Log { return e.deps.Plans }

// ActivePlans returns the committed plans whose burns have not executed yet,
// ordered by plan ID.
func (e *Engine) ActivePlans() []*maneuver.Plan {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	out := make([]*maneuver.Plan, 0, len(e.active))
	for _, p := range e.active {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start runs the cycle loop until ctx is cancelled. The first cycle starts
// immediately so the feeds fill without waiting out a period.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("engine started",
		"cycle_period", e.config.CyclePeriod.String(),
		"cycle_budget", e.config.CycleBudget.String(),
	)

	ticker := time.NewTicker(e.config.CyclePeriod)
	defer ticker.Stop()

	e.launch(ctx)
	for {
		select {
		case <-ctx.Done():
			e.interrupt()
			e.logger.Info("engine stopped")
			return
		case <-ticker.C:
			e.launch(ctx)
		}
	}
}

// launch supersedes any cycle still in flight and starts a fresh one from
// current state.
func (e *Engine) launch(ctx context.Context) {
	e.interrupt()

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.cancelRun, e.runDone = cancel, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		e.RunCycle(cctx, time.Now().UTC())
	}()
}

// interrupt cancels the in-flight cycle, if any, and waits for it to unwind.
func (e *Engine) interrupt() {
	e.mu.Lock()
	cancel, done := e.cancelRun, e.runDone
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// trackActive registers a committed plan for the executed sweep.
func (e *Engine) trackActive(p *maneuver.Plan) {
	e.activeMu.Lock()
	e.active[p.ID] = p
	e.activeMu.Unlock()
}

// sweepExecuted transitions committed plans whose burn time has arrived and
// emits the transitions on the maneuver feed. Returns the number executed.
func (e *Engine) sweepExecuted(now time.Time) int {
	e.activeMu.Lock()
	var due []*maneuver.Plan
	for _, p := range e.active {
		if !p.ExecuteAt.After(now) {
			due = append(due, p)
		}
	}
	for _, p := range due {
		delete(e.active, p.ID)
	}
	e.activeMu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, p := range due {
		if err := p.Transition(maneuver.StatusExecuted); err != nil {
			e.logger.Error("executed sweep hit illegal transition",
				"plan_id", p.ID, "status", p.Status, "error", err)
			continue
		}
		e.emitPlanEvent(now, feed.PlanEvent{
			PlanID:   p.ID,
			ObjectID: p.ObjectID,
			Pair:     p.PairKey(),
			From:     maneuver.StatusCommitted,
			To:       maneuver.StatusExecuted,
		})
	}
	return len(due)
}

func (e *Engine) emitPlanEvent(now time.Time, ev feed.PlanEvent) {
	metrics.IncPlanStatus(string(ev.To))
	if _, err := e.deps.Plans.Append(feed.TypePlan, now, ev); err != nil {
		e.logger.Error("maneuver feed append failed", "plan_id", ev.PlanID, "error", err)
	}
}
