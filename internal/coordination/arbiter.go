// Package coordination arbitrates between avoidance plans that interact.
//
// Plans that conflict (their post-burn trajectories meet above the watch
// threshold, they move the same object, or their execution windows overlap
// under one authority) are grouped into sessions. Each session resolves
// serially and deterministically: commit the highest-priority plan, supersede
// the plans it invalidates, re-plan those once against the committed
// geometry, and repeat until the session is quiet or the iteration cap hits,
// at which point whatever remains is rejected for human adjudication.
// Sessions over disjoint object sets are independent and may resolve
// concurrently.
package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/screening"
)

// Config holds arbiter tuning loaded from environment variables.
type Config struct {
	IterationCap int                    // commit/re-screen rounds per session (default: 8)
	Priorities   maneuver.PriorityTable // authority ranking, lower value commits first
}

func (c Config) withDefaults() Config {
	if c.IterationCap <= 0 {
		c.IterationCap = 8
	}
	return c
}

// CoordinationTimeoutError reports a session that hit the iteration cap with
// plans still unresolved. The listed plans have been rejected and need
// operator adjudication.
type CoordinationTimeoutError struct {
	SessionID  string
	Iterations int
	PlanIDs    []string
}

func (e *CoordinationTimeoutError) Error() string {
	return fmt.Sprintf("coordination session %s: iteration cap %d reached with %d plans unresolved",
		e.SessionID, e.Iterations, len(e.PlanIDs))
}

// Event records one lifecycle transition applied during resolution, in the
// order it happened. From is empty for plans created by re-planning.
type Event struct {
	PlanID   string          `json:"plan_id"`
	ObjectID string          `json:"object_id"`
	From     maneuver.Status `json:"from,omitempty"`
	To       maneuver.Status `json:"to"`
	Reason   string          `json:"reason,omitempty"`
}

// Resolution is the outcome of one session: every member plan (plus any
// re-planned replacements) has reached committed or a terminal state.
type Resolution struct {
	SessionID  string
	Committed  []*maneuver.Plan
	Superseded []*maneuver.Plan
	Rejected   []*maneuver.Plan
	Events     []Event
	Err        *CoordinationTimeoutError
}

// Arbiter resolves coordination sessions.
type Arbiter struct {
	config    Config
	estimator *risk.Estimator
	planner   *maneuver.Planner
	logger    *slog.Logger
}

// NewArbiter creates an arbiter that scores conflicts with the estimator and
// re-plans superseded burns with the planner.
func NewArbiter(config Config, estimator *risk.Estimator, planner *maneuver.Planner, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		config:    config.withDefaults(),
		estimator: estimator,
		planner:   planner,
		logger:    logger,
	}
}

// Config returns the effective (default-filled) configuration.
func (a *Arbiter) Config() Config { return a.config }

// sessionRun carries the mutable state of one resolution.
type sessionRun struct {
	res       *Resolution
	snap      *catalog.Snapshot
	ephs      map[string]*propagation.Ephemeris // committed burns replace their object's entry
	committed map[string]*maneuver.Plan         // by object ID
	replanned map[string]bool                   // conjunction pair keys already re-planned once
	now       time.Time
}

// Resolve drives every plan in the session to committed or terminal state.
// Identical inputs and configuration produce identical decisions.
func (a *Arbiter) Resolve(ctx context.Context, session *Session, snap *catalog.Snapshot, ephs map[string]*propagation.Ephemeris, now time.Time) *Resolution {
	run := &sessionRun{
		res:       &Resolution{SessionID: session.ID},
		snap:      snap,
		ephs:      make(map[string]*propagation.Ephemeris, len(ephs)),
		committed: make(map[string]*maneuver.Plan),
		replanned: make(map[string]bool),
		now:       now,
	}
	for id, e := range ephs {
		run.ephs[id] = e
	}

	unresolved := append([]*maneuver.Plan(nil), session.Plans...)

	for iter := 0; iter < a.config.IterationCap && len(unresolved) > 0; iter++ {
		if ctx.Err() != nil {
			a.logger.Warn("session resolution abandoned",
				"session_id", session.ID,
				"unresolved", len(unresolved),
				"error", ctx.Err(),
			)
			return run.res
		}

		a.sortPlans(unresolved)

		// The highest-priority plan that survives against everything already
		// committed is this round's winner; the ones it knocks out on the
		// way are superseded and granted one re-plan.
		var winner *maneuver.Plan
		for winner == nil && len(unresolved) > 0 {
			top := unresolved[0]
			unresolved = unresolved[1:]
			if blocker := a.conflictingCommit(run, top); blocker != nil {
				unresolved = a.supersede(ctx, run, top, blocker, unresolved)
				continue
			}
			winner = top
		}
		if winner == nil {
			break
		}

		a.transition(run.res, winner, maneuver.StatusNegotiated, "session "+session.ID)
		a.transition(run.res, winner, maneuver.StatusCommitted, "")
		run.res.Committed = append(run.res.Committed, winner)
		run.committed[winner.ObjectID] = winner
		if pe := winner.PostEphemeris(); pe != nil {
			run.ephs[winner.ObjectID] = pe
		}

		// Re-screen the rest against the trajectory just committed.
		keep := make([]*maneuver.Plan, 0, len(unresolved))
		for _, p := range unresolved {
			if !a.plansConflict(winner, p) {
				keep = append(keep, p)
				continue
			}
			keep = a.supersede(ctx, run, p, winner, keep)
		}
		unresolved = keep
	}

	if len(unresolved) > 0 {
		ids := make([]string, 0, len(unresolved))
		for _, p := range unresolved {
			a.transition(run.res, p, maneuver.StatusRejected, "iteration cap")
			run.res.Rejected = append(run.res.Rejected, p)
			ids = append(ids, p.ID)
		}
		run.res.Err = &CoordinationTimeoutError{
			SessionID:  session.ID,
			Iterations: a.config.IterationCap,
			PlanIDs:    ids,
		}
		a.logger.Error("coordination session unresolved",
			"session_id", session.ID,
			"iteration_cap", a.config.IterationCap,
			"rejected_plans", len(ids),
		)
	}
	return run.res
}

// supersede retires a plan invalidated by a committed one and, at most once
// per conjunction, appends a replacement planned against the updated
// geometry.
func (a *Arbiter) supersede(ctx context.Context, run *sessionRun, p, blocker *maneuver.Plan, pending []*maneuver.Plan) []*maneuver.Plan {
	a.transition(run.res, p, maneuver.StatusSuperseded, "conflicts with plan "+blocker.ID)
	run.res.Superseded = append(run.res.Superseded, p)

	if run.replanned[p.PairKey()] {
		return pending
	}
	run.replanned[p.PairKey()] = true

	np, reason := a.replan(ctx, run, p)
	if np == nil {
		a.logger.Info("superseded plan not replaced",
			"plan_id", p.ID,
			"pair", p.PairKey(),
			"reason", reason,
		)
		return pending
	}
	run.res.Events = append(run.res.Events, Event{
		PlanID:   np.ID,
		ObjectID: np.ObjectID,
		To:       maneuver.StatusProposed,
		Reason:   "replaces plan " + p.ID,
	})
	return append(pending, np)
}

// replan re-locates the superseded plan's conjunction against the updated
// trajectories and, when it still scores at action tier, asks the planner
// for a replacement burn. Returns nil with a reason when no replacement is
// needed or possible.
func (a *Arbiter) replan(ctx context.Context, run *sessionRun, stale *maneuver.Plan) (*maneuver.Plan, string) {
	ephA, okA := run.ephs[stale.ObjectA]
	ephB, okB := run.ephs[stale.ObjectB]
	if !okA || !okB {
		return nil, "ephemeris missing"
	}

	lo := stale.TCA.Add(-relocatePad)
	if lo.Before(run.now) {
		lo = run.now
	}
	if e := ephA.Epoch(); lo.Before(e) {
		lo = e
	}
	if e := ephB.Epoch(); lo.Before(e) {
		lo = e
	}
	tca, miss := screening.ClosestApproach(ephA, ephB, lo, stale.TCA.Add(relocatePad), relocateStep)

	ra, va := ephA.StateAt(tca)
	rb, vb := ephB.StateAt(tca)
	cr := a.estimator.AssessPair(screening.Conjunction{
		ObjectA:        stale.ObjectA,
		ObjectB:        stale.ObjectB,
		TCA:            tca,
		MissDistanceKm: miss,
		RelSpeedKmS:    va.Sub(vb).Norm(),
		RelPosition:    ra.Sub(rb),
		RelVelocity:    va.Sub(vb),
	}, ephA, ephB)
	if cr.Tier != risk.TierAction {
		return nil, "risk cleared by committed burn"
	}

	np, err := a.planner.Plan(ctx, cr, run.snap, run.ephs, run.now)
	if err != nil {
		return nil, err.Error()
	}
	if run.committed[np.ObjectID] != nil {
		return nil, "mover already committed this cycle"
	}
	return np, ""
}

// conflictingCommit returns the committed plan the candidate collides with,
// or nil when the candidate is clear to commit.
func (a *Arbiter) conflictingCommit(run *sessionRun, p *maneuver.Plan) *maneuver.Plan {
	if c := run.committed[p.ObjectID]; c != nil {
		return c
	}
	ids := make([]string, 0, len(run.committed))
	for id := range run.committed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := run.committed[id]; a.plansConflict(c, p) {
			return c
		}
	}
	return nil
}

// transition applies a lifecycle change and records it. A refused transition
// is a programming error; it is logged and the plan left untouched.
func (a *Arbiter) transition(res *Resolution, p *maneuver.Plan, next maneuver.Status, reason string) {
	from := p.Status
	if err := p.Transition(next); err != nil {
		a.logger.Error("illegal plan transition",
			"plan_id", p.ID,
			"from", from,
			"to", next,
			"error", err,
		)
		return
	}
	res.Events = append(res.Events, Event{
		PlanID:   p.ID,
		ObjectID: p.ObjectID,
		From:     from,
		To:       next,
		Reason:   reason,
	})
}

// sortPlans orders plans by configured authority priority, then risk-tier
// urgency, then object ID, then plan ID. The ordering is total, so identical
// plan sets always resolve identically.
func (a *Arbiter) sortPlans(plans []*maneuver.Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		pi, pj := plans[i], plans[j]
		ri, rj := a.config.Priorities.Rank(pi.Authority), a.config.Priorities.Rank(pj.Authority)
		if ri != rj {
			return ri < rj
		}
		ti := a.estimator.TierFor(pi.PreProbability).Rank()
		tj := a.estimator.TierFor(pj.PreProbability).Rank()
		if ti != tj {
			return ti < tj
		}
		if pi.ObjectID != pj.ObjectID {
			return pi.ObjectID < pj.ObjectID
		}
		return pi.ID < pj.ID
	})
}
