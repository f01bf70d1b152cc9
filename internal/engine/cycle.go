package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/coordination"
	"github.com/star/kessler/internal/feed"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/metrics"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
)

// CycleReport summarizes one screening cycle. The latest report backs the
// /api/v1/cycles/latest endpoint and the readiness probe.
type CycleReport struct {
	Number     uint64    `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Partial    bool      `json:"partial"`

	Objects        int `json:"objects"`
	Derived        int `json:"ephemerides_derived"`
	SkippedObjects int `json:"objects_skipped"`
	CandidatePairs int `json:"candidate_pairs"`
	RefinedPairs   int `json:"refined_pairs"`
	SkippedPairs   int `json:"pairs_skipped"`

	Conjunctions []risk.CollisionRisk `json:"conjunctions"`
	TierCounts   map[risk.Tier]int    `json:"tier_counts"`
	Alerts       int                  `json:"alerts_emitted"`

	PlansProposed   int `json:"plans_proposed"`
	PlansCommitted  int `json:"plans_committed"`
	PlansSuperseded int `json:"plans_superseded"`
	PlansRejected   int `json:"plans_rejected"`
	PlansExecuted   int `json:"plans_executed"`
	Unavoidable     int `json:"unavoidable"`
	Infeasible      int `json:"infeasible"`

	Sessions             int `json:"sessions"`
	CoordinationTimeouts int `json:"coordination_timeouts"`
	CommitFailures       int `json:"commit_failures"`

	Plans []*maneuver.Plan `json:"plans,omitempty"`
}

// planOutcome pairs a planner result with the conjunction it answers,
// preserving submission order.
type planOutcome struct {
	cr   risk.CollisionRisk
	plan *maneuver.Plan
	err  error
}

// RunCycle executes one full screening cycle against the catalog as of now.
// The caller's context bounds the whole cycle; the configured budget is
// applied on top. A cycle that overruns or is superseded finishes partial:
// whatever was decided before the cut stands, the rest waits for the next
// cycle.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) *CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	report := &CycleReport{
		Number:     e.cycleSeq.Add(1),
		StartedAt:  now,
		TierCounts: make(map[risk.Tier]int),
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.CycleBudget)
	defer cancel()

	report.PlansExecuted = e.sweepExecuted(now)

	snap := e.deps.Store.Snapshot()
	report.Objects = snap.Len()
	for class, n := range e.deps.Store.CountByClass() {
		metrics.SetCatalogObjects(string(class), n)
	}

	ephList, derived, skipped := e.deps.Propagator.Ephemerides(cctx, snap)
	report.Derived = derived
	report.SkippedObjects = skipped
	ephs := make(map[string]*propagation.Ephemeris, len(ephList))
	for _, eph := range ephList {
		ephs[eph.ObjectID()] = eph
	}

	screenStart := time.Now()
	result := e.deps.Screener.Screen(cctx, ephList, now)
	metrics.RecordScreening(time.Since(screenStart), result.CandidatePairs, result.RefinedPairs, len(result.Skipped))
	report.CandidatePairs = result.CandidatePairs
	report.RefinedPairs = result.RefinedPairs
	report.SkippedPairs = len(result.Skipped)
	report.Partial = result.Partial

	risks := e.deps.Estimator.Assess(cctx, result.Conjunctions, ephs)
	report.Conjunctions = risks
	for _, cr := range risks {
		report.TierCounts[cr.Tier]++
	}
	metrics.SetTierCounts(
		report.TierCounts[risk.TierNominal],
		report.TierCounts[risk.TierWatch],
		report.TierCounts[risk.TierAction],
	)

	var planned []*maneuver.Plan
	var failed map[string]string
	if cctx.Err() == nil {
		planned, failed = e.planActions(cctx, risks, snap, ephs, now, report)
	} else {
		report.Partial = true
	}

	report.Alerts = e.emitAlerts(now, report.Number, risks, failed)

	if cctx.Err() == nil && len(planned) > 0 {
		e.arbitrate(cctx, planned, snap, ephs, now, report)
	} else if len(planned) > 0 {
		report.Partial = true
	}

	dur := time.Since(start)
	report.DurationMs = dur.Milliseconds()

	outcome := "complete"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
		report.Partial = true
	case report.Partial:
		outcome = "partial"
	}
	metrics.RecordCycle(outcome, dur)
	e.latest.Store(report)

	e.logger.Info("cycle finished",
		"number", report.Number,
		"outcome", outcome,
		"objects", report.Objects,
		"conjunctions", len(risks),
		"action", report.TierCounts[risk.TierAction],
		"alerts", report.Alerts,
		"plans_committed", report.PlansCommitted,
		"plans_executed", report.PlansExecuted,
		"duration_ms", report.DurationMs,
	)
	return report
}

// planActions runs the planner over every action-tier conjunction. Successful
// plans are announced as proposed on the maneuver feed; failures are recorded
// per pair so the alert pass can mark them unavoidable.
func (e *Engine) planActions(
	ctx context.Context,
	risks []risk.CollisionRisk,
	snap *catalog.Snapshot,
	ephs map[string]*propagation.Ephemeris,
	now time.Time,
	report *CycleReport,
) ([]*maneuver.Plan, map[string]string) {
	var actions []risk.CollisionRisk
	for _, cr := range risks {
		if cr.Tier == risk.TierAction {
			actions = append(actions, cr)
		}
	}
	if len(actions) == 0 {
		return nil, nil
	}

	outcomes := make([]planOutcome, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.PlanWorkers)
	for i, cr := range actions {
		g.Go(func() error {
			plan, err := e.deps.Planner.Plan(gctx, cr, snap, ephs, now)
			outcomes[i] = planOutcome{cr: cr, plan: plan, err: err}
			return nil
		})
	}
	g.Wait()

	planned := make([]*maneuver.Plan, 0, len(actions))
	failed := make(map[string]string, len(actions))
	for _, oc := range outcomes {
		switch {
		case oc.err == nil && oc.plan != nil:
			planned = append(planned, oc.plan)
			report.PlansProposed++
			e.emitPlanEvent(now, feed.PlanEvent{
				PlanID:   oc.plan.ID,
				ObjectID: oc.plan.ObjectID,
				Pair:     oc.plan.PairKey(),
				To:       maneuver.StatusProposed,
				Plan:     oc.plan,
			})
		case isUnavoidable(oc.err):
			failed[oc.cr.Conjunction.PairKey()] = oc.err.Error()
			report.Unavoidable++
			metrics.IncUnavoidableConjunctions()
			e.logger.Error("conjunction unavoidable",
				"pair", oc.cr.Conjunction.PairKey(),
				"probability", oc.cr.Probability,
				"error", oc.err)
		case isInfeasible(oc.err):
			failed[oc.cr.Conjunction.PairKey()] = oc.err.Error()
			report.Infeasible++
			metrics.IncManeuversInfeasible()
			e.logger.Warn("no feasible maneuver",
				"pair", oc.cr.Conjunction.PairKey(),
				"error", oc.err)
		case oc.err != nil:
			// Context expiry or a propagation fault mid-plan. The pair is
			// reported without a plan and retried next cycle.
			failed[oc.cr.Conjunction.PairKey()] = oc.err.Error()
			report.Partial = true
			e.logger.Warn("planning aborted",
				"pair", oc.cr.Conjunction.PairKey(),
				"error", oc.err)
		}
	}
	return planned, failed
}

func isUnavoidable(err error) bool {
	var ue *maneuver.UnavoidableError
	return errors.As(err, &ue)
}

func isInfeasible(err error) bool {
	var ie *maneuver.InfeasibleManeuverError
	return errors.As(err, &ie)
}

// emitAlerts publishes one alert per watch-or-worse conjunction. Alert IDs
// are stable across cycles, so a consumer that deduplicates by ID sees each
// encounter once even as the assessment refreshes. Action-tier pairs the
// planner could not clear carry the unavoidable flag and the failure note.
func (e *Engine) emitAlerts(now time.Time, cycle uint64, risks []risk.CollisionRisk, failed map[string]string) int {
	var emitted int
	for _, cr := range risks {
		if cr.Tier == risk.TierNominal {
			continue
		}
		alert := feed.NewAlert(cycle, cr)
		if note, ok := failed[cr.Conjunction.PairKey()]; ok {
			alert.Unavoidable = true
			alert.Note = note
		}
		if _, err := e.deps.Alerts.Append(feed.TypeAlert, now, alert); err != nil {
			e.logger.Error("alert feed append failed", "alert_id", alert.ID, "error", err)
			continue
		}
		emitted++
	}
	metrics.AddAlerts(emitted)
	return emitted
}

// arbitrate partitions the proposed plans into conflict sessions, resolves
// each one, forwards the lifecycle events to the maneuver feed, and commits
// the winners to the catalog.
func (e *Engine) arbitrate(
	ctx context.Context,
	planned []*maneuver.Plan,
	snap *catalog.Snapshot,
	ephs map[string]*propagation.Ephemeris,
	now time.Time,
	report *CycleReport,
) {
	sessions := e.deps.Arbiter.BuildSessions(planned)
	report.Sessions = len(sessions)
	metrics.AddCoordinationSessions(len(sessions))

	resolutions := make([]*coordination.Resolution, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.PlanWorkers)
	for i, session := range sessions {
		g.Go(func() error {
			resolutions[i] = e.deps.Arbiter.Resolve(gctx, session, snap, ephs, now)
			return nil
		})
	}
	g.Wait()

	for _, res := range resolutions {
		if res == nil {
			continue
		}
		if res.Err != nil {
			report.CoordinationTimeouts++
			metrics.IncCoordinationTimeouts()
		}

		byID := make(map[string]*maneuver.Plan)
		for _, p := range res.Committed {
			byID[p.ID] = p
		}
		for _, p := range res.Superseded {
			byID[p.ID] = p
		}
		for _, p := range res.Rejected {
			byID[p.ID] = p
		}

		for _, ev := range res.Events {
			pev := feed.PlanEvent{
				PlanID:   ev.PlanID,
				ObjectID: ev.ObjectID,
				From:     ev.From,
				To:       ev.To,
				Reason:   ev.Reason,
			}
			if p := byID[ev.PlanID]; p != nil {
				pev.Pair = p.PairKey()
				if ev.To == maneuver.StatusProposed || ev.To == maneuver.StatusCommitted {
					pev.Plan = p
				}
			}
			e.emitPlanEvent(now, pev)
			switch ev.To {
			case maneuver.StatusProposed:
				report.PlansProposed++
			case maneuver.StatusCommitted:
				report.PlansCommitted++
			case maneuver.StatusSuperseded:
				report.PlansSuperseded++
			case maneuver.StatusRejected:
				report.PlansRejected++
			}
		}

		for _, p := range res.Committed {
			if err := e.deps.Store.ApplyManeuver(p.ObjectID, p.BasedOnEpoch, p.PostBurn, p.ID); err != nil {
				// The catalog moved under us, likely a fresher observation
				// landing mid-cycle. The plan dies here; the next cycle
				// re-screens from the new state.
				report.CommitFailures++
				metrics.IncPlanStatus("commit_failed")
				e.logger.Error("commit rejected by catalog",
					"plan_id", p.ID,
					"object_id", p.ObjectID,
					"based_on", p.BasedOnEpoch,
					"error", err)
				continue
			}
			e.trackActive(p)
			e.logger.Info("maneuver committed",
				"plan_id", p.ID,
				"object_id", p.ObjectID,
				"pair", p.PairKey(),
				"delta_v_mps", p.DeltaVMps,
				"execute_at", p.ExecuteAt,
				"post_probability", p.PostProbability)
		}

		report.Plans = append(report.Plans, res.Committed...)
		report.Plans = append(report.Plans, res.Superseded...)
		report.Plans = append(report.Plans, res.Rejected...)
	}
}
