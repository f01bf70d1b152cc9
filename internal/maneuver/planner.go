// Package maneuver plans avoidance burns for action-tier conjunctions.
//
// The search is a deterministic grid walk: burn magnitudes ascend a ladder
// toward the budget, directions go in order of practical cost (in-track buys
// the most separation per m/s, then cross-track, combined, radial), and burn
// epochs run earliest-first across the execution window. The first candidate
// whose re-propagated, re-assessed probability clears the action threshold
// by the safety margin wins, so the result is the smallest rung that works,
// in the preferred direction, as early as possible.
package maneuver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/screening"
)

// Config holds planner tuning loaded from environment variables.
type Config struct {
	MaxDeltaVMps float64       // per-plan impulse budget, m/s (default: 1.0)
	SafetyMargin float64       // probability margin under the action threshold (default: 5e-5)
	LeadTime     time.Duration // earliest burn offset from planning time (default: 10m)
	MinTCALead   time.Duration // burns must precede the TCA by at least this (default: 30m)
	BurnStep     time.Duration // burn epoch grid spacing (default: 15m)
	Priorities   PriorityTable // authority ranking for both-maneuverable routing
}

func (c Config) withDefaults() Config {
	if c.MaxDeltaVMps <= 0 {
		c.MaxDeltaVMps = 1.0
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 5e-5
	}
	if c.LeadTime <= 0 {
		c.LeadTime = 10 * time.Minute
	}
	if c.MinTCALead <= 0 {
		c.MinTCALead = 30 * time.Minute
	}
	if c.BurnStep <= 0 {
		c.BurnStep = 15 * time.Minute
	}
	return c
}

// magnitudeLadder is the burn-size schedule as fractions of the budget,
// ascending so the first hit is the smallest rung that works.
var magnitudeLadder = []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1.0}

const invSqrt2 = 1 / math.Sqrt2

// searchDirections orders the burn axes by practical cost. In-track burns
// change the orbital period and buy along-track separation that compounds
// every revolution; cross-track rotates the plane; radial is the fallback.
var searchDirections = []RICVector{
	{InTrack: 1}, {InTrack: -1},
	{Cross: 1}, {Cross: -1},
	{InTrack: invSqrt2, Cross: invSqrt2}, {InTrack: -invSqrt2, Cross: -invSqrt2},
	{Radial: 1}, {Radial: -1},
}

// Post-burn conjunctions are re-located inside this pad around the original
// TCA; sub-m/s burns shift the encounter by seconds to minutes, not more.
const (
	relocatePad  = 20 * time.Minute
	relocateStep = 15 * time.Second
)

// Planner searches for minimal-impulse avoidance burns.
type Planner struct {
	config    Config
	estimator *risk.Estimator
	logger    *slog.Logger
}

// NewPlanner creates a planner that scores trial burns with the given
// estimator.
func NewPlanner(config Config, estimator *risk.Estimator, logger *slog.Logger) *Planner {
	return &Planner{config: config.withDefaults(), estimator: estimator, logger: logger}
}

// Config returns the effective (default-filled) configuration.
func (p *Planner) Config() Config { return p.config }

// required is the post-burn probability bar: the action threshold less the
// safety margin.
func (p *Planner) required() float64 {
	req := p.estimator.Config().ActionThreshold - p.config.SafetyMargin
	if req <= 0 {
		req = p.estimator.Config().ActionThreshold / 2
	}
	return req
}

// Plan searches for the cheapest burn that clears the action threshold by
// the safety margin. Returns *UnavoidableError when neither object can
// maneuver and *InfeasibleManeuverError when the budget and window admit no
// adequate burn.
func (p *Planner) Plan(ctx context.Context, cr risk.CollisionRisk, snap *catalog.Snapshot, ephs map[string]*propagation.Ephemeris, now time.Time) (*Plan, error) {
	conj := cr.Conjunction

	mover, err := p.chooseMover(snap, conj.ObjectA, conj.ObjectB)
	if err != nil {
		return nil, err
	}
	otherID := conj.ObjectA
	if otherID == mover.ID {
		otherID = conj.ObjectB
	}
	moverEph, okM := ephs[mover.ID]
	otherEph, okO := ephs[otherID]
	if !okM || !okO {
		return nil, fmt.Errorf("pair %s: ephemeris missing for planning", conj.PairKey())
	}

	windowStart := now.Add(p.config.LeadTime)
	windowEnd := conj.TCA.Add(-p.config.MinTCALead)
	required := p.required()

	if windowEnd.Before(windowStart) {
		return nil, &InfeasibleManeuverError{
			ObjectID:  mover.ID,
			ObjectA:   conj.ObjectA,
			ObjectB:   conj.ObjectB,
			BudgetMps: p.config.MaxDeltaVMps,
			BestProb:  cr.Probability,
			Required:  required,
		}
	}

	best := cr.Probability
	for _, frac := range magnitudeLadder {
		mag := frac * p.config.MaxDeltaVMps
		for _, dir := range searchDirections {
			dv := dir.Scale(mag)
			for burnAt := windowStart; !burnAt.After(windowEnd); burnAt = burnAt.Add(p.config.BurnStep) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				out, ok := p.evaluate(conj, mover.ID, moverEph, otherEph, burnAt, dv)
				if !ok {
					continue
				}
				if out.prob < best {
					best = out.prob
				}
				if out.prob < required {
					plan := p.build(cr, mover, moverEph, burnAt, windowStart, windowEnd, dv, out)
					p.logger.Info("avoidance burn found",
						"plan_id", plan.ID,
						"object_id", plan.ObjectID,
						"pair", plan.PairKey(),
						"delta_v_m_s", plan.DeltaVMps,
						"execute_at", plan.ExecuteAt,
						"post_probability", plan.PostProbability,
					)
					return plan, nil
				}
			}
		}
	}

	return nil, &InfeasibleManeuverError{
		ObjectID:  mover.ID,
		ObjectA:   conj.ObjectA,
		ObjectB:   conj.ObjectB,
		BudgetMps: p.config.MaxDeltaVMps,
		BestProb:  best,
		Required:  required,
	}
}

// chooseMover picks which object maneuvers. Debris and unowned objects never
// move. With both sides maneuverable, the authority with the lower configured
// priority moves and the higher-priority operator holds course; equal ranks
// fall to object ID, the later one moving.
func (p *Planner) chooseMover(snap *catalog.Snapshot, idA, idB string) (catalog.TrackedObject, error) {
	objA, okA := snap.Get(idA)
	objB, okB := snap.Get(idB)
	if !okA || !okB {
		return catalog.TrackedObject{}, fmt.Errorf("pair %s: object missing from snapshot", screening.PairKey(idA, idB))
	}

	canA, canB := objA.Maneuverable(), objB.Maneuverable()
	switch {
	case canA && canB:
		ra := p.config.Priorities.Rank(objA.Authority)
		rb := p.config.Priorities.Rank(objB.Authority)
		if rb < ra {
			return objA, nil
		}
		return objB, nil
	case canA:
		return objA, nil
	case canB:
		return objB, nil
	default:
		return catalog.TrackedObject{}, &UnavoidableError{ObjectA: idA, ObjectB: idB}
	}
}

// trialOutcome is the re-assessed geometry after one candidate burn.
type trialOutcome struct {
	prob    float64
	missKm  float64
	tca     time.Time
	dvKmS   orbit.Vec3
	shifted *propagation.Ephemeris
}

// evaluate applies a trial burn (RIC, m/s) at burnAt, re-locates the
// conjunction, and re-assesses it against the unmoved partner. Not ok when
// the burn produces a state the propagator rejects.
func (p *Planner) evaluate(conj screening.Conjunction, moverID string, moverEph, otherEph *propagation.Ephemeris, burnAt time.Time, dvMps RICVector) (trialOutcome, bool) {
	r, v := moverEph.StateAt(burnAt)
	frame := orbit.RICBasis(r, v)
	dv := frame.ToInertial(dvMps.Radial/1e3, dvMps.InTrack/1e3, dvMps.Cross/1e3)

	shifted, err := moverEph.Shifted(burnAt, dv)
	if err != nil {
		return trialOutcome{}, false
	}

	ephA, ephB := otherEph, shifted
	if conj.ObjectA == moverID {
		ephA, ephB = shifted, otherEph
	}

	lo := conj.TCA.Add(-relocatePad)
	if lo.Before(burnAt) {
		lo = burnAt
	}
	tca, miss := screening.ClosestApproach(ephA, ephB, lo, conj.TCA.Add(relocatePad), relocateStep)

	ra, va := ephA.StateAt(tca)
	rb, vb := ephB.StateAt(tca)
	post := screening.Conjunction{
		ObjectA:        conj.ObjectA,
		ObjectB:        conj.ObjectB,
		TCA:            tca,
		MissDistanceKm: miss,
		RelSpeedKmS:    va.Sub(vb).Norm(),
		RelPosition:    ra.Sub(rb),
		RelVelocity:    va.Sub(vb),
	}
	assessed := p.estimator.AssessPair(post, ephA, ephB)

	return trialOutcome{
		prob:    assessed.Probability,
		missKm:  miss,
		tca:     tca,
		dvKmS:   dv,
		shifted: shifted,
	}, true
}

// fuelCostPerImpulse converts impulse to propellant mass, kg per (m/s)·kg.
const fuelCostPerImpulse = 0.01

func (p *Planner) build(cr risk.CollisionRisk, mover catalog.TrackedObject, moverEph *propagation.Ephemeris, burnAt, windowStart, windowEnd time.Time, dvMps RICVector, out trialOutcome) *Plan {
	conj := cr.Conjunction
	mag := dvMps.Norm()
	return &Plan{
		ID:        uuid.NewString(),
		ObjectID:  mover.ID,
		Authority: mover.Authority,

		ObjectA: conj.ObjectA,
		ObjectB: conj.ObjectB,
		TCA:     conj.TCA,

		Status: StatusProposed,

		ExecuteAt:      burnAt,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		DeltaVRICMps:   dvMps,
		DeltaVMps:      mag,
		DeltaVInertial: out.dvKmS,
		FuelCostKg:     mag * mover.MassKg * fuelCostPerImpulse,

		PreProbability:  cr.Probability,
		PostProbability: out.prob,
		PostMissKm:      out.missKm,
		PostTCA:         out.tca,

		BasedOnEpoch: mover.State.Epoch,
		PostBurn:     moverEph.PostBurnState(burnAt, out.dvKmS),

		postEph: out.shifted,
	}
}
