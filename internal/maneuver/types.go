package maneuver

import (
	"fmt"
	"math"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/screening"
)

// Status is a plan's lifecycle state.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusNegotiated Status = "negotiated"
	StatusCommitted  Status = "committed"
	StatusExecuted   Status = "executed"
	StatusSuperseded Status = "superseded"
	StatusRejected   Status = "rejected"
)

// validNext is the plan lifecycle graph. Superseding is possible up to the
// commit point; a committed plan leaves the graph only by executing.
var validNext = map[Status][]Status{
	StatusProposed:   {StatusNegotiated, StatusRejected, StatusSuperseded},
	StatusNegotiated: {StatusCommitted, StatusRejected, StatusSuperseded},
	StatusCommitted:  {StatusExecuted},
}

// Terminal reports whether no further transition applies.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

// RICVector is a burn vector in radial / in-track / cross-track axes.
type RICVector struct {
	Radial  float64 `json:"radial"`
	InTrack float64 `json:"in_track"`
	Cross   float64 `json:"cross"`
}

// Scale returns v scaled by s.
func (v RICVector) Scale(s float64) RICVector {
	return RICVector{Radial: v.Radial * s, InTrack: v.InTrack * s, Cross: v.Cross * s}
}

// Norm returns the Euclidean magnitude.
func (v RICVector) Norm() float64 {
	return math.Sqrt(v.Radial*v.Radial + v.InTrack*v.InTrack + v.Cross*v.Cross)
}

// Plan is an avoidance maneuver proposed for one object of a conjunction.
type Plan struct {
	ID        string            `json:"id"`
	ObjectID  string            `json:"object_id"`
	Authority catalog.Authority `json:"authority"`

	// The conjunction being answered, canonical pair order.
	ObjectA string    `json:"object_a"`
	ObjectB string    `json:"object_b"`
	TCA     time.Time `json:"tca"`

	Status Status `json:"status"`

	// Burn terms. The RIC vector is the operator-facing form (m/s at
	// ExecuteAt); the inertial vector (km/s) is what the catalog write
	// consumes.
	ExecuteAt      time.Time  `json:"execute_at"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	DeltaVRICMps   RICVector  `json:"delta_v_ric_m_s"`
	DeltaVMps      float64    `json:"delta_v_m_s"`
	DeltaVInertial orbit.Vec3 `json:"delta_v_inertial_km_s"`
	FuelCostKg     float64    `json:"fuel_cost_kg"`

	PreProbability  float64   `json:"pre_probability"`
	PostProbability float64   `json:"post_probability"`
	PostMissKm      float64   `json:"post_miss_km"`
	PostTCA         time.Time `json:"post_tca"`

	// BasedOnEpoch is the state epoch the plan was computed from; the commit
	// write compare-and-sets against it. PostBurn is the pending state
	// revision a commit applies.
	BasedOnEpoch time.Time     `json:"based_on_epoch"`
	PostBurn     catalog.State `json:"post_burn_state"`

	postEph *propagation.Ephemeris
}

// PostEphemeris returns the object's trajectory after the planned burn, for
// conflict re-screening during arbitration. Nil on plans rebuilt from JSON.
func (p *Plan) PostEphemeris() *propagation.Ephemeris { return p.postEph }

// Transition moves the plan along the lifecycle graph.
func (p *Plan) Transition(next Status) error {
	for _, s := range validNext[p.Status] {
		if s == next {
			p.Status = next
			return nil
		}
	}
	return fmt.Errorf("plan %s: illegal transition %s -> %s", p.ID, p.Status, next)
}

// PairKey returns the canonical identity of the conjunction the plan answers.
func (p *Plan) PairKey() string {
	return screening.PairKey(p.ObjectA, p.ObjectB)
}

// unrankedPriority sorts authorities missing from the table after every
// configured one.
const unrankedPriority = math.MaxInt32

// PriorityTable maps authorities to their configured priority; lower values
// outrank higher.
type PriorityTable map[catalog.Authority]int

// Rank returns the authority's priority, or unrankedPriority when not
// configured.
func (t PriorityTable) Rank(a catalog.Authority) int {
	if r, ok := t[a]; ok {
		return r
	}
	return unrankedPriority
}

// InfeasibleManeuverError reports that no burn within budget and inside the
// execution window meets the required post-maneuver probability.
type InfeasibleManeuverError struct {
	ObjectID  string
	ObjectA   string
	ObjectB   string
	BudgetMps float64
	BestProb  float64
	Required  float64
}

func (e *InfeasibleManeuverError) Error() string {
	return fmt.Sprintf("object %s: no burn within %.2f m/s brings pair %s below %.2e (best %.2e)",
		e.ObjectID, e.BudgetMps, screening.PairKey(e.ObjectA, e.ObjectB), e.Required, e.BestProb)
}

// UnavoidableError reports a conjunction with no maneuverable object on
// either side. Routed to the alert feed, never silently dropped.
type UnavoidableError struct {
	ObjectA string
	ObjectB string
}

func (e *UnavoidableError) Error() string {
	return fmt.Sprintf("pair %s: no maneuverable object, conjunction unavoidable",
		screening.PairKey(e.ObjectA, e.ObjectB))
}
