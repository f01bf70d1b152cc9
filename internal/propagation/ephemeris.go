// Package propagation turns catalog states into positions at arbitrary times
// inside the screening horizon.
//
// Force model choice: two-body motion plus first-order secular J2 rates and a
// King-Hele drag decay on the semi-major axis. That captures the drifts that
// matter for conjunction geometry over a 72-hour window (nodal regression,
// apsidal rotation, LEO decay) while keeping propagation a closed-form
// evaluation, cheap enough to call inside the screener's refinement loops.
// Higher-fidelity effects (third body, SRP, resonances) are outside the error
// budget at this horizon.
//
// Secular rates are evaluated at the midpoint semi-major axis of the
// propagation interval, which makes forward and backward propagation
// symmetric: a state taken forward by Δt and back by Δt returns to its start
// to well under a meter.
package propagation

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
)

// Ephemeris is the analytic orbit of a single object, derived once from its
// catalog state. Immutable after construction; safe for concurrent use.
type Ephemeris struct {
	objectID  string
	epoch     time.Time
	el        orbit.Elements
	ballistic float64 // Cd·A/m, m²/kg
	decayRate float64 // da/dt at epoch, km/s
	cov       catalog.Covariance
	hardBody  float64 // km
}

// NewEphemeris derives the element-space orbit from an object's latest state.
// Returns an error for states this model cannot carry: degenerate geometry,
// open orbits, or orbits whose perigee is inside the dense atmosphere.
func NewEphemeris(obj *catalog.TrackedObject) (*Ephemeris, error) {
	el, err := orbit.RVToCOE(obj.State.Position, obj.State.Velocity)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", obj.ID, err)
	}

	perigeeAlt := el.PerigeeRadius() - orbit.RadiusEarth
	if perigeeAlt < 100 {
		return nil, fmt.Errorf("object %s: perigee altitude %.1f km below propagation floor", obj.ID, perigeeAlt)
	}

	e := &Ephemeris{
		objectID:  obj.ID,
		epoch:     obj.State.Epoch,
		el:        el,
		ballistic: obj.BallisticCoeff(),
		cov:       obj.State.Cov,
		hardBody:  obj.HardBodyRadiusKm(),
	}
	if e.ballistic > 0 {
		rho := orbit.AtmosphereDensity(perigeeAlt)
		e.decayRate = orbit.DragDecayRate(el.SemiMajor, e.ballistic, rho)
	}
	return e, nil
}

// ObjectID returns the catalog ID this ephemeris was derived from.
func (e *Ephemeris) ObjectID() string { return e.objectID }

// Epoch returns the state epoch the ephemeris starts from.
func (e *Ephemeris) Epoch() time.Time { return e.epoch }

// Elements returns the osculating elements at epoch.
func (e *Ephemeris) Elements() orbit.Elements { return e.el }

// HardBodyRadiusKm returns the object's collision radius.
func (e *Ephemeris) HardBodyRadiusKm() float64 { return e.hardBody }

// elementsAt propagates the epoch elements by dt seconds. Drag moves the
// semi-major axis linearly; the J2 rates and mean motion are evaluated at the
// interval's midpoint semi-major axis so the map composes consistently and
// reverses cleanly.
func (e *Ephemeris) elementsAt(dt float64) orbit.Elements {
	el := e.el

	aEnd := el.SemiMajor + e.decayRate*dt
	mid := el
	mid.SemiMajor = el.SemiMajor + e.decayRate*dt/2

	rates := orbit.J2Rates(mid)
	n := mid.MeanMotion()

	el.SemiMajor = aEnd
	el.RAAN = orbit.WrapTwoPi(el.RAAN + rates.RAANDot*dt)
	el.ArgPeri = orbit.WrapTwoPi(el.ArgPeri + rates.ArgPeriDot*dt)
	el.MeanAnom = orbit.WrapTwoPi(el.MeanAnom + (n+rates.MeanAnomDot)*dt)
	return el
}

// StateAt returns the inertial position (km) and velocity (km/s) at t.
func (e *Ephemeris) StateAt(t time.Time) (orbit.Vec3, orbit.Vec3) {
	dt := t.Sub(e.epoch).Seconds()
	return orbit.COEToRV(e.elementsAt(dt))
}

// PositionAt returns just the inertial position at t.
func (e *Ephemeris) PositionAt(t time.Time) orbit.Vec3 {
	r, _ := e.StateAt(t)
	return r
}

// PositionCovAt grows the epoch covariance to t and returns the 3x3 position
// block:
//
//	P(Δt) = Prr + Δt·(Prv + Pvr) + Δt²·Pvv
//
// which is the congruence [I ΔtI]·P₆·[I ΔtI]ᵀ, so the result stays positive
// semidefinite for forward and backward Δt alike. Cross-position/velocity
// rotation of the uncertainty is ignored; growth along the unmodeled axes is
// what the screener's fine gate absorbs.
func (e *Ephemeris) PositionCovAt(t time.Time) *mat.SymDense {
	dt := t.Sub(e.epoch).Seconds()
	rr, rv, vv := e.cov.Blocks()

	var grown mat.Dense
	grown.Add(rv, rv.T())
	grown.Scale(dt, &grown)
	grown.Add(rr, &grown)

	var vvScaled mat.Dense
	vvScaled.Scale(dt*dt, vv)
	grown.Add(&grown, &vvScaled)

	out := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			out.SetSym(i, j, (grown.At(i, j)+grown.At(j, i))/2)
		}
	}
	return out
}

// Shifted returns a new ephemeris for the same object after an impulsive
// velocity change dv (km/s) applied at burn time t. The covariance carries
// over unchanged; burn execution dispersion is inside the planner's safety
// margin.
func (e *Ephemeris) Shifted(t time.Time, dv orbit.Vec3) (*Ephemeris, error) {
	r, v := e.StateAt(t)
	el, err := orbit.RVToCOE(r, v.Add(dv))
	if err != nil {
		return nil, fmt.Errorf("object %s: post-burn state: %w", e.objectID, err)
	}

	shifted := &Ephemeris{
		objectID:  e.objectID,
		epoch:     t,
		el:        el,
		ballistic: e.ballistic,
		cov:       e.cov,
		hardBody:  e.hardBody,
	}
	if shifted.ballistic > 0 {
		perigeeAlt := el.PerigeeRadius() - orbit.RadiusEarth
		rho := orbit.AtmosphereDensity(perigeeAlt)
		shifted.decayRate = orbit.DragDecayRate(el.SemiMajor, shifted.ballistic, rho)
	}
	return shifted, nil
}

// PostBurnState packages the state at t with dv applied, for writing back to
// the catalog when a plan commits.
func (e *Ephemeris) PostBurnState(t time.Time, dv orbit.Vec3) catalog.State {
	r, v := e.StateAt(t)
	return catalog.State{
		Epoch:    t,
		Position: r,
		Velocity: v.Add(dv),
		Cov:      e.cov,
	}
}
