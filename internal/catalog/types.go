// Package catalog holds the tracked-object state store: the single source of
// truth for every object's latest state estimate. All reads used by a
// screening cycle come from immutable snapshots; writes go through a
// compare-and-set on the object's state epoch so stale telemetry and stale
// maneuver commits can never clobber fresher data.
package catalog

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/star/kessler/internal/orbit"
)

// Class categorizes a tracked object.
type Class string

const (
	ClassSatellite  Class = "satellite"
	ClassDebris     Class = "debris"
	ClassRocketBody Class = "rocket_body"
	ClassUnknown    Class = "unknown"
)

// ParseClass maps a wire string to a Class.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassSatellite, ClassDebris, ClassRocketBody, ClassUnknown:
		return Class(s), nil
	case "":
		return ClassUnknown, nil
	}
	return "", fmt.Errorf("unknown object class %q", s)
}

// Authority identifies the operator that can command an object. The zero
// value means the object is uncontrolled (debris, rocket bodies, dead
// payloads); ownership must be checked explicitly before planning a maneuver.
type Authority string

// Owned reports whether some operator controls the object.
func (a Authority) Owned() bool { return a != "" }

// Covariance is the 6x6 state covariance in inertial coordinates, row-major
// over (x, y, z, vx, vy, vz). Units: km², km²/s, km²/s².
type Covariance [6][6]float64

// Symmetrized returns (C + Cᵀ)/2.
func (c Covariance) Symmetrized() Covariance {
	var out Covariance
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[i][j] = (c[i][j] + c[j][i]) / 2
		}
	}
	return out
}

// IsZero reports whether every entry is exactly zero (a legal degenerate
// covariance: the state is taken as certain).
func (c Covariance) IsZero() bool {
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			if c[i][j] != 0 {
				return false
			}
		}
	}
	return true
}

// Validate rejects covariances that are non-finite, asymmetric beyond
// floating-point noise, or not positive semidefinite. PSD is checked by a
// Cholesky factorization of the symmetrized matrix with a tiny diagonal
// shift, which accepts the degenerate (all-zero) case.
func (c Covariance) Validate() error {
	maxAbs := 0.0
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			v := c[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("covariance[%d][%d] is not finite", i, j)
			}
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
		}
		if c[i][i] < 0 {
			return fmt.Errorf("covariance[%d][%d] = %g is negative", i, i, c[i][i])
		}
	}

	symTol := 1e-9 * (1 + maxAbs)
	for i := 0; i < 6; i++ {
		for j := i + 1; j < 6; j++ {
			if math.Abs(c[i][j]-c[j][i]) > symTol {
				return fmt.Errorf("covariance asymmetric at [%d][%d]: %g vs %g", i, j, c[i][j], c[j][i])
			}
		}
	}

	shift := 1e-12 * (1 + maxAbs)
	sym := mat.NewSymDense(6, nil)
	s := c.Symmetrized()
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			v := s[i][j]
			if i == j {
				v += shift
			}
			sym.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return fmt.Errorf("covariance is not positive semidefinite")
	}
	return nil
}

// Blocks splits the covariance into its position (rr), position-velocity
// (rv, upper right), and velocity (vv) 3x3 blocks of the symmetrized matrix.
func (c Covariance) Blocks() (rr, rv, vv *mat.Dense) {
	s := c.Symmetrized()
	rr = mat.NewDense(3, 3, nil)
	rv = mat.NewDense(3, 3, nil)
	vv = mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rr.Set(i, j, s[i][j])
			rv.Set(i, j, s[i][j+3])
			vv.Set(i, j, s[i+3][j+3])
		}
	}
	return rr, rv, vv
}

// State is an object's estimated state at an epoch: inertial position (km),
// velocity (km/s), and the 6x6 covariance of both.
type State struct {
	Epoch    time.Time  `json:"epoch"`
	Position orbit.Vec3 `json:"position_km"`
	Velocity orbit.Vec3 `json:"velocity_km_s"`
	Cov      Covariance `json:"covariance"`
}

// TrackedObject is one cataloged object with its physical properties and its
// latest state estimate.
type TrackedObject struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Class          Class     `json:"class"`
	Authority      Authority `json:"authority,omitempty"`
	MassKg         float64   `json:"mass_kg,omitempty"`
	CrossSectionM2 float64   `json:"cross_section_m2,omitempty"`
	DragCoeff      float64   `json:"drag_coeff,omitempty"`
	State          State     `json:"state"`

	// PendingPlanID marks an object whose committed avoidance maneuver has
	// been written as a state revision but not yet confirmed by post-burn
	// tracking. Cleared by the next accepted telemetry update.
	PendingPlanID string `json:"pending_plan_id,omitempty"`
}

// BallisticCoeff returns Cd·A/m in m²/kg, or 0 when mass is unknown
// (covariance growth then omits drag).
func (o *TrackedObject) BallisticCoeff() float64 {
	if o.MassKg <= 0 {
		return 0
	}
	cd := o.DragCoeff
	if cd <= 0 {
		cd = 2.2
	}
	return cd * o.CrossSectionM2 / o.MassKg
}

// HardBodyRadiusKm returns the effective collision radius derived from the
// cross-sectional area. Objects of unknown size get a class default: payloads
// and spent stages are bus-sized, fragments small.
func (o *TrackedObject) HardBodyRadiusKm() float64 {
	if o.CrossSectionM2 <= 0 {
		switch o.Class {
		case ClassSatellite, ClassRocketBody:
			return 2e-3
		case ClassDebris:
			return 5e-4
		default:
			return 1e-3
		}
	}
	return math.Sqrt(o.CrossSectionM2/math.Pi) / 1e3
}

// Zone returns the orbital regime at the object's current altitude.
func (o *TrackedObject) Zone() orbit.Zone {
	return orbit.ZoneForAltitude(o.State.Position.Norm() - orbit.RadiusEarth)
}

// Maneuverable reports whether an avoidance plan can target this object.
func (o *TrackedObject) Maneuverable() bool {
	return o.Class == ClassSatellite && o.Authority.Owned()
}
