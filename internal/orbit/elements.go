// Package orbit provides the Keplerian element and frame machinery shared by the
// propagator, screener, and maneuver planner.
//
// All state vectors are in an inertial equatorial frame (TEME for objects
// bootstrapped from TLEs) with positions in km and velocities in km/s. Angles
// are radians. Conversions follow the classical algorithms in Vallado,
// "Fundamentals of Astrodynamics and Applications" (RV2COE / COE2RV, Ch. 2),
// including the circular and equatorial special cases.
package orbit

import (
	"fmt"
	"math"
)

// Gravitational and shape constants (WGS-84 / EGM-96 values).
const (
	// MuEarth is Earth's gravitational parameter in km³/s².
	MuEarth = 398600.4418

	// RadiusEarth is Earth's equatorial radius in km.
	RadiusEarth = 6378.137

	// J2 is the dominant zonal harmonic of Earth's geopotential (unitless).
	J2 = 1.08262668e-3
)

// twoPi saves a few multiplications in the normalization hot paths.
const twoPi = 2 * math.Pi

// Elements holds the classical osculating orbital elements of a closed orbit.
type Elements struct {
	SemiMajor float64 // a, km
	Ecc       float64 // eccentricity, 0 ≤ e < 1
	Incl      float64 // inclination, rad
	RAAN      float64 // right ascension of the ascending node, rad
	ArgPeri   float64 // argument of perigee, rad
	MeanAnom  float64 // mean anomaly, rad
}

// MeanMotion returns the two-body mean motion n = sqrt(μ/a³) in rad/s.
func (el Elements) MeanMotion() float64 {
	return math.Sqrt(MuEarth / (el.SemiMajor * el.SemiMajor * el.SemiMajor))
}

// Period returns the two-body orbital period in seconds.
func (el Elements) Period() float64 {
	return twoPi / el.MeanMotion()
}

// SemiLatus returns the semi-latus rectum p = a(1-e²) in km.
func (el Elements) SemiLatus() float64 {
	return el.SemiMajor * (1 - el.Ecc*el.Ecc)
}

// PerigeeRadius returns the perigee radius a(1-e) in km.
func (el Elements) PerigeeRadius() float64 {
	return el.SemiMajor * (1 - el.Ecc)
}

// ApogeeRadius returns the apogee radius a(1+e) in km.
func (el Elements) ApogeeRadius() float64 {
	return el.SemiMajor * (1 + el.Ecc)
}

// small is the threshold below which eccentricity or node magnitude is treated
// as zero when picking the circular/equatorial element conventions.
const small = 1e-10

// RVToCOE converts an inertial position/velocity pair (km, km/s) to classical
// elements. Returns an error for degenerate states (zero angular momentum) and
// for open orbits (e ≥ 1), which this engine does not track.
func RVToCOE(r, v Vec3) (Elements, error) {
	rMag := r.Norm()
	vMag := v.Norm()
	if rMag < small {
		return Elements{}, fmt.Errorf("degenerate state: |r| = %g km", rMag)
	}

	h := r.Cross(v)
	hMag := h.Norm()
	if hMag < small {
		return Elements{}, fmt.Errorf("degenerate state: rectilinear trajectory")
	}

	// Node vector: ẑ × h.
	n := Vec3{-h.Y, h.X, 0}
	nMag := n.Norm()

	// Eccentricity vector (Vallado Eq 2-78).
	rv := r.Dot(v)
	eVec := r.Scale(vMag*vMag - MuEarth/rMag).Sub(v.Scale(rv)).Scale(1 / MuEarth)
	ecc := eVec.Norm()

	// Specific mechanical energy; closed orbits only.
	xi := vMag*vMag/2 - MuEarth/rMag
	if xi >= 0 || ecc >= 1 {
		return Elements{}, fmt.Errorf("open orbit: e = %.6f", ecc)
	}
	a := -MuEarth / (2 * xi)

	incl := math.Acos(clamp1(h.Z / hMag))

	var raan float64
	if nMag > small {
		raan = math.Acos(clamp1(n.X / nMag))
		if n.Y < 0 {
			raan = twoPi - raan
		}
	}

	var argp float64
	switch {
	case nMag > small && ecc > small:
		argp = math.Acos(clamp1(n.Dot(eVec) / (nMag * ecc)))
		if eVec.Z < 0 {
			argp = twoPi - argp
		}
	case ecc > small:
		// Equatorial elliptical: use the longitude of perigee.
		argp = math.Acos(clamp1(eVec.X / ecc))
		if eVec.Y < 0 {
			argp = twoPi - argp
		}
	}

	// True anomaly, falling back to argument of latitude / true longitude for
	// the circular cases so the round trip through COEToRV is lossless.
	var nu float64
	switch {
	case ecc > small:
		nu = math.Acos(clamp1(eVec.Dot(r) / (ecc * rMag)))
		if rv < 0 {
			nu = twoPi - nu
		}
	case nMag > small:
		nu = math.Acos(clamp1(n.Dot(r) / (nMag * rMag)))
		if r.Z < 0 {
			nu = twoPi - nu
		}
	default:
		nu = math.Acos(clamp1(r.X / rMag))
		if r.Y < 0 {
			nu = twoPi - nu
		}
	}

	return Elements{
		SemiMajor: a,
		Ecc:       ecc,
		Incl:      incl,
		RAAN:      raan,
		ArgPeri:   argp,
		MeanAnom:  WrapTwoPi(TrueToMean(nu, ecc)),
	}, nil
}

// COEToRV converts classical elements back to an inertial position/velocity
// pair (km, km/s) via the perifocal frame (Vallado Algorithm 10).
func COEToRV(el Elements) (Vec3, Vec3) {
	e := el.Ecc
	ea := SolveKepler(el.MeanAnom, e)
	nu := 2 * math.Atan2(math.Sqrt(1+e)*math.Sin(ea/2), math.Sqrt(1-e)*math.Cos(ea/2))

	p := el.SemiLatus()
	rMag := p / (1 + e*math.Cos(nu))

	cosNu := math.Cos(nu)
	sinNu := math.Sin(nu)
	rPQW := Vec3{rMag * cosNu, rMag * sinNu, 0}
	vScale := math.Sqrt(MuEarth / p)
	vPQW := Vec3{-vScale * sinNu, vScale * (e + cosNu), 0}

	return pqwToInertial(rPQW, el), pqwToInertial(vPQW, el)
}

// pqwToInertial rotates a perifocal-frame vector into the inertial frame using
// R3(-Ω) R1(-i) R3(-ω).
func pqwToInertial(p Vec3, el Elements) Vec3 {
	cosO := math.Cos(el.RAAN)
	sinO := math.Sin(el.RAAN)
	cosI := math.Cos(el.Incl)
	sinI := math.Sin(el.Incl)
	cosW := math.Cos(el.ArgPeri)
	sinW := math.Sin(el.ArgPeri)

	return Vec3{
		X: (cosO*cosW-sinO*sinW*cosI)*p.X + (-cosO*sinW-sinO*cosW*cosI)*p.Y + sinO*sinI*p.Z,
		Y: (sinO*cosW+cosO*sinW*cosI)*p.X + (-sinO*sinW+cosO*cosW*cosI)*p.Y - cosO*sinI*p.Z,
		Z: sinW*sinI*p.X + cosW*sinI*p.Y + cosI*p.Z,
	}
}

// SolveKepler solves Kepler's equation M = E - e·sinE for the eccentric
// anomaly by Newton iteration. Converges in a handful of steps for e < 1;
// the high-eccentricity starting guess follows Vallado Algorithm 2.
func SolveKepler(meanAnom, ecc float64) float64 {
	m := WrapTwoPi(meanAnom)
	e0 := m
	if ecc > 0.8 {
		e0 = math.Pi
	}
	for i := 0; i < 50; i++ {
		f := e0 - ecc*math.Sin(e0) - m
		fp := 1 - ecc*math.Cos(e0)
		delta := f / fp
		e0 -= delta
		if math.Abs(delta) < 1e-12 {
			break
		}
	}
	return e0
}

// TrueToMean converts true anomaly to mean anomaly for eccentricity e.
func TrueToMean(nu, ecc float64) float64 {
	ea := 2 * math.Atan2(math.Sqrt(1-ecc)*math.Sin(nu/2), math.Sqrt(1+ecc)*math.Cos(nu/2))
	return ea - ecc*math.Sin(ea)
}

// WrapTwoPi normalizes an angle to [0, 2π).
func WrapTwoPi(x float64) float64 {
	x = math.Mod(x, twoPi)
	if x < 0 {
		x += twoPi
	}
	return x
}

// clamp1 clamps x to [-1, 1] before an inverse trig call; rounding in the dot
// products can push the argument a few ulps outside the domain.
func clamp1(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}
