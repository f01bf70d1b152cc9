// Package risk turns conjunction geometry into collision probabilities and
// tiers.
//
// The probability model is the standard short-encounter reduction: relative
// motion near TCA is treated as rectilinear, so position uncertainty can be
// projected onto the 2D plane perpendicular to the relative velocity (the
// encounter plane). The combined hard-body disk is integrated against the
// projected Gaussian; the integral runs in the covariance eigenbasis where
// the density separates per axis.
//
// Reference: Foster & Estes, "A Parametric Analysis of Orbital Debris
// Collision Probability"; the disk integral uses the standard
// error-function reduction of the inner axis, with degenerate fallbacks
// for collapsed covariance and drifting encounters.
package risk

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/star/kessler/internal/orbit"
)

// probCeiling keeps reported probabilities strictly below 1 so downstream
// log-space handling never sees certainty.
const probCeiling = 1 - 1e-9

// quadIntervals is the Simpson interval count for the in-plane quadrature.
// Even, and generous for the smooth integrand left once the inner axis has
// been integrated exactly.
const quadIntervals = 128

// encounterBasis builds the two in-plane unit vectors of the encounter plane.
// The plane is perpendicular to the relative velocity; for drifting
// encounters with no meaningful relative velocity it is taken perpendicular
// to the relative position instead, which keeps the miss vector in-plane.
func encounterBasis(relPos, relVel orbit.Vec3) (e1, e2 orbit.Vec3) {
	normal := relVel
	if normal.Norm() < 1e-9 {
		normal = anyPerpendicular(relPos)
	}
	w := normal.Unit()

	// First in-plane axis along the projected miss vector.
	inPlane := relPos.Sub(w.Scale(relPos.Dot(w)))
	if inPlane.Norm() < 1e-12 {
		inPlane = anyPerpendicular(w)
	}
	e1 = inPlane.Unit()
	e2 = w.Cross(e1)
	return e1, e2
}

// anyPerpendicular returns a unit vector perpendicular to v, crossing with
// the coordinate axis v leans on least.
func anyPerpendicular(v orbit.Vec3) orbit.Vec3 {
	ax := orbit.Vec3{X: 1}
	least := math.Abs(v.X)
	if math.Abs(v.Y) < least {
		ax, least = orbit.Vec3{Y: 1}, math.Abs(v.Y)
	}
	if math.Abs(v.Z) < least {
		ax = orbit.Vec3{Z: 1}
	}
	p := v.Cross(ax)
	if p.Norm() < 1e-12 {
		return orbit.Vec3{Y: 1}
	}
	return p.Unit()
}

// CollisionProbability integrates the combined position uncertainty against
// the hard-body disk of radius hbrKm in the encounter plane.
//
// cov is the 3x3 combined position covariance at TCA (km²). varFloor (km²)
// is the variance below which an axis is considered collapsed; when both
// in-plane axes collapse the result is the deterministic limit: the ceiling
// if the miss distance is inside the hard-body radius, 0 otherwise. The
// second return reports that degenerate path.
func CollisionProbability(relPos, relVel orbit.Vec3, cov *mat.SymDense, hbrKm, varFloor float64) (float64, bool) {
	if varFloor <= 0 {
		varFloor = 1e-12
	}
	e1, e2 := encounterBasis(relPos, relVel)

	// Miss vector components in the plane. e1 is aligned with the projected
	// miss, so m2 is zero up to rounding; both are kept for generality.
	m1 := relPos.Dot(e1)
	m2 := relPos.Dot(e2)

	// Project the covariance onto the plane.
	p11 := quadForm(e1, cov, e1)
	p12 := quadForm(e1, cov, e2)
	p22 := quadForm(e2, cov, e2)

	proj := mat.NewSymDense(2, []float64{p11, p12, p12, p22})
	var eig mat.EigenSym
	if !eig.Factorize(proj, true) {
		// A 2x2 symmetric eigensolve does not fail for finite input; treat
		// as collapsed if it somehow does.
		return degenerateProbability(math.Hypot(m1, m2), hbrKm), true
	}
	lambda := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	if math.Max(lambda[0], lambda[1]) < varFloor {
		return degenerateProbability(math.Hypot(m1, m2), hbrKm), true
	}
	l1 := math.Max(lambda[0], varFloor)
	l2 := math.Max(lambda[1], varFloor)

	// Rotate the miss vector into the eigenbasis.
	mx := vecs.At(0, 0)*m1 + vecs.At(1, 0)*m2
	my := vecs.At(0, 1)*m1 + vecs.At(1, 1)*m2

	p := diskGaussianIntegral(mx, my, l1, l2, hbrKm)
	if p < 0 {
		p = 0
	}
	if p > probCeiling {
		p = probCeiling
	}
	return p, false
}

// degenerateProbability is the zero-uncertainty limit.
func degenerateProbability(missKm, hbrKm float64) float64 {
	if missKm <= hbrKm {
		return probCeiling
	}
	return 0
}

// quadForm computes uᵀ C w for 3-vectors.
func quadForm(u orbit.Vec3, c *mat.SymDense, w orbit.Vec3) float64 {
	uv := [3]float64{u.X, u.Y, u.Z}
	wv := [3]float64{w.X, w.Y, w.Z}
	var sum float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum += uv[i] * c.At(i, j) * wv[j]
		}
	}
	return sum
}

// diskGaussianIntegral integrates the axis-aligned 2D Gaussian with
// variances (l1, l2) and mean offset (mx, my) over a disk of radius R
// centered at the origin.
//
// The y axis integrates exactly to error functions, leaving a 1D integral
// in x. Substituting x = R·sin(u) removes the square-root behavior at the
// disk rim, and the u range is clipped to eight sigma around the mean so
// the Simpson grid resolves the Gaussian no matter how small the variance
// is against R.
func diskGaussianIntegral(mx, my, l1, l2, R float64) float64 {
	if R <= 0 {
		return 0
	}
	sx := math.Sqrt(l1)
	sy := math.Sqrt(l2)

	uLo := math.Asin(clampUnit((mx - 8*sx) / R))
	uHi := math.Asin(clampUnit((mx + 8*sx) / R))
	if uHi <= uLo {
		// The whole eight-sigma support lies beyond the rim.
		return 0
	}
	du := (uHi - uLo) / quadIntervals

	// Integrand in u with the Jacobian dx = R·cos(u)·du folded in.
	f := func(u float64) float64 {
		sinU, cosU := math.Sincos(u)
		x := R * sinU
		half := R * cosU
		z := (x - mx) / sx
		window := normCDF((half-my)/sy) - normCDF((-half-my)/sy)
		return math.Exp(-0.5*z*z) * window * half
	}

	var total float64
	for i := 0; i <= quadIntervals; i++ {
		w := 2.0
		switch {
		case i == 0 || i == quadIntervals:
			w = 1
		case i%2 == 1:
			w = 4
		}
		total += w * f(uLo + float64(i)*du)
	}
	return total * du / 3 / (math.Sqrt(2*math.Pi) * sx)
}

// normCDF is the standard normal CDF, erfc-based for tail accuracy.
func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
