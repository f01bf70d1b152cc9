package orbit

import "math"

// SecularRates holds the first-order secular drift rates of the slow elements
// under J2, in rad/s. Semi-major axis, eccentricity, and inclination have no
// first-order secular J2 drift.
type SecularRates struct {
	RAANDot     float64 // nodal regression
	ArgPeriDot  float64 // apsidal rotation
	MeanAnomDot float64 // J2 correction to the mean motion (excludes n itself)
}

// J2Rates returns the secular J2 drift rates for the given elements
// (Vallado Eq 9-38..9-42).
func J2Rates(el Elements) SecularRates {
	n := el.MeanMotion()
	p := el.SemiLatus()
	rp2 := (RadiusEarth / p) * (RadiusEarth / p)
	cosI := math.Cos(el.Incl)
	factor := J2 * n * rp2

	return SecularRates{
		RAANDot:     -1.5 * factor * cosI,
		ArgPeriDot:  0.75 * factor * (5*cosI*cosI - 1),
		MeanAnomDot: 0.75 * factor * math.Sqrt(1-el.Ecc*el.Ecc) * (3*cosI*cosI - 1),
	}
}

// atmDensityRow is one band of the piecewise-exponential atmosphere model
// (Vallado Table 8-4): base altitude (km), nominal density (kg/m³), and
// scale height (km).
type atmDensityRow struct {
	base, rho0, scaleH float64
}

var atmDensityTable = []atmDensityRow{
	{0, 1.225, 7.249},
	{25, 3.899e-2, 6.349},
	{30, 1.774e-2, 6.682},
	{40, 3.972e-3, 7.554},
	{50, 1.057e-3, 8.382},
	{60, 3.206e-4, 7.714},
	{70, 8.770e-5, 6.549},
	{80, 1.905e-5, 5.799},
	{90, 3.396e-6, 5.382},
	{100, 5.297e-7, 5.877},
	{110, 9.661e-8, 7.263},
	{120, 2.438e-8, 9.473},
	{130, 8.484e-9, 12.636},
	{140, 3.845e-9, 16.149},
	{150, 2.070e-9, 22.523},
	{180, 5.464e-10, 29.740},
	{200, 2.789e-10, 37.105},
	{250, 7.248e-11, 45.546},
	{300, 2.418e-11, 53.628},
	{350, 9.518e-12, 53.298},
	{400, 3.725e-12, 58.515},
	{450, 1.585e-12, 60.828},
	{500, 6.967e-13, 63.822},
	{600, 1.454e-13, 71.835},
	{700, 3.614e-14, 88.667},
	{800, 1.170e-14, 124.64},
	{900, 5.245e-15, 181.05},
	{1000, 3.019e-15, 268.00},
}

// AtmosphereDensity returns the static atmospheric density in kg/m³ at the
// given geodetic altitude (km), using the piecewise-exponential model.
// Altitudes above the last table band extrapolate with its scale height,
// so density decays smoothly toward zero for MEO and above.
func AtmosphereDensity(altKm float64) float64 {
	if altKm < 0 {
		altKm = 0
	}
	row := atmDensityTable[0]
	for _, r := range atmDensityTable {
		if altKm < r.base {
			break
		}
		row = r
	}
	return row.rho0 * math.Exp(-(altKm-row.base)/row.scaleH)
}

// DragDecayRate returns the secular semi-major-axis decay rate da/dt in km/s
// for a near-circular orbit (King-Hele):
//
//	da/dt = -ρ · B · sqrt(μ·a)
//
// where B = Cd·A/m is the ballistic coefficient in m²/kg and ρ the density at
// the orbit's mean altitude. The result is negative (orbits only shrink).
func DragDecayRate(semiMajorKm, ballistic, rho float64) float64 {
	if ballistic <= 0 || rho <= 0 {
		return 0
	}
	// Work in SI, report in km/s.
	aM := semiMajorKm * 1e3
	const muSI = MuEarth * 1e9 // m³/s²
	return -rho * ballistic * math.Sqrt(muSI*aM) / 1e3
}
