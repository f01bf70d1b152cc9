// Package scenario builds synthetic orbital populations for demos,
// load tests, and the diagnostic CLI. A Generator is deterministic for a
// given seed: the same seed always yields the same population, so scenarios
// are reproducible across runs.
package scenario

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
)

// namedSatellite is a well-known payload seeded at its home altitude.
type namedSatellite struct {
	name      string
	authority catalog.Authority
	altKm     float64
}

// Reference payloads across the regimes. A generated population includes a
// payload only when its home altitude falls inside the requested zone.
var namedSatellites = []namedSatellite{
	{"Starlink", "spacex", 260},
	{"OneWeb", "oneweb", 185},
	{"ISS", "international", 408},
	{"Hubble", "nasa", 547},
	{"GPS", "us_military", 20200},
	{"WeatherSat", "noaa", 850},
	{"EarthObs", "esa", 705},
}

// Generator produces synthetic tracked objects on valid circular orbits.
// Not safe for concurrent use; each caller should seed its own.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator with the given seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Population builds the synthetic population of one orbital zone at the given
// epoch: the reference payloads homed in the zone plus a cloud of 15 to 25
// debris fragments scattered across the zone's altitude band.
func (g *Generator) Population(zone orbit.Zone, epoch time.Time) []catalog.TrackedObject {
	lo, hi := zone.Band()
	if lo < 160 {
		// Below this, drag deorbits an object within days.
		lo = 160
	}
	if hi > lo+24000 {
		hi = lo + 24000
	}

	var objs []catalog.TrackedObject
	seq := 0
	for _, sat := range namedSatellites {
		if sat.altKm < lo || sat.altKm >= hi {
			continue
		}
		seq++
		obj := g.orbitingObject(fmt.Sprintf("SAT-%03d", seq), sat.altKm, epoch, g.uniform(1e-4, 1e-3))
		obj.Name = sat.name
		obj.Class = catalog.ClassSatellite
		obj.Authority = sat.authority
		obj.MassKg = g.uniform(100, 15000)
		obj.CrossSectionM2 = g.uniform(5, 100)
		objs = append(objs, obj)
	}

	debris := 15 + g.rng.Intn(11)
	for i := 1; i <= debris; i++ {
		alt := g.uniform(lo, hi)
		obj := g.orbitingObject(fmt.Sprintf("DEB-%03d", i), alt, epoch, g.uniform(1e-3, 1e-2))
		obj.Name = fmt.Sprintf("Fragment-%d", i)
		obj.Class = catalog.ClassDebris
		obj.MassKg = g.uniform(0.1, 500)
		obj.CrossSectionM2 = g.uniform(0.01, 10)
		objs = append(objs, obj)
	}

	return objs
}

// CollisionCourse builds a maneuverable satellite and a debris fragment whose
// trajectories cross at a shared point lead from epoch. Both states are
// defined at the future meeting point and rewound to epoch through the same
// orbit model the screening pipeline propagates with, so the forward pass
// reproduces the encounter exactly. The pair's covariance is tight enough
// that the encounter assesses well above the action threshold.
func (g *Generator) CollisionCourse(epoch time.Time, lead time.Duration) (sat, deb catalog.TrackedObject, err error) {
	meetAt := epoch.Add(lead)

	const altKm = 550.0
	r := orbit.RadiusEarth + altKm
	theta := g.uniform(0, 2*math.Pi)
	incl := 51.6 * math.Pi / 180
	speed := math.Sqrt(orbit.MuEarth / r)

	cosT, sinT := math.Cos(theta), math.Sin(theta)
	cosI, sinI := math.Cos(incl), math.Sin(incl)

	meet := orbit.Vec3{X: r * cosT, Y: r * sinT * cosI, Z: r * sinT * sinI}
	radial := meet.Unit()
	tangent := orbit.Vec3{X: -sinT, Y: cosT * cosI, Z: cosT * sinI}

	// Rotating the tangent about the radial keeps it perpendicular to the
	// radius, so both orbits stay circular at the same radius and intersect
	// at the meeting point with relative speed 2·v·sin(α/2).
	const crossing = 25 * math.Pi / 180
	crossed := tangent.Scale(math.Cos(crossing)).Add(radial.Cross(tangent).Scale(math.Sin(crossing)))

	sat = catalog.TrackedObject{
		ID:             "SAT-CC1",
		Name:           "Sentinel-CC",
		Class:          catalog.ClassSatellite,
		Authority:      "esa",
		MassKg:         1200,
		CrossSectionM2: 25,
		State: catalog.State{
			Epoch:    meetAt,
			Position: meet,
			Velocity: tangent.Scale(speed),
			Cov:      diagCov(1e-7, 1e-16),
		},
	}
	deb = catalog.TrackedObject{
		ID:             "DEB-CC1",
		Name:           "Fragment-CC",
		Class:          catalog.ClassDebris,
		MassKg:         80,
		CrossSectionM2: 2,
		State: catalog.State{
			Epoch:    meetAt,
			Position: meet,
			Velocity: crossed.Scale(speed),
			Cov:      diagCov(1e-7, 1e-16),
		},
	}

	if err := rewind(&sat, epoch); err != nil {
		return sat, deb, err
	}
	if err := rewind(&deb, epoch); err != nil {
		return sat, deb, err
	}
	return sat, deb, nil
}

// rewind replaces the object's state with its propagation back to epoch.
func rewind(obj *catalog.TrackedObject, epoch time.Time) error {
	eph, err := propagation.NewEphemeris(obj)
	if err != nil {
		return fmt.Errorf("rewinding %s: %w", obj.ID, err)
	}
	pos, vel := eph.StateAt(epoch)
	obj.State.Epoch = epoch
	obj.State.Position = pos
	obj.State.Velocity = vel
	return nil
}

// orbitingObject places an object on a circular orbit of the given altitude
// with random phase and inclination. posVar is the per-axis position variance
// in km²; velocity variance scales with it.
func (g *Generator) orbitingObject(id string, altKm float64, epoch time.Time, posVar float64) catalog.TrackedObject {
	r := orbit.RadiusEarth + altKm
	theta := g.uniform(0, 2*math.Pi)
	incl := g.uniform(0, math.Pi)
	speed := math.Sqrt(orbit.MuEarth / r)

	cosT, sinT := math.Cos(theta), math.Sin(theta)
	cosI, sinI := math.Cos(incl), math.Sin(incl)

	return catalog.TrackedObject{
		ID: id,
		State: catalog.State{
			Epoch:    epoch,
			Position: orbit.Vec3{X: r * cosT, Y: r * sinT * cosI, Z: r * sinT * sinI},
			Velocity: orbit.Vec3{X: -speed * sinT, Y: speed * cosT * cosI, Z: speed * cosT * sinI},
			Cov:      diagCov(posVar, posVar*1e-8),
		},
	}
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func diagCov(posVar, velVar float64) catalog.Covariance {
	var cov catalog.Covariance
	for i := 0; i < 3; i++ {
		cov[i][i] = posVar
		cov[i+3][i+3] = velVar
	}
	return cov
}
