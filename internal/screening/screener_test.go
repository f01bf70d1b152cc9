package screening

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
)

var scanStart = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// ephAt builds an ephemeris from a raw state at the given epoch.
func ephAt(t testing.TB, id string, epoch time.Time, r, v orbit.Vec3) *propagation.Ephemeris {
	t.Helper()
	obj := catalog.TrackedObject{
		ID:             id,
		Class:          catalog.ClassSatellite,
		MassKg:         500,
		CrossSectionM2: 2,
		State:          catalog.State{Epoch: epoch, Position: r, Velocity: v},
	}
	eph, err := propagation.NewEphemeris(&obj)
	if err != nil {
		t.Fatalf("NewEphemeris(%s): %v", id, err)
	}
	return eph
}

// circSpeed is the circular orbit speed at radius r.
func circSpeed(r float64) float64 {
	return math.Sqrt(orbit.MuEarth / r)
}

// crossingPair plants two circular orbits in planes that intersect along the
// +X axis, with both objects at that line at time tc, radially separated by
// missKm. Their states are specified at tc itself, so the closest approach is
// at tc by construction whichever way the screener walks to it.
func crossingPair(t *testing.T, tc time.Time, missKm float64) (*propagation.Ephemeris, *propagation.Ephemeris) {
	t.Helper()
	inclA := 51.6 * math.Pi / 180
	inclB := inclA + 2*math.Pi/180

	rA := orbit.Vec3{X: 6778, Y: 0, Z: 0}
	vA := orbit.Vec3{X: 0, Y: circSpeed(6778) * math.Cos(inclA), Z: circSpeed(6778) * math.Sin(inclA)}
	rB := orbit.Vec3{X: 6778 + missKm, Y: 0, Z: 0}
	vB := orbit.Vec3{X: 0, Y: circSpeed(6778+missKm) * math.Cos(inclB), Z: circSpeed(6778+missKm) * math.Sin(inclB)}

	return ephAt(t, "SAT-A", tc, rA, vA), ephAt(t, "DEB-B", tc, rB, vB)
}

// TestScreenFindsPlantedCrossing verifies the full pipeline on a pair built
// to pass within 300 m six hours into the window.
func TestScreenFindsPlantedCrossing(t *testing.T) {
	tc := scanStart.Add(6 * time.Hour)
	a, b := crossingPair(t, tc, 0.3)

	s := NewScreener(Config{Horizon: 12 * time.Hour, Workers: 2}, testLogger())
	res := s.Screen(context.Background(), []*propagation.Ephemeris{a, b}, scanStart)

	if res.CandidatePairs != 1 {
		t.Fatalf("candidate pairs = %d, want 1", res.CandidatePairs)
	}
	if res.Partial {
		t.Fatal("screen reported partial without a deadline")
	}
	if len(res.Conjunctions) == 0 {
		t.Fatal("planted crossing not found")
	}

	var hit *Conjunction
	for i := range res.Conjunctions {
		c := &res.Conjunctions[i]
		if d := c.TCA.Sub(tc); d > -time.Minute && d < time.Minute {
			hit = c
			break
		}
	}
	if hit == nil {
		t.Fatalf("no conjunction near planted TCA %v; got %d at other times", tc, len(res.Conjunctions))
	}

	if hit.ObjectA != "DEB-B" || hit.ObjectB != "SAT-A" {
		t.Errorf("pair not canonical: %s / %s", hit.ObjectA, hit.ObjectB)
	}
	if hit.MissDistanceKm > 1.0 || hit.MissDistanceKm < 0.05 {
		t.Errorf("miss distance = %.3f km, want around 0.3", hit.MissDistanceKm)
	}
	// Crossing at 2 deg plane separation: |Δv| ≈ 2·v·sin(1°) ≈ 0.27 km/s.
	if math.Abs(hit.RelSpeedKmS-0.27) > 0.1 {
		t.Errorf("relative speed = %.3f km/s, want about 0.27", hit.RelSpeedKmS)
	}
	if hit.Sustained {
		t.Error("fast crossing must not be sustained")
	}

	// TCA ordering across all found events.
	for i := 1; i < len(res.Conjunctions); i++ {
		if res.Conjunctions[i].TCA.Before(res.Conjunctions[i-1].TCA) {
			t.Fatal("conjunctions not ordered by TCA")
		}
	}
}

// TestScreenBandPartition verifies non-overlapping radial shells never become
// candidates: a LEO and a GEO object produce no pair work at all.
func TestScreenBandPartition(t *testing.T) {
	leo := ephAt(t, "LEO-1", scanStart, orbit.Vec3{X: 6778, Y: 0, Z: 0}, orbit.Vec3{X: 0, Y: circSpeed(6778), Z: 0})
	geo := ephAt(t, "GEO-1", scanStart, orbit.Vec3{X: 42164, Y: 0, Z: 0}, orbit.Vec3{X: 0, Y: circSpeed(42164), Z: 0})

	s := NewScreener(Config{Horizon: 24 * time.Hour}, testLogger())
	res := s.Screen(context.Background(), []*propagation.Ephemeris{leo, geo}, scanStart)

	if res.CandidatePairs != 0 {
		t.Errorf("candidate pairs = %d, want 0 for disjoint shells", res.CandidatePairs)
	}
	if len(res.Conjunctions) != 0 {
		t.Errorf("got %d conjunctions, want 0", len(res.Conjunctions))
	}
}

// TestScreenIntegrationError verifies a pair moving faster than the sampling
// bound is excluded and reported rather than screened.
func TestScreenIntegrationError(t *testing.T) {
	// Head-on: same circular orbit, opposite directions, ~15.3 km/s closing.
	prograde := ephAt(t, "SAT-P", scanStart, orbit.Vec3{X: 6778, Y: 0, Z: 0}, orbit.Vec3{X: 0, Y: circSpeed(6778), Z: 0})
	retro := ephAt(t, "SAT-R", scanStart, orbit.Vec3{X: 6778.2, Y: 0, Z: 0}, orbit.Vec3{X: 0, Y: -circSpeed(6778.2), Z: 0})

	s := NewScreener(Config{Horizon: 2 * time.Hour, MaxRelSpeedKmS: 10}, testLogger())
	res := s.Screen(context.Background(), []*propagation.Ephemeris{prograde, retro}, scanStart)

	if len(res.Skipped) != 1 {
		t.Fatalf("skipped = %d, want 1", len(res.Skipped))
	}
	ie := res.Skipped[0]
	if ie.ObjectA != "SAT-P" || ie.ObjectB != "SAT-R" {
		t.Errorf("skipped pair %s/%s not canonical", ie.ObjectA, ie.ObjectB)
	}
	if ie.RelSpeedKmS <= ie.BoundKmS {
		t.Errorf("reported speed %.2f not above bound %.2f", ie.RelSpeedKmS, ie.BoundKmS)
	}
	if len(res.Conjunctions) != 0 {
		t.Errorf("excluded pair still produced %d conjunctions", len(res.Conjunctions))
	}
	if ie.Error() == "" {
		t.Error("IntegrationError must render a message")
	}
}

// TestScreenSustainedProximity verifies a slow drift-through is reported as
// an interval instead of an instant.
func TestScreenSustainedProximity(t *testing.T) {
	lead := ephAt(t, "SAT-LEAD", scanStart, orbit.Vec3{X: 6778, Y: 0, Z: 0}, orbit.Vec3{X: 0, Y: circSpeed(6778), Z: 0})
	// Trailer on the same orbit, about 500 m behind along-track.
	rT, vT := lead.StateAt(scanStart.Add(-65 * time.Millisecond))
	trail := ephAt(t, "SAT-TRAIL", scanStart, rT, vT)

	s := NewScreener(Config{Horizon: 2 * time.Hour, Workers: 1}, testLogger())
	res := s.Screen(context.Background(), []*propagation.Ephemeris{lead, trail}, scanStart)

	if len(res.Conjunctions) != 1 {
		t.Fatalf("got %d conjunctions, want 1 sustained event", len(res.Conjunctions))
	}
	c := res.Conjunctions[0]
	if !c.Sustained {
		t.Fatalf("co-orbital pair not marked sustained (rel speed %.6f km/s)", c.RelSpeedKmS)
	}
	if c.MissDistanceKm < 0.3 || c.MissDistanceKm > 0.7 {
		t.Errorf("miss distance = %.3f km, want about 0.5", c.MissDistanceKm)
	}
	if dwell := c.WindowEnd.Sub(c.WindowStart); dwell < 110*time.Minute {
		t.Errorf("dwell window = %v, want nearly the whole 2h horizon", dwell)
	}
	if c.TCA.Before(c.WindowStart) || c.TCA.After(c.WindowEnd) {
		t.Errorf("TCA %v outside window [%v, %v]", c.TCA, c.WindowStart, c.WindowEnd)
	}
}

// TestScreenDeterministic verifies two runs over the same snapshot agree
// exactly, including ordering.
func TestScreenDeterministic(t *testing.T) {
	tc := scanStart.Add(3 * time.Hour)
	a, b := crossingPair(t, tc, 0.4)
	third := ephAt(t, "SAT-C", scanStart, orbit.Vec3{X: 0, Y: 6900, Z: 0}, orbit.Vec3{X: -circSpeed(6900), Y: 0, Z: 0})
	ephs := []*propagation.Ephemeris{a, b, third}

	s := NewScreener(Config{Horizon: 8 * time.Hour, Workers: 4}, testLogger())
	r1 := s.Screen(context.Background(), ephs, scanStart)
	r2 := s.Screen(context.Background(), ephs, scanStart)

	if !reflect.DeepEqual(r1, r2) {
		t.Error("screening is not deterministic across runs")
	}
}

// TestScreenPartialOnCancel verifies an expired budget yields a partial
// result instead of blocking or fabricating output.
func TestScreenPartialOnCancel(t *testing.T) {
	tc := scanStart.Add(3 * time.Hour)
	a, b := crossingPair(t, tc, 0.4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScreener(Config{Horizon: 12 * time.Hour}, testLogger())
	res := s.Screen(ctx, []*propagation.Ephemeris{a, b}, scanStart)

	if !res.Partial {
		t.Error("canceled screen must be marked partial")
	}
	if len(res.Conjunctions) != 0 {
		t.Errorf("canceled screen produced %d conjunctions", len(res.Conjunctions))
	}
}

// TestGoldenMinimize checks the scalar minimizer on a known parabola and on
// a monotone segment where the minimum sits at the edge.
func TestGoldenMinimize(t *testing.T) {
	x, fx := goldenMinimize(func(x float64) float64 { return (x-3.7)*(x-3.7) + 1.2 }, 0, 10, 1e-6)
	if math.Abs(x-3.7) > 1e-4 {
		t.Errorf("minimum at %.6f, want 3.7", x)
	}
	if math.Abs(fx-1.2) > 1e-6 {
		t.Errorf("minimum value %.8f, want 1.2", fx)
	}

	x, fx = goldenMinimize(func(x float64) float64 { return -x }, 0, 5, 1e-6)
	if math.Abs(x-5) > 1e-3 || math.Abs(fx+5) > 1e-3 {
		t.Errorf("edge minimum at (%.4f, %.4f), want (5, -5)", x, fx)
	}
}

func TestPairKey(t *testing.T) {
	if PairKey("B", "A") != "A|B" || PairKey("A", "B") != "A|B" {
		t.Error("PairKey must be order-independent")
	}
	c := Conjunction{ObjectA: "DEB-1", ObjectB: "SAT-2"}
	if c.PairKey() != "DEB-1|SAT-2" {
		t.Errorf("PairKey() = %q", c.PairKey())
	}
}

// BenchmarkScreen100Objects6h screens a hundred objects spread through a
// 50 km LEO shell across mixed planes and phases.
func BenchmarkScreen100Objects6h(b *testing.B) {
	ephs := make([]*propagation.Ephemeris, 0, 100)
	for i := 0; i < 100; i++ {
		r := 6778.0 + 1.25*float64(i%40)
		incl := (30 + float64(i%25)) * math.Pi / 180
		theta := 2 * math.Pi * float64(i) / 100
		v := circSpeed(r)
		pos := orbit.Vec3{X: r * math.Cos(theta), Y: r * math.Sin(theta) * math.Cos(incl), Z: r * math.Sin(theta) * math.Sin(incl)}
		vel := orbit.Vec3{X: -v * math.Sin(theta), Y: v * math.Cos(theta) * math.Cos(incl), Z: v * math.Cos(theta) * math.Sin(incl)}
		ephs = append(ephs, ephAt(b, fmt.Sprintf("SAT-%03d", i), scanStart, pos, vel))
	}
	s := NewScreener(Config{Horizon: 6 * time.Hour, Workers: 4}, testLogger())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := s.Screen(ctx, ephs, scanStart)
		if res.Partial {
			b.Fatal("screen went partial")
		}
	}
}
