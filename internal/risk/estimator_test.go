package risk

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/screening"
)

var riskEpoch = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// riskObject builds a circular-orbit satellite at the given radius with the
// given per-axis position variance.
func riskObject(id string, radiusKm, posVarKm2, crossSectionM2 float64) catalog.TrackedObject {
	var cov catalog.Covariance
	for i := 0; i < 3; i++ {
		cov[i][i] = posVarKm2
		cov[i+3][i+3] = 1e-12
	}
	incl := 51.6 * math.Pi / 180
	speed := math.Sqrt(orbit.MuEarth / radiusKm)
	return catalog.TrackedObject{
		ID:             id,
		Class:          catalog.ClassSatellite,
		Authority:      "opsA",
		MassKg:         420,
		CrossSectionM2: crossSectionM2,
		State: catalog.State{
			Epoch:    riskEpoch,
			Position: orbit.Vec3{X: radiusKm},
			Velocity: orbit.Vec3{Y: speed * math.Cos(incl), Z: speed * math.Sin(incl)},
			Cov:      cov,
		},
	}
}

func mustEphemeris(t *testing.T, obj catalog.TrackedObject) *propagation.Ephemeris {
	t.Helper()
	eph, err := propagation.NewEphemeris(&obj)
	if err != nil {
		t.Fatalf("NewEphemeris(%s): %v", obj.ID, err)
	}
	return eph
}

// conjunctionAt derives the relative state of two ephemerides at t, the way
// the screener reports a refined close approach.
func conjunctionAt(t time.Time, ephA, ephB *propagation.Ephemeris) screening.Conjunction {
	posA, velA := ephA.StateAt(t)
	posB, velB := ephB.StateAt(t)
	rel := posA.Sub(posB)
	relVel := velA.Sub(velB)
	return screening.Conjunction{
		ObjectA:        ephA.ObjectID(),
		ObjectB:        ephB.ObjectID(),
		TCA:            t,
		MissDistanceKm: rel.Norm(),
		RelSpeedKmS:    relVel.Norm(),
		RelPosition:    rel,
		RelVelocity:    relVel,
	}
}

func TestTierFor(t *testing.T) {
	est := NewEstimator(Config{}, testLogger())

	cases := []struct {
		p    float64
		want Tier
	}{
		{0, TierNominal},
		{9.9e-6, TierNominal},
		{1e-5, TierWatch},
		{9.9e-5, TierWatch},
		{1e-4, TierAction},
		{0.5, TierAction},
	}
	for _, tc := range cases {
		if got := est.TierFor(tc.p); got != tc.want {
			t.Errorf("TierFor(%g) = %s, want %s", tc.p, got, tc.want)
		}
	}

	if !(TierAction.Rank() < TierWatch.Rank() && TierWatch.Rank() < TierNominal.Rank()) {
		t.Error("tier ranks are not ordered by urgency")
	}
}

// Two large satellites five meters apart with ten-meter uncertainty is an
// unambiguous action-tier event.
func TestAssessPairActionTier(t *testing.T) {
	est := NewEstimator(Config{}, testLogger())

	ephA := mustEphemeris(t, riskObject("SAT-A", 6778.0, 1e-4, 100))
	ephB := mustEphemeris(t, riskObject("SAT-B", 6778.005, 1e-4, 100))

	conj := conjunctionAt(riskEpoch.Add(30*time.Minute), ephA, ephB)
	got := est.AssessPair(conj, ephA, ephB)

	if got.Degenerate {
		t.Fatal("unexpected degenerate path")
	}
	if got.Probability < est.Config().ActionThreshold {
		t.Fatalf("probability = %g, want at least %g", got.Probability, est.Config().ActionThreshold)
	}
	if got.Tier != TierAction {
		t.Errorf("tier = %s, want %s", got.Tier, TierAction)
	}
	wantHBR := ephA.HardBodyRadiusKm() + ephB.HardBodyRadiusKm()
	if math.Abs(got.HardBodyRadiusKm-wantHBR) > 1e-12 {
		t.Errorf("hard body radius = %v, want %v", got.HardBodyRadiusKm, wantHBR)
	}
	if got.RecommendedAction != TierAction.RecommendedAction() {
		t.Errorf("recommended action = %q", got.RecommendedAction)
	}
	if got.Conjunction.PairKey() != screening.PairKey("SAT-A", "SAT-B") {
		t.Errorf("conjunction not carried through: %+v", got.Conjunction)
	}
}

// A five-kilometer miss against ten-meter uncertainty is certain to be
// clean: probability zero, nominal tier.
func TestAssessPairFarMissNominal(t *testing.T) {
	est := NewEstimator(Config{}, testLogger())

	ephA := mustEphemeris(t, riskObject("SAT-A", 6778.0, 1e-4, 100))
	ephB := mustEphemeris(t, riskObject("SAT-B", 6783.0, 1e-4, 100))

	conj := conjunctionAt(riskEpoch.Add(30*time.Minute), ephA, ephB)
	got := est.AssessPair(conj, ephA, ephB)

	if got.Probability > 1e-12 {
		t.Errorf("probability = %g, want ~0", got.Probability)
	}
	if got.Tier != TierNominal {
		t.Errorf("tier = %s, want %s", got.Tier, TierNominal)
	}
}

// Objects ingested without covariance fall back to the deterministic limit
// and are flagged so operators know the number carries no uncertainty.
func TestAssessPairDegenerate(t *testing.T) {
	est := NewEstimator(Config{}, testLogger())

	objA := riskObject("SAT-A", 6778.0, 0, 100)
	objB := riskObject("SAT-B", 6783.0, 0, 100)
	objA.State.Cov = catalog.Covariance{}
	objB.State.Cov = catalog.Covariance{}

	ephA := mustEphemeris(t, objA)
	ephB := mustEphemeris(t, objB)

	conj := conjunctionAt(riskEpoch.Add(30*time.Minute), ephA, ephB)
	got := est.AssessPair(conj, ephA, ephB)

	if !got.Degenerate {
		t.Fatal("zero covariance did not flag the degenerate path")
	}
	if got.Probability != 0 {
		t.Errorf("certain wide miss: probability = %g, want 0", got.Probability)
	}
}

func TestAssessDropsMissingEphemeris(t *testing.T) {
	est := NewEstimator(Config{Workers: 2}, testLogger())

	ephA := mustEphemeris(t, riskObject("SAT-A", 6778.0, 1e-4, 100))
	ephB := mustEphemeris(t, riskObject("SAT-B", 6778.005, 1e-4, 100))
	ephs := map[string]*propagation.Ephemeris{
		"SAT-A": ephA,
		"SAT-B": ephB,
	}

	c1 := conjunctionAt(riskEpoch.Add(10*time.Minute), ephA, ephB)
	c2 := c1
	c2.ObjectB = "SAT-GONE"
	c3 := conjunctionAt(riskEpoch.Add(40*time.Minute), ephA, ephB)

	got := est.Assess(context.Background(), []screening.Conjunction{c1, c2, c3}, ephs)
	if len(got) != 2 {
		t.Fatalf("Assess returned %d risks, want 2", len(got))
	}
	if !got[0].Conjunction.TCA.Equal(c1.TCA) || !got[1].Conjunction.TCA.Equal(c3.TCA) {
		t.Errorf("assessments out of input order: %v then %v",
			got[0].Conjunction.TCA, got[1].Conjunction.TCA)
	}
}

func TestAssessEmpty(t *testing.T) {
	est := NewEstimator(Config{}, testLogger())
	if got := est.Assess(context.Background(), nil, nil); got != nil {
		t.Errorf("Assess(nil) = %v, want nil", got)
	}
}
