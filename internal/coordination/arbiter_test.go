package coordination

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/screening"
)

var coordEpoch = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func coordObject(id string, class catalog.Class, authority catalog.Authority, radiusKm float64) catalog.TrackedObject {
	var cov catalog.Covariance
	for i := 0; i < 3; i++ {
		cov[i][i] = 1e-4
		cov[i+3][i+3] = 1e-12
	}
	incl := 51.6 * math.Pi / 180
	speed := math.Sqrt(orbit.MuEarth / radiusKm)
	return catalog.TrackedObject{
		ID:             id,
		Class:          class,
		Authority:      authority,
		MassKg:         420,
		CrossSectionM2: 100,
		State: catalog.State{
			Epoch:    coordEpoch,
			Position: orbit.Vec3{X: radiusKm},
			Velocity: orbit.Vec3{Y: speed * math.Cos(incl), Z: speed * math.Sin(incl)},
			Cov:      cov,
		},
	}
}

// fixture wires a catalog snapshot, ephemerides, and the component chain for
// a set of objects.
type fixture struct {
	snap    *catalog.Snapshot
	ephs    map[string]*propagation.Ephemeris
	est     *risk.Estimator
	planner *maneuver.Planner
	arbiter *Arbiter
}

func newFixture(t *testing.T, priorities maneuver.PriorityTable, arbConfig Config, objs ...catalog.TrackedObject) *fixture {
	t.Helper()

	store := catalog.NewStore()
	ephs := make(map[string]*propagation.Ephemeris, len(objs))
	for _, o := range objs {
		if err := store.Apply(o); err != nil {
			t.Fatalf("Apply(%s): %v", o.ID, err)
		}
		eph, err := propagation.NewEphemeris(&o)
		if err != nil {
			t.Fatalf("NewEphemeris(%s): %v", o.ID, err)
		}
		ephs[o.ID] = eph
	}

	est := risk.NewEstimator(risk.Config{}, testLogger())
	planner := maneuver.NewPlanner(maneuver.Config{Priorities: priorities}, est, testLogger())
	arbConfig.Priorities = priorities
	return &fixture{
		snap:    store.Snapshot(),
		ephs:    ephs,
		est:     est,
		planner: planner,
		arbiter: NewArbiter(arbConfig, est, planner, testLogger()),
	}
}

// planFor runs the planner on the conjunction between two of the fixture's
// objects an hour out.
func (f *fixture) planFor(t *testing.T, idA, idB string) *maneuver.Plan {
	t.Helper()

	ephA, ephB := f.ephs[idA], f.ephs[idB]
	tca := coordEpoch.Add(time.Hour)
	pa, va := ephA.StateAt(tca)
	pb, vb := ephB.StateAt(tca)
	cr := f.est.AssessPair(screening.Conjunction{
		ObjectA:        idA,
		ObjectB:        idB,
		TCA:            tca,
		MissDistanceKm: pa.Sub(pb).Norm(),
		RelSpeedKmS:    va.Sub(vb).Norm(),
		RelPosition:    pa.Sub(pb),
		RelVelocity:    va.Sub(vb),
	}, ephA, ephB)
	if cr.Tier != risk.TierAction {
		t.Fatalf("fixture pair %s|%s assessed %s (p=%g), want action tier", idA, idB, cr.Tier, cr.Probability)
	}
	plan, err := f.planner.Plan(context.Background(), cr, f.snap, f.ephs, coordEpoch)
	if err != nil {
		t.Fatalf("Plan(%s|%s): %v", idA, idB, err)
	}
	return plan
}

func TestResolveSingletonCommits(t *testing.T) {
	f := newFixture(t, maneuver.PriorityTable{"alpha": 1}, Config{},
		coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
		coordObject("DEB-X", catalog.ClassDebris, "", 6778.005),
	)
	plan := f.planFor(t, "DEB-X", "SAT-A")

	sessions := f.arbiter.BuildSessions([]*maneuver.Plan{plan})
	if len(sessions) != 1 || len(sessions[0].Plans) != 1 {
		t.Fatalf("sessions = %+v, want one singleton", sessions)
	}

	res := f.arbiter.Resolve(context.Background(), sessions[0], f.snap, f.ephs, coordEpoch)
	if len(res.Committed) != 1 || res.Committed[0].ID != plan.ID {
		t.Fatalf("committed = %+v, want the single plan", res.Committed)
	}
	if plan.Status != maneuver.StatusCommitted {
		t.Errorf("plan status = %s, want committed", plan.Status)
	}
	if res.Err != nil {
		t.Errorf("unexpected coordination error: %v", res.Err)
	}
	if len(res.Events) != 2 ||
		res.Events[0].To != maneuver.StatusNegotiated ||
		res.Events[1].To != maneuver.StatusCommitted {
		t.Errorf("events = %+v, want negotiated then committed", res.Events)
	}
}

// Two same-authority plans always share a session (fleet burns are
// serialized): exactly one commits, the other is superseded, and repeated
// resolution of the same inputs yields identical decisions.
func TestResolveSameAuthoritySerializes(t *testing.T) {
	type outcome struct {
		committed, superseded, rejected []string
		events                          []Event
	}

	run := func(t *testing.T) outcome {
		t.Helper()
		f := newFixture(t, maneuver.PriorityTable{"alpha": 1}, Config{},
			coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
			coordObject("DEB-X", catalog.ClassDebris, "", 6778.005),
			coordObject("SAT-B", catalog.ClassSatellite, "alpha", 7078.0),
			coordObject("DEB-Y", catalog.ClassDebris, "", 7078.005),
		)
		planA := f.planFor(t, "DEB-X", "SAT-A")
		planB := f.planFor(t, "DEB-Y", "SAT-B")

		sessions := f.arbiter.BuildSessions([]*maneuver.Plan{planB, planA})
		if len(sessions) != 1 {
			t.Fatalf("got %d sessions, want one (same-authority windows overlap)", len(sessions))
		}
		res := f.arbiter.Resolve(context.Background(), sessions[0], f.snap, f.ephs, coordEpoch)

		var out outcome
		for _, p := range res.Committed {
			out.committed = append(out.committed, p.ObjectID)
		}
		for _, p := range res.Superseded {
			out.superseded = append(out.superseded, p.ObjectID)
		}
		for _, p := range res.Rejected {
			out.rejected = append(out.rejected, p.ObjectID)
		}
		out.events = res.Events
		if res.Err != nil {
			t.Fatalf("unexpected coordination error: %v", res.Err)
		}
		return out
	}

	first := run(t)

	if len(first.committed) != 1 || first.committed[0] != "SAT-A" {
		t.Fatalf("committed = %v, want exactly [SAT-A] (object ID tie-break)", first.committed)
	}
	if len(first.superseded) == 0 || first.superseded[0] != "SAT-B" {
		t.Fatalf("superseded = %v, want SAT-B's plan first", first.superseded)
	}
	if len(first.rejected) != 0 {
		t.Fatalf("rejected = %v, want none", first.rejected)
	}

	second := run(t)
	if len(first.events) != len(second.events) {
		t.Fatalf("event counts differ across runs: %d vs %d", len(first.events), len(second.events))
	}
	for i := range first.events {
		a, b := first.events[i], second.events[i]
		if a.ObjectID != b.ObjectID || a.From != b.From || a.To != b.To {
			t.Errorf("event %d differs across runs: %+v vs %+v", i, a, b)
		}
	}
	if len(first.committed) != len(second.committed) || first.committed[0] != second.committed[0] {
		t.Errorf("commit decisions differ across runs: %v vs %v", first.committed, second.committed)
	}
}

// Two co-moving satellites under different authorities: their post-burn
// trajectories never separate, so the conflict is geometric, found by the
// closest-approach probe rather than the window rule.
func TestResolveGeometricConflict(t *testing.T) {
	f := newFixture(t, maneuver.PriorityTable{"alpha": 1, "beta": 2}, Config{},
		coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
		coordObject("DEB-X", catalog.ClassDebris, "", 6777.995),
		coordObject("SAT-B", catalog.ClassSatellite, "beta", 6778.005),
		coordObject("DEB-Y", catalog.ClassDebris, "", 6778.010),
	)
	planA := f.planFor(t, "DEB-X", "SAT-A")
	planB := f.planFor(t, "DEB-Y", "SAT-B")

	if !f.arbiter.plansConflict(planA, planB) {
		t.Fatal("co-moving post-burn trajectories not flagged as conflicting")
	}

	sessions := f.arbiter.BuildSessions([]*maneuver.Plan{planA, planB})
	if len(sessions) != 1 || len(sessions[0].Plans) != 2 {
		t.Fatalf("got %d sessions, want the pair unioned into one", len(sessions))
	}

	res := f.arbiter.Resolve(context.Background(), sessions[0], f.snap, f.ephs, coordEpoch)
	if len(res.Committed) != 1 || res.Committed[0].ObjectID != "SAT-A" {
		t.Fatalf("committed = %+v, want only the higher-priority authority's plan", res.Committed)
	}
	if planB.Status != maneuver.StatusSuperseded {
		t.Errorf("planB status = %s, want superseded", planB.Status)
	}
	if res.Err != nil {
		t.Errorf("unexpected coordination error: %v", res.Err)
	}
}

// A committed burn can resolve a sibling conjunction outright: the
// superseded plan is then retired without a replacement.
func TestResolveCommitClearsSiblingRisk(t *testing.T) {
	f := newFixture(t, maneuver.PriorityTable{"alpha": 1}, Config{},
		coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
		coordObject("DEB-X", catalog.ClassDebris, "", 6777.995),
		coordObject("DEB-Y", catalog.ClassDebris, "", 6778.005),
	)
	planX := f.planFor(t, "DEB-X", "SAT-A")
	planY := f.planFor(t, "DEB-Y", "SAT-A")
	if planX.ObjectID != "SAT-A" || planY.ObjectID != "SAT-A" {
		t.Fatalf("both plans should move the satellite, got %s and %s", planX.ObjectID, planY.ObjectID)
	}

	sessions := f.arbiter.BuildSessions([]*maneuver.Plan{planX, planY})
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want one (same mover)", len(sessions))
	}

	res := f.arbiter.Resolve(context.Background(), sessions[0], f.snap, f.ephs, coordEpoch)
	if len(res.Committed) != 1 {
		t.Fatalf("committed = %+v, want exactly one burn for the satellite", res.Committed)
	}
	if len(res.Superseded) != 1 {
		t.Fatalf("superseded = %+v, want the sibling plan retired", res.Superseded)
	}
	if len(res.Rejected) != 0 || res.Err != nil {
		t.Fatalf("rejected = %+v err = %v, want clean resolution", res.Rejected, res.Err)
	}
	// The committed burn moved the satellite off both debris tracks, so no
	// replacement plan was proposed.
	for _, ev := range res.Events {
		if ev.From == "" && ev.To == maneuver.StatusProposed {
			t.Errorf("unexpected replacement plan %s", ev.PlanID)
		}
	}
}

// Hitting the iteration cap rejects what is left and surfaces a timeout for
// operator adjudication.
func TestResolveIterationCap(t *testing.T) {
	f := newFixture(t, maneuver.PriorityTable{"alpha": 1, "beta": 2}, Config{IterationCap: 1},
		coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
		coordObject("DEB-X", catalog.ClassDebris, "", 6778.005),
		coordObject("SAT-B", catalog.ClassSatellite, "beta", 7078.0),
		coordObject("DEB-Y", catalog.ClassDebris, "", 7078.005),
	)
	planA := f.planFor(t, "DEB-X", "SAT-A")
	planB := f.planFor(t, "DEB-Y", "SAT-B")

	// Hand-built session: the plans are independent (different shells,
	// different authorities), so a one-round cap strands the second.
	session := &Session{ID: "test-session", Plans: []*maneuver.Plan{planA, planB}}
	res := f.arbiter.Resolve(context.Background(), session, f.snap, f.ephs, coordEpoch)

	if len(res.Committed) != 1 || res.Committed[0].ObjectID != "SAT-A" {
		t.Fatalf("committed = %+v, want the higher-priority plan", res.Committed)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].ID != planB.ID {
		t.Fatalf("rejected = %+v, want the stranded plan", res.Rejected)
	}
	if planB.Status != maneuver.StatusRejected {
		t.Errorf("stranded plan status = %s, want rejected", planB.Status)
	}
	if res.Err == nil {
		t.Fatal("no CoordinationTimeoutError for a capped session")
	}
	if res.Err.SessionID != "test-session" || res.Err.Iterations != 1 {
		t.Errorf("timeout error = %+v", res.Err)
	}
	if len(res.Err.PlanIDs) != 1 || res.Err.PlanIDs[0] != planB.ID {
		t.Errorf("timeout plan ids = %v, want [%s]", res.Err.PlanIDs, planB.ID)
	}
}

func TestBuildSessionsPartitions(t *testing.T) {
	f := newFixture(t, maneuver.PriorityTable{"alpha": 1, "beta": 2}, Config{},
		coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
		coordObject("DEB-X", catalog.ClassDebris, "", 6778.005),
		coordObject("SAT-B", catalog.ClassSatellite, "alpha", 7078.0),
		coordObject("DEB-Y", catalog.ClassDebris, "", 7078.005),
		coordObject("SAT-C", catalog.ClassSatellite, "beta", 7378.0),
		coordObject("DEB-Z", catalog.ClassDebris, "", 7378.005),
	)
	planA := f.planFor(t, "DEB-X", "SAT-A")
	planB := f.planFor(t, "DEB-Y", "SAT-B")
	planC := f.planFor(t, "DEB-Z", "SAT-C")

	sessions := f.arbiter.BuildSessions([]*maneuver.Plan{planC, planB, planA})
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2 (alpha fleet together, beta alone)", len(sessions))
	}
	if n := len(sessions[0].Plans); n != 2 {
		t.Errorf("first session has %d plans, want the two alpha plans", n)
	}
	if sessions[0].Plans[0].ObjectID != "SAT-A" || sessions[0].Plans[1].ObjectID != "SAT-B" {
		t.Errorf("first session order = %s, %s; want object-ID order",
			sessions[0].Plans[0].ObjectID, sessions[0].Plans[1].ObjectID)
	}
	if len(sessions[1].Plans) != 1 || sessions[1].Plans[0].ObjectID != "SAT-C" {
		t.Errorf("second session = %+v, want SAT-C alone", sessions[1].Plans)
	}
	if sessions[0].ID == "" || sessions[0].ID == sessions[1].ID {
		t.Error("sessions need distinct non-empty IDs")
	}

	wantObjects := []string{"DEB-X", "DEB-Y", "SAT-A", "SAT-B"}
	gotObjects := sessions[0].ObjectIDs()
	if len(gotObjects) != len(wantObjects) {
		t.Fatalf("session objects = %v, want %v", gotObjects, wantObjects)
	}
	for i := range wantObjects {
		if gotObjects[i] != wantObjects[i] {
			t.Fatalf("session objects = %v, want %v", gotObjects, wantObjects)
		}
	}
}

func TestResolveCancelled(t *testing.T) {
	f := newFixture(t, maneuver.PriorityTable{"alpha": 1}, Config{},
		coordObject("SAT-A", catalog.ClassSatellite, "alpha", 6778.0),
		coordObject("DEB-X", catalog.ClassDebris, "", 6778.005),
	)
	plan := f.planFor(t, "DEB-X", "SAT-A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.arbiter.Resolve(ctx, &Session{ID: "s", Plans: []*maneuver.Plan{plan}}, f.snap, f.ephs, coordEpoch)
	if len(res.Committed) != 0 || len(res.Rejected) != 0 {
		t.Fatalf("cancelled resolution still decided plans: %+v", res)
	}
	if plan.Status != maneuver.StatusProposed {
		t.Errorf("plan status = %s, want untouched proposed", plan.Status)
	}
}
