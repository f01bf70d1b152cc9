package catalog

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/star/kessler/internal/orbit"
)

var testEpoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// testObject builds an ISS-like satellite for store tests.
func testObject(id string, epoch time.Time) TrackedObject {
	var cov Covariance
	for i := 0; i < 3; i++ {
		cov[i][i] = 1.0      // 1 km sigma position
		cov[i+3][i+3] = 1e-6 // 1 m/s sigma velocity
	}
	return TrackedObject{
		ID:             id,
		Name:           "TEST-" + id,
		Class:          ClassSatellite,
		Authority:      "opsA",
		MassKg:         420000,
		CrossSectionM2: 160,
		State: State{
			Epoch:    epoch,
			Position: orbit.Vec3{X: 6778, Y: 0, Z: 0},
			Velocity: orbit.Vec3{X: 0, Y: 4.76, Z: 6.01},
			Cov:      cov,
		},
	}
}

// TestStoreApplyOrdering verifies the compare-and-set on state epochs:
// strictly older updates are rejected, equal-epoch re-sends and newer
// updates are applied.
func TestStoreApplyOrdering(t *testing.T) {
	s := NewStore()

	if err := s.Apply(testObject("SAT-1", testEpoch)); err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	stale := testObject("SAT-1", testEpoch.Add(-1*time.Minute))
	if err := s.Apply(stale); !errors.Is(err, ErrStaleEpoch) {
		t.Errorf("stale apply: got %v, want ErrStaleEpoch", err)
	}

	resend := testObject("SAT-1", testEpoch)
	resend.Name = "TEST-RESEND"
	if err := s.Apply(resend); err != nil {
		t.Errorf("equal-epoch re-send rejected: %v", err)
	}
	if got, _ := s.Get("SAT-1"); got.Name != "TEST-RESEND" {
		t.Errorf("re-send not applied: name = %q", got.Name)
	}

	newer := testObject("SAT-1", testEpoch.Add(5*time.Minute))
	if err := s.Apply(newer); err != nil {
		t.Errorf("newer apply failed: %v", err)
	}
	got, ok := s.Get("SAT-1")
	if !ok || !got.State.Epoch.Equal(newer.State.Epoch) {
		t.Errorf("store kept epoch %v, want %v", got.State.Epoch, newer.State.Epoch)
	}
}

// TestStoreApplyManeuver verifies the optimistic commit path: a plan built
// from the current epoch commits; a plan built from a superseded epoch fails
// with ErrEpochConflict; fresh telemetry clears the pending marker.
func TestStoreApplyManeuver(t *testing.T) {
	s := NewStore()
	if err := s.Apply(testObject("SAT-2", testEpoch)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	burn := testEpoch.Add(30 * time.Minute)
	post := State{
		Epoch:    burn,
		Position: orbit.Vec3{X: 6778, Y: 120, Z: 85},
		Velocity: orbit.Vec3{X: -0.1, Y: 4.76, Z: 6.01},
	}

	if err := s.ApplyManeuver("SAT-2", testEpoch, post, "plan-1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	got, _ := s.Get("SAT-2")
	if got.PendingPlanID != "plan-1" {
		t.Errorf("pending plan = %q, want plan-1", got.PendingPlanID)
	}
	if !got.State.Epoch.Equal(burn) {
		t.Errorf("post-burn epoch = %v, want %v", got.State.Epoch, burn)
	}

	// A second commit built from the pre-burn epoch must lose the race.
	err := s.ApplyManeuver("SAT-2", testEpoch, post, "plan-2")
	if !errors.Is(err, ErrEpochConflict) {
		t.Errorf("stale commit: got %v, want ErrEpochConflict", err)
	}

	// Unknown object.
	err = s.ApplyManeuver("NOPE", testEpoch, post, "plan-3")
	if !errors.Is(err, ErrUnknownObject) {
		t.Errorf("unknown object: got %v, want ErrUnknownObject", err)
	}

	// Post-burn tracking replaces the prediction and clears the marker.
	confirmed := testObject("SAT-2", burn.Add(10*time.Minute))
	if err := s.Apply(confirmed); err != nil {
		t.Fatalf("post-burn telemetry rejected: %v", err)
	}
	got, _ = s.Get("SAT-2")
	if got.PendingPlanID != "" {
		t.Errorf("pending plan not cleared: %q", got.PendingPlanID)
	}
}

// TestSnapshotIsolation verifies snapshots are immutable copies ordered by ID
// and unaffected by later writes.
func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"SAT-9", "SAT-1", "SAT-5"} {
		if err := s.Apply(testObject(id, testEpoch)); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}

	snap := s.Snapshot()
	if snap.Len() != 3 {
		t.Fatalf("snapshot has %d objects, want 3", snap.Len())
	}
	for i, want := range []string{"SAT-1", "SAT-5", "SAT-9"} {
		if snap.Objects[i].ID != want {
			t.Errorf("snapshot[%d] = %s, want %s (must be ID-sorted)", i, snap.Objects[i].ID, want)
		}
	}

	// Mutate the store after the snapshot.
	newer := testObject("SAT-1", testEpoch.Add(time.Hour))
	if err := s.Apply(newer); err != nil {
		t.Fatalf("apply: %v", err)
	}

	obj, ok := snap.Get("SAT-1")
	if !ok {
		t.Fatal("snapshot lost SAT-1")
	}
	if !obj.State.Epoch.Equal(testEpoch) {
		t.Errorf("snapshot epoch moved to %v; snapshots must be immutable", obj.State.Epoch)
	}
}

// TestCovarianceValidate exercises the PSD gate.
func TestCovarianceValidate(t *testing.T) {
	var zero Covariance
	if err := zero.Validate(); err != nil {
		t.Errorf("zero covariance must be accepted (degenerate): %v", err)
	}
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero covariance")
	}

	var diag Covariance
	for i := 0; i < 6; i++ {
		diag[i][i] = 0.5
	}
	if err := diag.Validate(); err != nil {
		t.Errorf("diagonal covariance rejected: %v", err)
	}

	var negDiag Covariance
	negDiag[2][2] = -1
	if err := negDiag.Validate(); err == nil {
		t.Error("negative diagonal accepted")
	}

	var asym Covariance
	asym[0][1] = 5
	asym[1][0] = -5
	if err := asym.Validate(); err == nil {
		t.Error("asymmetric covariance accepted")
	}

	// Symmetric but indefinite: off-diagonal dominates the diagonal.
	var indef Covariance
	indef[0][0], indef[1][1] = 1, 1
	indef[0][1], indef[1][0] = 2, 2
	if err := indef.Validate(); err == nil {
		t.Error("indefinite covariance accepted")
	}

	var nan Covariance
	nan[4][4] = math.NaN()
	if err := nan.Validate(); err == nil {
		t.Error("NaN covariance accepted")
	}
}

// TestTrackedObjectDerived checks the physical helper methods.
func TestTrackedObjectDerived(t *testing.T) {
	obj := testObject("SAT-3", testEpoch)

	// A = 160 m² => r = sqrt(160/π) ≈ 7.14 m.
	if r := obj.HardBodyRadiusKm(); math.Abs(r-0.00714) > 0.0005 {
		t.Errorf("hard-body radius = %f km, want about 0.00714", r)
	}

	// Unknown sizes fall back to class defaults.
	for _, tc := range []struct {
		class Class
		want  float64
	}{
		{ClassSatellite, 2e-3},
		{ClassRocketBody, 2e-3},
		{ClassDebris, 5e-4},
		{ClassUnknown, 1e-3},
	} {
		sizeless := TrackedObject{Class: tc.class}
		if r := sizeless.HardBodyRadiusKm(); r != tc.want {
			t.Errorf("unknown-size %s radius = %f km, want %f", tc.class, r, tc.want)
		}
	}

	// Cd defaults to 2.2.
	want := 2.2 * 160 / 420000
	if b := obj.BallisticCoeff(); math.Abs(b-want) > 1e-12 {
		t.Errorf("ballistic coefficient = %g, want %g", b, want)
	}
	massless := TrackedObject{CrossSectionM2: 1}
	if b := massless.BallisticCoeff(); b != 0 {
		t.Errorf("massless ballistic coefficient = %g, want 0", b)
	}

	if z := obj.Zone(); z != orbit.ZoneLEO {
		t.Errorf("zone = %s, want LEO", z)
	}

	if !obj.Maneuverable() {
		t.Error("owned satellite must be maneuverable")
	}
	debris := obj
	debris.Class = ClassDebris
	if debris.Maneuverable() {
		t.Error("debris must not be maneuverable")
	}
	orphan := obj
	orphan.Authority = ""
	if orphan.Maneuverable() {
		t.Error("unowned satellite must not be maneuverable")
	}
}

func TestParseClass(t *testing.T) {
	tests := []struct {
		in      string
		want    Class
		wantErr bool
	}{
		{"satellite", ClassSatellite, false},
		{"debris", ClassDebris, false},
		{"rocket_body", ClassRocketBody, false},
		{"", ClassUnknown, false},
		{"starship", "", true},
	}
	for _, tt := range tests {
		got, err := ParseClass(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClass(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClass(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
