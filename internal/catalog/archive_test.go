package catalog

import (
	"testing"
	"time"
)

// TestArchiveSaveLoad round-trips a snapshot through the disk archive.
func TestArchiveSaveLoad(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(dir, 3)

	s := NewStore()
	for _, id := range []string{"SAT-1", "DEB-2"} {
		if err := s.Apply(testObject(id, testEpoch)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	snap := s.Snapshot()

	if err := a.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	objs, savedAt, err := a.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("loaded %d objects, want 2", len(objs))
	}
	if savedAt.Unix() != snap.TakenAt.Unix() {
		t.Errorf("saved-at = %v, want %v", savedAt, snap.TakenAt)
	}
	if objs[0].ID != "DEB-2" || objs[1].ID != "SAT-1" {
		t.Errorf("loaded IDs = [%s %s], want ID-sorted [DEB-2 SAT-1]", objs[0].ID, objs[1].ID)
	}
	if !objs[1].State.Epoch.Equal(testEpoch) {
		t.Errorf("epoch lost in round trip: %v", objs[1].State.Epoch)
	}
	if objs[1].State.Cov[0][0] != 1.0 {
		t.Errorf("covariance lost in round trip: %v", objs[1].State.Cov[0][0])
	}
}

// TestArchivePrune verifies only maxFiles snapshots are kept and the newest
// survives.
func TestArchivePrune(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(dir, 3)

	s := NewStore()
	if err := s.Apply(testObject("SAT-1", testEpoch)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	var newest time.Time
	for i := 0; i < 6; i++ {
		snap := s.Snapshot()
		snap.TakenAt = base.Add(time.Duration(i) * time.Second)
		newest = snap.TakenAt
		if err := a.Save(snap); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	files, err := a.listFiles()
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("kept %d files, want 3", len(files))
	}

	_, savedAt, err := a.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if savedAt.Unix() != newest.Unix() {
		t.Errorf("latest = %v, want %v", savedAt, newest)
	}
}

// TestArchiveEmptyDir verifies the archive reports a clean error with no files.
func TestArchiveEmptyDir(t *testing.T) {
	a := NewArchive(t.TempDir(), 3)
	if _, _, err := a.LoadLatest(); err == nil {
		t.Error("expected error loading from empty archive")
	}
}
