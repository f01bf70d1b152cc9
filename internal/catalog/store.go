package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrStaleEpoch is returned when an update's epoch is older than the
	// object's current state epoch.
	ErrStaleEpoch = errors.New("state epoch older than current estimate")

	// ErrEpochConflict is returned when a maneuver commit finds the object's
	// state changed since the plan was built. The caller re-reads and
	// re-plans rather than overwriting.
	ErrEpochConflict = errors.New("object state changed since plan was built")

	// ErrUnknownObject is returned for operations on IDs not in the catalog.
	ErrUnknownObject = errors.New("object not in catalog")
)

// Store is the thread-safe tracked-object catalog. Writers compare-and-set on
// the state epoch; readers take immutable snapshots.
type Store struct {
	mu        sync.RWMutex
	objects   map[string]TrackedObject
	updatedAt time.Time
}

// NewStore creates an empty catalog.
func NewStore() *Store {
	return &Store{objects: make(map[string]TrackedObject)}
}

// Apply inserts or updates an object from telemetry. Updates whose epoch is
// strictly older than the current estimate fail with ErrStaleEpoch; an
// equal-epoch record is an idempotent re-send and replaces the estimate.
// An accepted update clears any pending maneuver marker, since fresher
// tracking supersedes the predicted post-burn state.
func (s *Store) Apply(obj TrackedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.objects[obj.ID]; ok {
		if obj.State.Epoch.Before(cur.State.Epoch) {
			return fmt.Errorf("object %s: update at %s behind current %s: %w",
				obj.ID, obj.State.Epoch.Format(time.RFC3339), cur.State.Epoch.Format(time.RFC3339), ErrStaleEpoch)
		}
	}
	obj.PendingPlanID = ""
	s.objects[obj.ID] = obj
	s.updatedAt = time.Now()
	return nil
}

// ApplyManeuver writes a committed plan's predicted post-burn state as a
// pending revision. basedOn must equal the state epoch the plan was built
// from; if tracking moved in the meantime the commit fails with
// ErrEpochConflict and the caller re-plans against the fresh state.
func (s *Store) ApplyManeuver(id string, basedOn time.Time, post State, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, ErrUnknownObject)
	}
	if !cur.State.Epoch.Equal(basedOn) {
		return fmt.Errorf("object %s: state now at %s, plan built from %s: %w",
			id, cur.State.Epoch.Format(time.RFC3339), basedOn.Format(time.RFC3339), ErrEpochConflict)
	}
	cur.State = post
	cur.PendingPlanID = planID
	s.objects[id] = cur
	s.updatedAt = time.Now()
	return nil
}

// Get returns a copy of the object with the given ID.
func (s *Store) Get(id string) (TrackedObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Len returns the number of cataloged objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// CountByClass returns the object count per class, for gauges and summaries.
func (s *Store) CountByClass() map[Class]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Class]int)
	for _, o := range s.objects {
		counts[o.Class]++
	}
	return counts
}

// AgeSeconds returns seconds since the last accepted write, or -1 for an
// empty catalog that has never been written.
func (s *Store) AgeSeconds() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() {
		return -1
	}
	return time.Since(s.updatedAt).Seconds()
}

// Snapshot returns an immutable copy of the catalog taken at a single lock
// acquisition, with objects ordered by ID so every downstream pass is
// deterministic. Cycle work reads only from snapshots; concurrent ingestion
// never mutates a running cycle's view.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objs := make([]TrackedObject, 0, len(s.objects))
	for _, o := range s.objects {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })

	byID := make(map[string]int, len(objs))
	for i, o := range objs {
		byID[o.ID] = i
	}
	return &Snapshot{TakenAt: time.Now(), Objects: objs, byID: byID}
}

// Snapshot is a point-in-time copy of the catalog. Objects is sorted by ID.
type Snapshot struct {
	TakenAt time.Time
	Objects []TrackedObject

	byID map[string]int
}

// Get returns the snapshot's copy of an object.
func (s *Snapshot) Get(id string) (TrackedObject, bool) {
	i, ok := s.byID[id]
	if !ok {
		return TrackedObject{}, false
	}
	return s.Objects[i], true
}

// Len returns the number of objects in the snapshot.
func (s *Snapshot) Len() int { return len(s.Objects) }
