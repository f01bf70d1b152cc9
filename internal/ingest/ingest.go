// Package ingest validates telemetry batches and feeds them into the catalog.
// Bad records are dropped one at a time; a batch never fails as a whole.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/metrics"
	"github.com/star/kessler/internal/orbit"
)

// Record is one telemetry observation on the wire: an object identity plus a
// state estimate at an epoch. Position and velocity encode as [x, y, z]
// arrays, the covariance as a 6x6 row-major array over (x, y, z, vx, vy, vz).
type Record struct {
	ID             string             `json:"id"`
	Name           string             `json:"name,omitempty"`
	Class          string             `json:"class,omitempty"`
	Authority      string             `json:"authority,omitempty"`
	MassKg         float64            `json:"mass_kg,omitempty"`
	CrossSectionM2 float64            `json:"cross_section_m2,omitempty"`
	DragCoeff      float64            `json:"drag_coeff,omitempty"`
	Epoch          time.Time          `json:"epoch"`
	Position       orbit.Vec3         `json:"position_km"`
	Velocity       orbit.Vec3         `json:"velocity_km_s"`
	Cov            catalog.Covariance `json:"covariance"`
}

// IngestionError describes one rejected record. Rejection never aborts the
// rest of the batch.
type IngestionError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("record %q rejected: %s", e.ID, e.Reason)
}

// Summary reports the outcome of one batch.
type Summary struct {
	Received   int              `json:"received"`
	Applied    int              `json:"applied"`
	Dropped    int              `json:"dropped"`
	OutOfOrder int              `json:"out_of_order"`
	Errors     []IngestionError `json:"errors,omitempty"`
}

func (s *Summary) drop(id, reason string) {
	s.Dropped++
	s.Errors = append(s.Errors, IngestionError{ID: id, Reason: reason})
}

// Ingester applies validated telemetry to the catalog.
type Ingester struct {
	store  *catalog.Store
	logger *slog.Logger
}

// NewIngester creates an ingester writing to store.
func NewIngester(store *catalog.Store, logger *slog.Logger) *Ingester {
	return &Ingester{store: store, logger: logger}
}

// Apply validates and applies a batch in order. Records that are malformed,
// carry a non-PSD covariance, or arrive behind the cataloged epoch are
// dropped, logged, and counted; everything else lands.
func (in *Ingester) Apply(records []Record) Summary {
	sum := Summary{Received: len(records)}
	for i := range records {
		rec := &records[i]
		obj, err := rec.object()
		if err != nil {
			sum.drop(rec.ID, err.Error())
			in.logger.Warn("telemetry record rejected", "id", rec.ID, "error", err)
			continue
		}
		if err := in.store.Apply(obj); err != nil {
			if errors.Is(err, catalog.ErrStaleEpoch) {
				sum.OutOfOrder++
			}
			sum.drop(rec.ID, err.Error())
			in.logger.Warn("telemetry record dropped", "id", rec.ID, "error", err)
			continue
		}
		sum.Applied++
	}
	metrics.RecordIngest(sum.Applied, sum.Dropped, sum.OutOfOrder)
	return sum
}

// RecordsFromObjects converts catalog objects to wire records, the inverse
// of batch application. Used by the diagnostic CLI and scenario-driven tests.
func RecordsFromObjects(objs []catalog.TrackedObject) []Record {
	recs := make([]Record, len(objs))
	for i, o := range objs {
		recs[i] = Record{
			ID:             o.ID,
			Name:           o.Name,
			Class:          string(o.Class),
			Authority:      string(o.Authority),
			MassKg:         o.MassKg,
			CrossSectionM2: o.CrossSectionM2,
			DragCoeff:      o.DragCoeff,
			Epoch:          o.State.Epoch,
			Position:       o.State.Position,
			Velocity:       o.State.Velocity,
			Cov:            o.State.Cov,
		}
	}
	return recs
}

// object validates the record and converts it to a catalog object.
func (r *Record) object() (catalog.TrackedObject, error) {
	var zero catalog.TrackedObject
	if r.ID == "" {
		return zero, errors.New("missing id")
	}
	if r.Epoch.IsZero() {
		return zero, errors.New("missing epoch")
	}
	class, err := catalog.ParseClass(r.Class)
	if err != nil {
		return zero, err
	}
	if !finiteVec(r.Position) || !finiteVec(r.Velocity) {
		return zero, errors.New("state vector is not finite")
	}
	if r.Position.Norm() <= orbit.RadiusEarth {
		return zero, fmt.Errorf("position magnitude %.1f km is below the surface", r.Position.Norm())
	}
	if r.MassKg < 0 || r.CrossSectionM2 < 0 || r.DragCoeff < 0 {
		return zero, errors.New("negative physical property")
	}
	if err := r.Cov.Validate(); err != nil {
		return zero, err
	}

	return catalog.TrackedObject{
		ID:             r.ID,
		Name:           r.Name,
		Class:          class,
		Authority:      catalog.Authority(r.Authority),
		MassKg:         r.MassKg,
		CrossSectionM2: r.CrossSectionM2,
		DragCoeff:      r.DragCoeff,
		State: catalog.State{
			Epoch:    r.Epoch.UTC(),
			Position: r.Position,
			Velocity: r.Velocity,
			Cov:      r.Cov,
		},
	}, nil
}

func finiteVec(v orbit.Vec3) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
