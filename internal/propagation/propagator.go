package propagation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/metrics"
)

// Propagator derives and caches ephemerides for catalog snapshots. Derivation
// is cheap but runs thousands of times per cycle, and most objects' states do
// not change between cycles, so ephemerides are reused until the object's
// epoch moves.
type Propagator struct {
	pool   *WorkerPool
	config Config
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Ephemeris
}

// NewPropagator creates a propagation orchestrator.
func NewPropagator(config Config, logger *slog.Logger) *Propagator {
	return &Propagator{
		pool:   NewWorkerPool(config.Workers, logger),
		config: config,
		logger: logger,
		cache:  make(map[string]*Ephemeris),
	}
}

// cached returns the ephemeris for obj if one exists at the same epoch.
func (p *Propagator) cached(obj *catalog.TrackedObject) *Ephemeris {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.cache[obj.ID]
	if ok && e.epoch.Equal(obj.State.Epoch) {
		return e
	}
	return nil
}

// Ephemerides derives ephemerides for every object in the snapshot using the
// worker pool, reusing cached derivations where the state epoch is unchanged.
// Objects whose states cannot be carried by the force model are logged and
// skipped; screening proceeds without them. The returned slice preserves the
// snapshot's ID order. Also returns the derived and skipped counts.
func (p *Propagator) Ephemerides(ctx context.Context, snap *catalog.Snapshot) ([]*Ephemeris, int, int) {
	start := time.Now()
	ephs, derived, skipped := p.pool.DeriveBatch(ctx, snap.Objects, p.cached)
	metrics.RecordPropagation(time.Since(start), derived, skipped)

	// Refresh the cache to exactly the live set, dropping removed objects.
	next := make(map[string]*Ephemeris, len(ephs))
	for _, e := range ephs {
		next[e.objectID] = e
	}
	p.mu.Lock()
	p.cache = next
	p.mu.Unlock()

	if skipped > 0 {
		p.logger.Warn("ephemeris derivation skipped objects",
			"skipped", skipped,
			"derived", derived,
		)
	}
	return ephs, derived, skipped
}

// StatesAt samples every ephemeris at the target time in parallel. Used by
// the traffic summary and the diag tool; the screener samples pair-by-pair
// instead.
func (p *Propagator) StatesAt(ctx context.Context, ephs []*Ephemeris, target time.Time) []StateSample {
	return p.pool.SampleBatch(ctx, ephs, target)
}
