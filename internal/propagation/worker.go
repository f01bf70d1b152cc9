package propagation

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/star/kessler/internal/catalog"
)

// deriveJob is a unit of ephemeris-derivation work.
type deriveJob struct {
	idx int
	obj catalog.TrackedObject
}

// deriveResult is the output of deriving one object's ephemeris.
type deriveResult struct {
	idx int
	eph *Ephemeris
	err error
}

// WorkerPool manages a fixed number of goroutines for per-object propagation
// work. Pools are cheap handles; goroutines only live for the duration of a
// batch call.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
// Non-positive sizes default to the CPU count.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// DeriveBatch derives ephemerides for all objects, consulting reuse for a
// cached derivation first. Failed objects are logged and skipped. Results
// preserve input order. Returns the ephemerides and the derived/skipped counts.
func (wp *WorkerPool) DeriveBatch(ctx context.Context, objs []catalog.TrackedObject, reuse func(*catalog.TrackedObject) *Ephemeris) ([]*Ephemeris, int, int) {
	if len(objs) == 0 {
		return nil, 0, 0
	}

	jobs := make(chan deriveJob, wp.workers*2)
	results := make(chan deriveResult, wp.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				var res deriveResult
				res.idx = job.idx
				if cached := reuse(&job.obj); cached != nil {
					res.eph = cached
				} else {
					res.eph, res.err = NewEphemeris(&job.obj)
				}
				select {
				case results <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for i, obj := range objs {
			select {
			case jobs <- deriveJob{idx: i, obj: obj}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]*Ephemeris, len(objs))
	var derived, skipped int
	for res := range results {
		if res.err != nil {
			skipped++
			wp.logger.Warn("ephemeris derivation failed",
				"object_id", objs[res.idx].ID,
				"error", res.err,
			)
			continue
		}
		derived++
		ordered[res.idx] = res.eph
	}

	// Compact out the skipped slots, keeping ID order.
	out := make([]*Ephemeris, 0, derived)
	for _, e := range ordered {
		if e != nil {
			out = append(out, e)
		}
	}
	return out, derived, skipped
}

// SampleBatch evaluates every ephemeris at the target time using the pool.
// Results preserve input order.
func (wp *WorkerPool) SampleBatch(ctx context.Context, ephs []*Ephemeris, target time.Time) []StateSample {
	if len(ephs) == 0 {
		return nil
	}

	out := make([]StateSample, len(ephs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, wp.workers)

	for i, e := range ephs {
		select {
		case <-ctx.Done():
			return out[:i]
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, e *Ephemeris) {
			defer wg.Done()
			defer func() { <-sem }()
			r, v := e.StateAt(target)
			out[i] = StateSample{
				ObjectID: e.objectID,
				Time:     target,
				Position: r,
				Velocity: v,
			}
		}(i, e)
	}

	wg.Wait()
	return out
}
