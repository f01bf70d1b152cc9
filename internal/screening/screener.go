// Package screening finds upcoming close approaches between cataloged
// objects.
//
// The pipeline has three stages, each cheap enough to make the next stage's
// cost acceptable:
//
//  1. Apsis-band partition: a pair whose radial shells [perigee, apogee]
//     never come within the gate distance of each other cannot approach, so
//     the O(n²) pair space collapses to overlapping-shell candidates via a
//     sort and sweep.
//  2. Coarse relative sampling: each candidate pair's separation is sampled
//     on a fixed grid. Between neighboring samples the separation cannot
//     drop by more than v_max·h/2 below the smaller endpoint, so a window is
//     flagged whenever min(d₀, d₁) < gate + v_max·h/2. Pairs observed moving
//     faster than v_max void that bound and are reported as
//     IntegrationErrors instead of screened.
//  3. Golden-section refinement: flagged windows are minimized to find the
//     time of closest approach and miss distance.
package screening

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/star/kessler/internal/propagation"
)

// Config holds screening tuning loaded from environment variables.
type Config struct {
	Horizon         time.Duration // how far ahead to screen (default: 72h)
	CoarseStep      time.Duration // relative sampling interval (default: 60s)
	FineGateKm      float64       // separation that makes a window interesting (default: 10)
	MaxRelSpeedKmS  float64       // sampling soundness bound (default: 16)
	SustainedSpeed  float64       // km/s below which an approach counts as drift-through (default: 0.001)
	SustainedMinDur time.Duration // minimum in-gate dwell for a sustained event (default: 15m)
	Workers         int           // parallel pair refinements (default: NumCPU)
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 72 * time.Hour
	}
	if c.CoarseStep <= 0 {
		c.CoarseStep = time.Minute
	}
	if c.FineGateKm <= 0 {
		c.FineGateKm = 10
	}
	if c.MaxRelSpeedKmS <= 0 {
		c.MaxRelSpeedKmS = 16
	}
	if c.SustainedSpeed <= 0 {
		c.SustainedSpeed = 0.001
	}
	if c.SustainedMinDur <= 0 {
		c.SustainedMinDur = 15 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// bandPadKm covers apsis drift over the horizon (drag pulls perigees down by
// well under a kilometer per day) plus coarse-sampling slack.
const bandPadKm = 5.0

// Screener finds conjunctions among a snapshot's ephemerides.
type Screener struct {
	config Config
	logger *slog.Logger
}

// NewScreener creates a screener.
func NewScreener(config Config, logger *slog.Logger) *Screener {
	return &Screener{config: config.withDefaults(), logger: logger}
}

// Config returns the effective (default-filled) configuration.
func (s *Screener) Config() Config { return s.config }

// bandEntry is one object's radial shell for the partition sweep.
type bandEntry struct {
	eph    *propagation.Ephemeris
	rp, ra float64
}

// candidate is a pair that survived the band filter.
type candidate struct {
	a, b *propagation.Ephemeris
}

// Screen finds all conjunctions within the horizon starting at start.
// Results are ordered by TCA. A canceled or expired context returns the
// conjunctions refined so far with Partial set.
func (s *Screener) Screen(ctx context.Context, ephs []*propagation.Ephemeris, start time.Time) Result {
	cands := s.candidates(ephs)
	res := Result{CandidatePairs: len(cands)}
	if len(cands) == 0 {
		return res
	}

	type pairOutcome struct {
		conjs   []Conjunction
		skip    *IntegrationError
		refined bool
		done    bool
	}
	outcomes := make([]pairOutcome, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, c := range cands {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			conjs, skip, refined := s.examinePair(gctx, c.a, c.b, start)
			outcomes[i] = pairOutcome{conjs: conjs, skip: skip, refined: refined, done: true}
			return nil
		})
	}
	g.Wait()

	for _, o := range outcomes {
		if !o.done {
			res.Partial = true
			continue
		}
		if o.refined {
			res.RefinedPairs++
		}
		if o.skip != nil {
			res.Skipped = append(res.Skipped, o.skip)
		}
		res.Conjunctions = append(res.Conjunctions, o.conjs...)
	}
	if ctx.Err() != nil {
		res.Partial = true
	}

	sort.Slice(res.Conjunctions, func(i, j int) bool {
		ci, cj := res.Conjunctions[i], res.Conjunctions[j]
		if !ci.TCA.Equal(cj.TCA) {
			return ci.TCA.Before(cj.TCA)
		}
		return ci.PairKey() < cj.PairKey()
	})
	sort.Slice(res.Skipped, func(i, j int) bool {
		return PairKey(res.Skipped[i].ObjectA, res.Skipped[i].ObjectB) <
			PairKey(res.Skipped[j].ObjectA, res.Skipped[j].ObjectB)
	})
	return res
}

// candidates partitions objects by apsis bands and sweeps for overlapping
// shells. Sorting by perigee radius lets the inner scan stop at the first
// object whose shell starts above the current one's reach.
func (s *Screener) candidates(ephs []*propagation.Ephemeris) []candidate {
	pad := bandPadKm + s.config.FineGateKm

	entries := make([]bandEntry, 0, len(ephs))
	for _, e := range ephs {
		el := e.Elements()
		entries = append(entries, bandEntry{eph: e, rp: el.PerigeeRadius(), ra: el.ApogeeRadius()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rp != entries[j].rp {
			return entries[i].rp < entries[j].rp
		}
		return entries[i].eph.ObjectID() < entries[j].eph.ObjectID()
	})

	var cands []candidate
	for i := range entries {
		reach := entries[i].ra + pad
		for j := i + 1; j < len(entries); j++ {
			if entries[j].rp > reach {
				break
			}
			cands = append(cands, candidate{a: entries[i].eph, b: entries[j].eph})
		}
	}
	return cands
}

// examinePair runs the coarse scan and refinement for one candidate pair.
// Returns the conjunctions found, an IntegrationError if the pair moved too
// fast to screen, and whether any refinement ran.
func (s *Screener) examinePair(ctx context.Context, a, b *propagation.Ephemeris, start time.Time) ([]Conjunction, *IntegrationError, bool) {
	h := s.config.CoarseStep.Seconds()
	end := start.Add(s.config.Horizon)
	threshold := s.config.FineGateKm + s.config.MaxRelSpeedKmS*h/2

	sep := func(t time.Time) float64 {
		return a.PositionAt(t).Sub(b.PositionAt(t)).Norm()
	}

	var (
		conjs      []Conjunction
		refined    bool
		inWindow   bool
		winStart   time.Time
		checkEvery = 10 // relative-speed soundness check cadence, in samples
	)

	prevT := start
	prevD := sep(start)
	if ie := s.speedCheck(a, b, start); ie != nil {
		return nil, ie, false
	}

	flush := func(winEnd time.Time) {
		lo := winStart.Add(-s.config.CoarseStep)
		if lo.Before(start) {
			lo = start
		}
		hi := winEnd.Add(s.config.CoarseStep)
		if hi.After(end) {
			hi = end
		}
		refined = true
		if c, ok := s.refine(a, b, lo, hi, start, end); ok {
			conjs = append(conjs, c)
		}
	}

	for i := 1; ; i++ {
		t := start.Add(time.Duration(i) * s.config.CoarseStep)
		if t.After(end) {
			break
		}
		if i%512 == 0 && ctx.Err() != nil {
			break
		}

		d := sep(t)
		if i%checkEvery == 0 {
			if ie := s.speedCheck(a, b, t); ie != nil {
				return nil, ie, refined
			}
		}

		hot := min(prevD, d) < threshold
		switch {
		case hot && !inWindow:
			inWindow = true
			winStart = prevT
		case !hot && inWindow:
			inWindow = false
			flush(prevT)
		}
		prevT, prevD = t, d
	}
	if inWindow {
		flush(prevT)
	}
	return conjs, nil, refined
}

// speedCheck validates the sampling bound at time t.
func (s *Screener) speedCheck(a, b *propagation.Ephemeris, t time.Time) *IntegrationError {
	_, va := a.StateAt(t)
	_, vb := b.StateAt(t)
	rel := va.Sub(vb).Norm()
	if rel > s.config.MaxRelSpeedKmS {
		idA, idB := a.ObjectID(), b.ObjectID()
		if idB < idA {
			idA, idB = idB, idA
		}
		return &IntegrationError{ObjectA: idA, ObjectB: idB, RelSpeedKmS: rel, BoundKmS: s.config.MaxRelSpeedKmS}
	}
	return nil
}

// refine minimizes the pair separation over [lo, hi] and builds a Conjunction
// if the minimum clears the fine gate. Slow flybys that dwell inside the gate
// are extended into sustained events.
func (s *Screener) refine(a, b *propagation.Ephemeris, lo, hi, scanStart, scanEnd time.Time) (Conjunction, bool) {
	f := func(offsetSec float64) float64 {
		t := lo.Add(time.Duration(offsetSec * float64(time.Second)))
		return a.PositionAt(t).Sub(b.PositionAt(t)).Norm()
	}

	span := hi.Sub(lo).Seconds()
	offset, dist := goldenMinimize(f, 0, span, 1e-3)

	// The interior minimum can sit at a window edge when the approach
	// continues past it; the edges are covered by neighboring windows.
	if dist > s.config.FineGateKm {
		return Conjunction{}, false
	}

	tca := lo.Add(time.Duration(offset * float64(time.Second)))
	ra, va := a.StateAt(tca)
	rb, vb := b.StateAt(tca)
	relPos := ra.Sub(rb)
	relVel := va.Sub(vb)

	idA, idB := a.ObjectID(), b.ObjectID()
	if idB < idA {
		idA, idB = idB, idA
		relPos = relPos.Scale(-1)
		relVel = relVel.Scale(-1)
	}

	conj := Conjunction{
		ObjectA:        idA,
		ObjectB:        idB,
		TCA:            tca,
		MissDistanceKm: dist,
		RelSpeedKmS:    relVel.Norm(),
		RelPosition:    relPos,
		RelVelocity:    relVel,
	}

	if conj.RelSpeedKmS < s.config.SustainedSpeed {
		ws, we := s.dwellWindow(a, b, tca, scanStart, scanEnd)
		if we.Sub(ws) >= s.config.SustainedMinDur {
			conj.Sustained = true
			conj.WindowStart = ws
			conj.WindowEnd = we
		}
	}
	return conj, true
}

// dwellWindow walks outward from the TCA at coarse steps while the pair stays
// inside the fine gate, bounded by the scan window.
func (s *Screener) dwellWindow(a, b *propagation.Ephemeris, tca, scanStart, scanEnd time.Time) (time.Time, time.Time) {
	inside := func(t time.Time) bool {
		return a.PositionAt(t).Sub(b.PositionAt(t)).Norm() <= s.config.FineGateKm
	}

	ws := tca
	for {
		next := ws.Add(-s.config.CoarseStep)
		if next.Before(scanStart) || !inside(next) {
			break
		}
		ws = next
	}
	we := tca
	for {
		next := we.Add(s.config.CoarseStep)
		if next.After(scanEnd) || !inside(next) {
			break
		}
		we = next
	}
	return ws, we
}

// invphi is the inverse golden ratio, the interval shrink factor per probe.
const invphi = 0.6180339887498949

// goldenMinimize finds the minimum of f on [lo, hi] by golden-section search,
// stopping when the bracket is narrower than tol. Deterministic and
// derivative-free; separation near a close approach is locally unimodal at
// the coarse-step scale.
func goldenMinimize(f func(float64) float64, lo, hi, tol float64) (float64, float64) {
	x1 := hi - invphi*(hi-lo)
	x2 := lo + invphi*(hi-lo)
	f1, f2 := f(x1), f(x2)

	for hi-lo > tol {
		if f1 < f2 {
			hi, x2, f2 = x2, x1, f1
			x1 = hi - invphi*(hi-lo)
			f1 = f(x1)
		} else {
			lo, x1, f1 = x1, x2, f2
			x2 = lo + invphi*(hi-lo)
			f2 = f(x2)
		}
	}

	mid := (lo + hi) / 2
	fm := f(mid)
	// Guard against a minimum pinned to an endpoint of the original bracket.
	if f1 < fm {
		mid, fm = x1, f1
	}
	if f2 < fm {
		mid, fm = x2, f2
	}
	return mid, fm
}
