package screening

import (
	"math"
	"time"

	"github.com/star/kessler/internal/propagation"
)

// ClosestApproach locates the minimum separation between two ephemerides
// inside [lo, hi]: a coarse scan at step brackets the minimum, golden-section
// search pins it down. The maneuver planner uses this to re-locate a
// conjunction after a trial burn, when the approach geometry has moved but
// only within a known neighborhood.
func ClosestApproach(a, b *propagation.Ephemeris, lo, hi time.Time, step time.Duration) (time.Time, float64) {
	sep := func(offsetSec float64) float64 {
		t := lo.Add(time.Duration(offsetSec * float64(time.Second)))
		return a.PositionAt(t).Sub(b.PositionAt(t)).Norm()
	}

	if !hi.After(lo) {
		return lo, sep(0)
	}
	if step <= 0 {
		step = 30 * time.Second
	}
	span := hi.Sub(lo).Seconds()
	h := step.Seconds()
	if h > span {
		h = span
	}

	bestOff, bestD := 0.0, sep(0)
	for off := h; ; off += h {
		if off > span {
			off = span
		}
		if d := sep(off); d < bestD {
			bestOff, bestD = off, d
		}
		if off == span {
			break
		}
	}

	off, dist := goldenMinimize(sep, math.Max(0, bestOff-h), math.Min(span, bestOff+h), 1e-3)
	return lo.Add(time.Duration(off * float64(time.Second))), dist
}
