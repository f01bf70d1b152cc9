package screening

import (
	"fmt"
	"time"

	"github.com/star/kessler/internal/orbit"
)

// Conjunction is one predicted close approach between a pair of objects.
// ObjectA sorts lexicographically before ObjectB so the pair is canonical.
type Conjunction struct {
	ObjectA string    `json:"object_a"`
	ObjectB string    `json:"object_b"`
	TCA     time.Time `json:"tca"`

	MissDistanceKm float64 `json:"miss_distance_km"`
	RelSpeedKmS    float64 `json:"rel_speed_km_s"`

	// Relative state (A minus B) at TCA, inertial frame.
	RelPosition orbit.Vec3 `json:"rel_position_km"`
	RelVelocity orbit.Vec3 `json:"rel_velocity_km_s"`

	// Sustained marks a slow drift-through: the pair stays inside the fine
	// gate from WindowStart to WindowEnd instead of crossing at an instant.
	Sustained   bool      `json:"sustained,omitempty"`
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`
}

// PairKey returns the canonical "A|B" identity of the pair.
func (c *Conjunction) PairKey() string {
	return PairKey(c.ObjectA, c.ObjectB)
}

// PairKey builds the canonical unordered-pair key for two object IDs.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// IntegrationError reports a pair whose relative motion is too fast for the
// coarse sampling bound, so the screener cannot promise it did not step over
// an approach. The pair is excluded from results and surfaced to operators
// instead of being silently mis-screened.
type IntegrationError struct {
	ObjectA     string  `json:"object_a"`
	ObjectB     string  `json:"object_b"`
	RelSpeedKmS float64 `json:"rel_speed_km_s"`
	BoundKmS    float64 `json:"bound_km_s"`
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("pair %s: relative speed %.3f km/s exceeds screening bound %.3f km/s",
		PairKey(e.ObjectA, e.ObjectB), e.RelSpeedKmS, e.BoundKmS)
}

// Result is the outcome of screening one snapshot.
type Result struct {
	Conjunctions []Conjunction
	Skipped      []*IntegrationError

	CandidatePairs int  // pairs surviving the apsis-band filter
	RefinedPairs   int  // pairs that ran at least one fine refinement
	Partial        bool // the cycle budget expired before all candidates ran
}
