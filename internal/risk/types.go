package risk

import (
	"fmt"

	"github.com/star/kessler/internal/screening"
)

// Tier buckets a collision probability for routing: nominal events are
// logged, watch events alert, action events trigger maneuver planning.
type Tier string

const (
	TierNominal Tier = "nominal"
	TierWatch   Tier = "watch"
	TierAction  Tier = "action"
)

// ParseTier maps a wire string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierNominal, TierWatch, TierAction:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// Rank orders tiers by urgency: action first. Used wherever ties break on
// severity.
func (t Tier) Rank() int {
	switch t {
	case TierAction:
		return 0
	case TierWatch:
		return 1
	default:
		return 2
	}
}

// RecommendedAction is the operator-facing guidance for the tier.
func (t Tier) RecommendedAction() string {
	switch t {
	case TierAction:
		return "plan avoidance maneuver"
	case TierWatch:
		return "monitor closely"
	default:
		return "routine monitoring"
	}
}

// CollisionRisk is a conjunction with its assessed collision probability.
type CollisionRisk struct {
	Conjunction screening.Conjunction `json:"conjunction"`

	Probability      float64 `json:"probability"`
	Tier             Tier    `json:"tier"`
	HardBodyRadiusKm float64 `json:"hard_body_radius_km"`

	// Degenerate marks probabilities computed from a collapsed covariance
	// (both states effectively certain): 0 or the ceiling, nothing between.
	Degenerate bool `json:"degenerate,omitempty"`

	RecommendedAction string `json:"recommended_action"`
}
