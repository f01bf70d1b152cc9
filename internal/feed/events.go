package feed

import (
	"time"

	"github.com/google/uuid"

	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/risk"
)

// Feed event types.
const (
	TypeAlert = "alert"
	TypePlan  = "plan"
)

// alertBucket quantizes the TCA so the same physical encounter keeps one
// alert identity while successive cycles nudge its TCA by seconds.
const alertBucket = 10 * time.Minute

var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kessler/alerts"))

// AlertID derives the stable identifier for an encounter: the same object
// pair and TCA bucket always map to the same UUID, so consumers can
// deduplicate re-emissions across screening cycles.
func AlertID(pairKey string, tca time.Time) string {
	bucket := tca.UTC().Truncate(alertBucket).Format(time.RFC3339)
	return uuid.NewSHA1(alertNamespace, []byte(pairKey+"@"+bucket)).String()
}

// Alert is one alert-feed payload: a screened conjunction at watch tier or
// above, with its assessed risk. Unavoidable marks action-tier encounters
// no plan could clear.
type Alert struct {
	ID          string             `json:"id"`
	Cycle       uint64             `json:"cycle"`
	Risk        risk.CollisionRisk `json:"risk"`
	Unavoidable bool               `json:"unavoidable,omitempty"`
	Note        string             `json:"note,omitempty"`
}

// NewAlert builds the feed payload for an assessed conjunction.
func NewAlert(cycle uint64, cr risk.CollisionRisk) Alert {
	return Alert{
		ID:    AlertID(cr.Conjunction.PairKey(), cr.Conjunction.TCA),
		Cycle: cycle,
		Risk:  cr,
	}
}

// PlanEvent is one maneuver-feed payload: a single lifecycle transition.
// From is empty for newly proposed plans. The full plan rides along on
// proposal and commit so consumers need not join feeds.
type PlanEvent struct {
	PlanID   string          `json:"plan_id"`
	ObjectID string          `json:"object_id"`
	Pair     string          `json:"pair"`
	From     maneuver.Status `json:"from,omitempty"`
	To       maneuver.Status `json:"to"`
	Reason   string          `json:"reason,omitempty"`
	Plan     *maneuver.Plan  `json:"plan,omitempty"`
}
