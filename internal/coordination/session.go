package coordination

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/screening"
)

// Session groups plans whose burns interact. It exists only for the duration
// of one resolution; every member leaves it committed or terminal.
type Session struct {
	ID    string
	Plans []*maneuver.Plan
}

// ObjectIDs returns the sorted set of objects the session touches.
func (s *Session) ObjectIDs() []string {
	seen := make(map[string]bool, len(s.Plans)*2)
	var ids []string
	for _, p := range s.Plans {
		for _, id := range []string{p.ObjectA, p.ObjectB} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Post-burn encounters are re-located inside this pad around the pre-burn
// TCA; sub-m/s burns move an encounter by seconds to minutes. The conflict
// scan walks the whole shared future of two post-burn trajectories, so it
// uses a coarser step than re-location.
const (
	relocatePad  = 20 * time.Minute
	relocateStep = 15 * time.Second
	conflictStep = time.Minute
)

// BuildSessions partitions plans into conflict components with union-find.
// Plans with no conflicts form singleton sessions, so every plan flows
// through exactly one resolution. Ordering is deterministic: sessions and
// their members follow object ID, then plan ID.
func (a *Arbiter) BuildSessions(plans []*maneuver.Plan) []*Session {
	if len(plans) == 0 {
		return nil
	}
	ordered := append([]*maneuver.Plan(nil), plans...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].ObjectID != ordered[j].ObjectID {
			return ordered[i].ObjectID < ordered[j].ObjectID
		}
		return ordered[i].ID < ordered[j].ID
	})

	parent := make([]int, len(ordered))
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if !a.plansConflict(ordered[i], ordered[j]) {
				continue
			}
			ri, rj := find(i), find(j)
			if ri == rj {
				continue
			}
			if rj < ri {
				ri, rj = rj, ri
			}
			parent[rj] = ri
		}
	}

	groups := make(map[int][]*maneuver.Plan)
	var roots []int
	for i, p := range ordered {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], p)
	}
	sort.Ints(roots)

	sessions := make([]*Session, 0, len(roots))
	for _, r := range roots {
		sessions = append(sessions, &Session{ID: uuid.NewString(), Plans: groups[r]})
	}
	return sessions
}

// plansConflict reports whether two plans cannot both stand: they move the
// same object, their windows overlap under one authority (fleet burns are
// serialized), or their post-burn trajectories meet above the watch
// threshold.
func (a *Arbiter) plansConflict(p, q *maneuver.Plan) bool {
	if p.ObjectID == q.ObjectID {
		return true
	}
	if p.Authority.Owned() && p.Authority == q.Authority && windowsOverlap(p, q) {
		return true
	}

	pe, qe := p.PostEphemeris(), q.PostEphemeris()
	if pe == nil || qe == nil {
		return false
	}
	lo := p.ExecuteAt
	if q.ExecuteAt.After(lo) {
		lo = q.ExecuteAt
	}
	hi := p.TCA
	if q.TCA.After(hi) {
		hi = q.TCA
	}
	hi = hi.Add(relocatePad)
	if !hi.After(lo) {
		return false
	}

	idA, idB := p.ObjectID, q.ObjectID
	ephA, ephB := pe, qe
	if idB < idA {
		idA, idB = idB, idA
		ephA, ephB = ephB, ephA
	}

	tca, miss := screening.ClosestApproach(ephA, ephB, lo, hi, conflictStep)
	ra, va := ephA.StateAt(tca)
	rb, vb := ephB.StateAt(tca)
	cr := a.estimator.AssessPair(screening.Conjunction{
		ObjectA:        idA,
		ObjectB:        idB,
		TCA:            tca,
		MissDistanceKm: miss,
		RelSpeedKmS:    va.Sub(vb).Norm(),
		RelPosition:    ra.Sub(rb),
		RelVelocity:    va.Sub(vb),
	}, ephA, ephB)

	if cr.Probability >= a.estimator.Config().WatchThreshold {
		a.logger.Info("post-burn trajectories conflict",
			"plan_a", p.ID,
			"plan_b", q.ID,
			"pair", screening.PairKey(idA, idB),
			"probability", cr.Probability,
			"miss_km", miss,
		)
		return true
	}
	return false
}

func windowsOverlap(p, q *maneuver.Plan) bool {
	return !p.WindowStart.After(q.WindowEnd) && !q.WindowStart.After(p.WindowEnd)
}
