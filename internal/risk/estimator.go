package risk

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/screening"
)

// Config holds risk thresholds loaded from environment variables.
type Config struct {
	WatchThreshold  float64 // probability at or above which a conjunction alerts (default: 1e-5)
	ActionThreshold float64 // probability at or above which planning triggers (default: 1e-4)
	VarFloorKm2     float64 // in-plane variance treated as collapsed (default: 1e-12, one mm²)
	Workers         int     // parallel assessments (default: NumCPU)
}

func (c Config) withDefaults() Config {
	if c.WatchThreshold <= 0 {
		c.WatchThreshold = 1e-5
	}
	if c.ActionThreshold <= 0 {
		c.ActionThreshold = 1e-4
	}
	if c.VarFloorKm2 <= 0 {
		c.VarFloorKm2 = 1e-12
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Estimator assigns collision probabilities and tiers to conjunctions.
type Estimator struct {
	config Config
	logger *slog.Logger
}

// NewEstimator creates an estimator.
func NewEstimator(config Config, logger *slog.Logger) *Estimator {
	return &Estimator{config: config.withDefaults(), logger: logger}
}

// Config returns the effective (default-filled) configuration.
func (e *Estimator) Config() Config { return e.config }

// TierFor maps a probability to its tier using the configured thresholds.
func (e *Estimator) TierFor(p float64) Tier {
	switch {
	case p >= e.config.ActionThreshold:
		return TierAction
	case p >= e.config.WatchThreshold:
		return TierWatch
	default:
		return TierNominal
	}
}

// AssessPair computes the collision risk for one conjunction given both
// objects' ephemerides.
func (e *Estimator) AssessPair(conj screening.Conjunction, ephA, ephB *propagation.Ephemeris) CollisionRisk {
	covA := ephA.PositionCovAt(conj.TCA)
	covB := ephB.PositionCovAt(conj.TCA)

	combined := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			combined.SetSym(i, j, covA.At(i, j)+covB.At(i, j))
		}
	}

	hbr := ephA.HardBodyRadiusKm() + ephB.HardBodyRadiusKm()
	p, degenerate := CollisionProbability(conj.RelPosition, conj.RelVelocity, combined, hbr, e.config.VarFloorKm2)
	tier := e.TierFor(p)

	return CollisionRisk{
		Conjunction:       conj,
		Probability:       p,
		Tier:              tier,
		HardBodyRadiusKm:  hbr,
		Degenerate:        degenerate,
		RecommendedAction: tier.RecommendedAction(),
	}
}

// Assess evaluates all conjunctions in parallel, preserving input order.
// Conjunctions whose objects have no ephemeris (skipped at derivation) are
// dropped with a warning; they cannot be scored.
func (e *Estimator) Assess(ctx context.Context, conjs []screening.Conjunction, ephs map[string]*propagation.Ephemeris) []CollisionRisk {
	if len(conjs) == 0 {
		return nil
	}

	out := make([]CollisionRisk, len(conjs))
	valid := make([]bool, len(conjs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for i, c := range conjs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ephA, okA := ephs[c.ObjectA]
			ephB, okB := ephs[c.ObjectB]
			if !okA || !okB {
				e.logger.Warn("conjunction references object without ephemeris",
					"object_a", c.ObjectA,
					"object_b", c.ObjectB,
				)
				return nil
			}
			out[i] = e.AssessPair(c, ephA, ephB)
			valid[i] = true
			return nil
		})
	}
	g.Wait()

	risks := make([]CollisionRisk, 0, len(conjs))
	for i := range out {
		if valid[i] {
			risks = append(risks, out[i])
		}
	}
	return risks
}
