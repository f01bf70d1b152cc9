// Command diag runs a single assessment cycle against a synthetic orbital
// population and prints the traffic summary. Useful for eyeballing the whole
// pipeline without standing up the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/coordination"
	"github.com/star/kessler/internal/engine"
	"github.com/star/kessler/internal/feed"
	"github.com/star/kessler/internal/ingest"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/orbit"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/scenario"
	"github.com/star/kessler/internal/screening"
)

func main() {
	seed := flag.Int64("seed", 42, "population seed")
	zoneName := flag.String("zone", "LEO", "orbital zone to populate (LEO, MEO, GEO, HEO)")
	collision := flag.Bool("collision", true, "inject a collision-course pair")
	lead := flag.Duration("lead", 6*time.Hour, "time until the injected pair meets")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	zone, err := parseZone(*zoneName)
	if err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	gen := scenario.NewGenerator(*seed)
	population := gen.Population(zone, now)

	store := catalog.NewStore()
	ingester := ingest.NewIngester(store, logger)
	summary := ingester.Apply(ingest.RecordsFromObjects(population))

	fmt.Printf("orbital traffic diagnostic\n")
	fmt.Printf("  zone %s (congestion %s), seed %d\n", zone, zone.Congestion(), *seed)

	var sats, debs int
	for _, obj := range population {
		if obj.Class == catalog.ClassSatellite {
			sats++
		} else {
			debs++
		}
	}
	fmt.Printf("  population: %d payloads, %d debris (%d applied, %d dropped)\n",
		sats, debs, summary.Applied, summary.Dropped)

	if *collision {
		sat, deb, err := gen.CollisionCourse(now, *lead)
		if err != nil {
			fmt.Println("ERROR building collision pair:", err)
			os.Exit(1)
		}
		if err := store.Apply(sat); err != nil {
			fmt.Println("ERROR applying collision satellite:", err)
			os.Exit(1)
		}
		if err := store.Apply(deb); err != nil {
			fmt.Println("ERROR applying collision debris:", err)
			os.Exit(1)
		}
		fmt.Printf("  collision pair injected: %s x %s, crossing in %s\n", sat.ID, deb.ID, *lead)
	}

	estimator := risk.NewEstimator(risk.Config{}, logger)
	planner := maneuver.NewPlanner(maneuver.Config{}, estimator, logger)
	eng := engine.New(engine.Config{}, engine.Deps{
		Store:      store,
		Propagator: propagation.NewPropagator(propagation.Config{}, logger),
		Screener:   screening.NewScreener(screening.Config{}, logger),
		Estimator:  estimator,
		Planner:    planner,
		Arbiter:    coordination.NewArbiter(coordination.Config{}, estimator, planner, logger),
		Alerts:     feed.NewLog("alerts", 256, logger),
		Plans:      feed.NewLog("plans", 256, logger),
	}, logger)

	report := eng.RunCycle(context.Background(), now)

	fmt.Printf("\ncycle %d completed in %d ms (partial=%v)\n", report.Number, report.DurationMs, report.Partial)
	fmt.Printf("  objects %d, ephemerides %d, skipped %d\n", report.Objects, report.Derived, report.SkippedObjects)
	fmt.Printf("  pairs: %d candidate, %d refined, %d skipped\n", report.CandidatePairs, report.RefinedPairs, report.SkippedPairs)
	fmt.Printf("  conjunctions: %d (action %d, watch %d, nominal %d)\n", len(report.Conjunctions),
		report.TierCounts[risk.TierAction], report.TierCounts[risk.TierWatch], report.TierCounts[risk.TierNominal])
	fmt.Printf("  plans: %d proposed, %d committed, %d rejected, %d superseded\n",
		report.PlansProposed, report.PlansCommitted, report.PlansRejected, report.PlansSuperseded)
	fmt.Printf("  unavoidable %d, infeasible %d, sessions %d, timeouts %d\n",
		report.Unavoidable, report.Infeasible, report.Sessions, report.CoordinationTimeouts)

	if len(report.Conjunctions) > 0 {
		fmt.Printf("\nconjunctions\n")
		for _, cr := range report.Conjunctions {
			c := cr.Conjunction
			fmt.Printf("  %s x %s  p=%.3e %-7s miss %.3f km  rel %.2f km/s  tca %s\n",
				c.ObjectA, c.ObjectB, cr.Probability, cr.Tier, c.MissDistanceKm,
				c.RelSpeedKmS, c.TCA.Format(time.RFC3339))
			if cr.RecommendedAction != "" {
				fmt.Printf("      recommended: %s\n", cr.RecommendedAction)
			}
		}
	}

	if len(report.Plans) > 0 {
		fmt.Printf("\nplans\n")
		for _, p := range report.Plans {
			fmt.Printf("  %s %s %-10s burn %s  dv %.3f m/s  fuel %.3f kg  post-p %.2e\n",
				p.ID, p.ObjectID, p.Status, p.ExecuteAt.Format(time.RFC3339),
				p.DeltaVMps, p.FuelCostKg, p.PostProbability)
		}
	}
}

func parseZone(s string) (orbit.Zone, error) {
	z := orbit.Zone(strings.ToUpper(s))
	switch z {
	case orbit.ZoneLEO, orbit.ZoneMEO, orbit.ZoneGEO, orbit.ZoneHEO:
		return z, nil
	}
	return "", fmt.Errorf("unknown zone %q (want LEO, MEO, GEO, or HEO)", s)
}
