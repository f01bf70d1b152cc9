package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/star/kessler/internal/api"
	"github.com/star/kessler/internal/auth"
	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/coordination"
	"github.com/star/kessler/internal/engine"
	"github.com/star/kessler/internal/feed"
	"github.com/star/kessler/internal/ingest"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/metrics"
	"github.com/star/kessler/internal/propagation"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/screening"
	"github.com/star/kessler/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	addr := os.Getenv("KESSLER_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	store := catalog.NewStore()

	archiveCfg := loadArchiveConfig(logger)
	archive := catalog.NewArchive(archiveCfg.Dir, archiveCfg.MaxFiles)

	// Attempt to restore the catalog from the latest snapshot on startup.
	objs, savedAt, err := archive.LoadLatest()
	if err != nil {
		logger.Info("no catalog snapshot found, starting with an empty catalog", "error", err)
	} else {
		restored := 0
		for _, obj := range objs {
			if err := store.Apply(obj); err != nil {
				logger.Warn("skipping snapshot object", "id", obj.ID, "error", err)
				continue
			}
			restored++
		}
		logger.Info("catalog restored from snapshot",
			"objects", restored, "saved_at", savedAt.Format(time.RFC3339))
	}

	priorities := loadPriorities(logger)

	propCfg := loadPropConfig(logger)
	prop := propagation.NewPropagator(propCfg, logger)

	screenCfg := loadScreenConfig(logger)
	screener := screening.NewScreener(screenCfg, logger)

	riskCfg := loadRiskConfig(logger)
	estimator := risk.NewEstimator(riskCfg, logger)

	planCfg := loadPlannerConfig(logger, priorities)
	planner := maneuver.NewPlanner(planCfg, estimator, logger)

	arbCfg := loadArbiterConfig(logger, priorities)
	arbiter := coordination.NewArbiter(arbCfg, estimator, planner, logger)

	feedCap := loadFeedCapacity(logger)
	alerts := feed.NewLog("alerts", feedCap, logger)
	plans := feed.NewLog("plans", feedCap, logger)

	engCfg := loadEngineConfig(logger)
	eng := engine.New(engCfg, engine.Deps{
		Store:      store,
		Propagator: prop,
		Screener:   screener,
		Estimator:  estimator,
		Planner:    planner,
		Arbiter:    arbiter,
		Alerts:     alerts,
		Plans:      plans,
	}, logger)

	ingester := ingest.NewIngester(store, logger)

	tleCfg := loadTLEConfig(logger)
	var bootstrap *ingest.TLEBootstrap
	if len(tleCfg.URLs) > 0 {
		bootstrap = ingest.NewTLEBootstrap(tleCfg, ingester, logger)
	}

	streamCfg := loadStreamConfig(logger)
	streams := stream.NewHandler(streamCfg, logger)

	srv := api.NewServer(addr, api.Deps{
		Store:     store,
		Engine:    eng,
		Ingester:  ingester,
		Bootstrap: bootstrap,
		Streams:   streams,
		Auth:      authCfg,
		Config:    configView(authCfg, engCfg, screenCfg, riskCfg, planCfg, arbCfg, tleCfg),
	}, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Seed the catalog from element-set sources before the first cycle.
	if bootstrap != nil {
		summary, err := bootstrap.Run(ctx)
		if err != nil {
			logger.Warn("element-set bootstrap incomplete",
				"applied", summary.Applied, "error", err)
		} else {
			logger.Info("element-set bootstrap complete",
				"received", summary.Received, "applied", summary.Applied, "dropped", summary.Dropped)
		}
	}

	// Start the assessment loop.
	go eng.Start(ctx)

	// Background goroutine to update the catalog age gauge.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				age := store.AgeSeconds()
				if age >= 0 {
					metrics.SetCatalogAge(age)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Background goroutine to snapshot the catalog for restart recovery.
	go func() {
		ticker := time.NewTicker(archiveCfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if store.Len() == 0 {
					continue
				}
				if err := archive.Save(store.Snapshot()); err != nil {
					logger.Warn("catalog snapshot failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("starting server",
			"addr", addr, "auth_enabled", authCfg.Enabled, "tle_sources", len(tleCfg.URLs))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Save a final snapshot so a restart resumes from the current catalog.
	if store.Len() > 0 {
		if err := archive.Save(store.Snapshot()); err != nil {
			logger.Warn("final catalog snapshot failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func configView(authCfg auth.Config, engCfg engine.Config, screenCfg screening.Config,
	riskCfg risk.Config, planCfg maneuver.Config, arbCfg coordination.Config,
	tleCfg ingest.TLEConfig) api.ConfigView {

	var prio map[string]int
	if len(planCfg.Priorities) > 0 {
		prio = make(map[string]int, len(planCfg.Priorities))
		for authority, rank := range planCfg.Priorities {
			prio[string(authority)] = rank
		}
	}

	return api.ConfigView{
		CyclePeriodSeconds:  engCfg.CyclePeriod.Seconds(),
		CycleBudgetSeconds:  engCfg.CycleBudget.Seconds(),
		HorizonHours:        screenCfg.Horizon.Hours(),
		CoarseStepSeconds:   screenCfg.CoarseStep.Seconds(),
		FineGateKm:          screenCfg.FineGateKm,
		WatchThreshold:      riskCfg.WatchThreshold,
		ActionThreshold:     riskCfg.ActionThreshold,
		DeltaVBudgetMps:     planCfg.MaxDeltaVMps,
		SafetyMargin:        planCfg.SafetyMargin,
		IterationCap:        arbCfg.IterationCap,
		AuthorityPriorities: prio,
		AuthEnabled:         authCfg.Enabled,
		TLESources:          tleCfg.URLs,
	}
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	enabledStr := os.Getenv("KESSLER_AUTH_ENABLED")
	if enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return cfg, errors.New("KESSLER_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("KESSLER_AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("KESSLER_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}

	return cfg, nil
}

type archiveConfig struct {
	Dir      string
	MaxFiles int
	Interval time.Duration
}

func loadArchiveConfig(logger *slog.Logger) archiveConfig {
	cfg := archiveConfig{
		Dir:      "/tmp/kessler/catalog",
		MaxFiles: 5,
		Interval: 600 * time.Second,
	}

	if v := os.Getenv("KESSLER_SNAPSHOT_DIR"); v != "" {
		cfg.Dir = v
	}

	if v := os.Getenv("KESSLER_SNAPSHOT_MAX_FILES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_SNAPSHOT_MAX_FILES value, using default", "value", v, "default", 5)
		} else {
			cfg.MaxFiles = n
		}
	}

	if v := os.Getenv("KESSLER_SNAPSHOT_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_SNAPSHOT_INTERVAL value, using default", "value", v, "default", 600)
		} else {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}

	logger.Info("archive config",
		"dir", cfg.Dir,
		"max_files", cfg.MaxFiles,
		"interval_seconds", cfg.Interval.Seconds(),
	)

	return cfg
}

// loadPriorities parses KESSLER_AUTHORITY_PRIORITIES, a comma-separated list
// of authority=rank pairs ("alpha=0,beta=1"). Lower ranks commit first during
// coordination. Malformed entries are skipped.
func loadPriorities(logger *slog.Logger) maneuver.PriorityTable {
	v := os.Getenv("KESSLER_AUTHORITY_PRIORITIES")
	if v == "" {
		return nil
	}

	table := make(maneuver.PriorityTable)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rankStr, ok := strings.Cut(pair, "=")
		if !ok {
			logger.Warn("invalid KESSLER_AUTHORITY_PRIORITIES entry, skipping", "entry", pair)
			continue
		}
		rank, err := strconv.Atoi(strings.TrimSpace(rankStr))
		if err != nil {
			logger.Warn("invalid KESSLER_AUTHORITY_PRIORITIES rank, skipping", "entry", pair)
			continue
		}
		table[catalog.Authority(strings.TrimSpace(name))] = rank
	}

	if len(table) == 0 {
		return nil
	}
	logger.Info("authority priorities", "entries", len(table))
	return table
}

func loadPropConfig(logger *slog.Logger) propagation.Config {
	cfg := propagation.Config{
		Workers: runtime.NumCPU(),
	}

	if v := os.Getenv("KESSLER_PROP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_PROP_WORKERS value, using default", "value", v, "default", cfg.Workers)
		} else {
			cfg.Workers = n
		}
	}

	logger.Info("propagation config", "workers", cfg.Workers)

	return cfg
}

func loadScreenConfig(logger *slog.Logger) screening.Config {
	cfg := screening.Config{
		Horizon:    72 * time.Hour,
		CoarseStep: 60 * time.Second,
		FineGateKm: 10,
		Workers:    runtime.NumCPU(),
	}

	if v := os.Getenv("KESSLER_LOOKAHEAD_HORIZON"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_LOOKAHEAD_HORIZON value, using default", "value", v, "default", 72)
		} else {
			cfg.Horizon = time.Duration(n) * time.Hour
		}
	}

	if v := os.Getenv("KESSLER_SCREEN_COARSE_STEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_SCREEN_COARSE_STEP value, using default", "value", v, "default", 60)
		} else {
			cfg.CoarseStep = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("KESSLER_SCREEN_FINE_GATE_KM"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			logger.Warn("invalid KESSLER_SCREEN_FINE_GATE_KM value, using default", "value", v, "default", 10)
		} else {
			cfg.FineGateKm = f
		}
	}

	if v := os.Getenv("KESSLER_SCREEN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_SCREEN_WORKERS value, using default", "value", v, "default", cfg.Workers)
		} else {
			cfg.Workers = n
		}
	}

	logger.Info("screening config",
		"horizon_hours", cfg.Horizon.Hours(),
		"coarse_step_seconds", cfg.CoarseStep.Seconds(),
		"fine_gate_km", cfg.FineGateKm,
		"workers", cfg.Workers,
	)

	return cfg
}

func loadRiskConfig(logger *slog.Logger) risk.Config {
	cfg := risk.Config{
		WatchThreshold:  1e-5,
		ActionThreshold: 1e-4,
		Workers:         runtime.NumCPU(),
	}

	if v := os.Getenv("KESSLER_WATCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f >= 1 {
			logger.Warn("invalid KESSLER_WATCH_THRESHOLD value, using default", "value", v, "default", 1e-5)
		} else {
			cfg.WatchThreshold = f
		}
	}

	if v := os.Getenv("KESSLER_ACTION_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f >= 1 {
			logger.Warn("invalid KESSLER_ACTION_THRESHOLD value, using default", "value", v, "default", 1e-4)
		} else {
			cfg.ActionThreshold = f
		}
	}

	if v := os.Getenv("KESSLER_RISK_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_RISK_WORKERS value, using default", "value", v, "default", cfg.Workers)
		} else {
			cfg.Workers = n
		}
	}

	logger.Info("risk config",
		"watch_threshold", cfg.WatchThreshold,
		"action_threshold", cfg.ActionThreshold,
		"workers", cfg.Workers,
	)

	return cfg
}

func loadPlannerConfig(logger *slog.Logger, priorities maneuver.PriorityTable) maneuver.Config {
	cfg := maneuver.Config{
		MaxDeltaVMps: 1.0,
		SafetyMargin: 5e-5,
		Priorities:   priorities,
	}

	if v := os.Getenv("KESSLER_MAX_DELTA_V"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			logger.Warn("invalid KESSLER_MAX_DELTA_V value, using default", "value", v, "default", 1.0)
		} else {
			cfg.MaxDeltaVMps = f
		}
	}

	if v := os.Getenv("KESSLER_SAFETY_MARGIN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f >= 1 {
			logger.Warn("invalid KESSLER_SAFETY_MARGIN value, using default", "value", v, "default", 5e-5)
		} else {
			cfg.SafetyMargin = f
		}
	}

	logger.Info("planner config",
		"delta_v_budget_m_s", cfg.MaxDeltaVMps,
		"safety_margin", cfg.SafetyMargin,
	)

	return cfg
}

func loadArbiterConfig(logger *slog.Logger, priorities maneuver.PriorityTable) coordination.Config {
	cfg := coordination.Config{
		IterationCap: 8,
		Priorities:   priorities,
	}

	if v := os.Getenv("KESSLER_COORDINATION_ITERATION_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_COORDINATION_ITERATION_CAP value, using default", "value", v, "default", 8)
		} else {
			cfg.IterationCap = n
		}
	}

	logger.Info("coordination config", "iteration_cap", cfg.IterationCap)

	return cfg
}

func loadEngineConfig(logger *slog.Logger) engine.Config {
	cfg := engine.Config{
		CyclePeriod: 5 * time.Minute,
		CycleBudget: 2 * time.Minute,
		PlanWorkers: runtime.NumCPU(),
	}

	if v := os.Getenv("KESSLER_CYCLE_PERIOD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_CYCLE_PERIOD value, using default", "value", v, "default", 300)
		} else {
			cfg.CyclePeriod = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("KESSLER_CYCLE_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_CYCLE_BUDGET value, using default", "value", v, "default", 120)
		} else {
			cfg.CycleBudget = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("KESSLER_PLAN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_PLAN_WORKERS value, using default", "value", v, "default", cfg.PlanWorkers)
		} else {
			cfg.PlanWorkers = n
		}
	}

	logger.Info("engine config",
		"cycle_period_seconds", cfg.CyclePeriod.Seconds(),
		"cycle_budget_seconds", cfg.CycleBudget.Seconds(),
		"plan_workers", cfg.PlanWorkers,
	)

	return cfg
}

func loadFeedCapacity(logger *slog.Logger) int {
	capacity := 1024

	if v := os.Getenv("KESSLER_FEED_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_FEED_CAPACITY value, using default", "value", v, "default", capacity)
		} else {
			capacity = n
		}
	}

	return capacity
}

func loadStreamConfig(logger *slog.Logger) stream.Config {
	cfg := stream.Config{
		MaxConcurrentPerIP: 10,
		MaxTotal:           1000,
		KeepaliveInterval:  30 * time.Second,
		SubscriberBuffer:   64,
	}

	if v := os.Getenv("KESSLER_STREAM_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_STREAM_MAX_CONCURRENT value, using default", "value", v, "default", 10)
		} else {
			cfg.MaxConcurrentPerIP = n
		}
	}

	if v := os.Getenv("KESSLER_STREAM_MAX_TOTAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_STREAM_MAX_TOTAL value, using default", "value", v, "default", 1000)
		} else {
			cfg.MaxTotal = n
		}
	}

	if v := os.Getenv("KESSLER_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_STREAM_KEEPALIVE_INTERVAL value, using default", "value", v, "default", 30)
		} else {
			cfg.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("KESSLER_STREAM_TRUST_PROXY"); v != "" {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid KESSLER_STREAM_TRUST_PROXY value, defaulting to false", "value", v)
		} else {
			cfg.TrustProxy = trust
		}
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"max_total", cfg.MaxTotal,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
		"trust_proxy", cfg.TrustProxy,
	)

	return cfg
}

func loadTLEConfig(logger *slog.Logger) ingest.TLEConfig {
	cfg := ingest.TLEConfig{
		Timeout:  30 * time.Second,
		MaxBytes: 4 << 20,
	}

	if v := os.Getenv("KESSLER_TLE_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
		cfg.URLs = urls
	}

	if v := os.Getenv("KESSLER_TLE_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_TLE_TIMEOUT value, using default", "value", v, "default", 30)
		} else {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("KESSLER_TLE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			logger.Warn("invalid KESSLER_TLE_MAX_BYTES value, using default", "value", v, "default", 4<<20)
		} else {
			cfg.MaxBytes = n
		}
	}

	if len(cfg.URLs) > 0 {
		logger.Info("element-set config",
			"urls", cfg.URLs,
			"timeout_seconds", cfg.Timeout.Seconds(),
		)
	}

	return cfg
}
