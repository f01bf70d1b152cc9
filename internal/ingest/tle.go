package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/orbit"
)

// TLEConfig holds element-set bootstrap tuning loaded from environment
// variables.
type TLEConfig struct {
	URLs     []string      // element-set sources, fetched independently
	Timeout  time.Duration // per-request timeout (default: 30s)
	MaxBytes int64         // response size cap (default: 4 MiB)
}

func (c TLEConfig) withDefaults() TLEConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 << 20
	}
	return c
}

// TLEBootstrap seeds the catalog from public two-line element sets. Each
// entry is run through SGP4 at its own epoch to produce an inertial state
// vector, then ingested as telemetry with a class-default covariance.
type TLEBootstrap struct {
	config   TLEConfig
	ingester *Ingester
	client   *http.Client
	logger   *slog.Logger
}

// NewTLEBootstrap creates a bootstrap loader.
func NewTLEBootstrap(config TLEConfig, ingester *Ingester, logger *slog.Logger) *TLEBootstrap {
	config = config.withDefaults()
	return &TLEBootstrap{
		config:   config,
		ingester: ingester,
		client:   &http.Client{Timeout: config.Timeout},
		logger:   logger,
	}
}

// Run fetches every configured source and applies the parsed entries as one
// batch. A failing source is logged and skipped; its error is folded into the
// returned error while the other sources still load.
func (b *TLEBootstrap) Run(ctx context.Context) (Summary, error) {
	var (
		records []Record
		errs    []error
	)
	for _, url := range b.config.URLs {
		data, err := b.fetch(ctx, url)
		if err != nil {
			b.logger.Error("element-set fetch failed", "url", url, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		entries := parseElementSets(data, b.logger)
		var converted int
		for _, es := range entries {
			rec, err := es.record()
			if err != nil {
				b.logger.Warn("element set unusable", "norad_id", es.NoradID, "name", es.Name, "error", err)
				continue
			}
			records = append(records, rec)
			converted++
		}
		b.logger.Info("element sets loaded",
			"url", url,
			"entries", len(entries),
			"converted", converted,
		)
	}
	return b.ingester.Apply(records), errors.Join(errs...)
}

// fetch GETs one source with the response size capped.
func (b *TLEBootstrap) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching element sets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, b.config.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(body)) > b.config.MaxBytes {
		return nil, fmt.Errorf("response exceeds %d byte limit", b.config.MaxBytes)
	}
	return body, nil
}

// elementSet is one parsed 3-line entry.
type elementSet struct {
	NoradID int
	Name    string
	Epoch   time.Time
	Line1   string
	Line2   string
}

// parseElementSets reads the 3-line NORAD format. Malformed entries are
// skipped with a warning; a bad triplet never poisons the rest of the file.
func parseElementSets(data []byte, logger *slog.Logger) []elementSet {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r\n "); line != "" {
			lines = append(lines, line)
		}
	}

	var entries []elementSet
	for i := 0; i+2 < len(lines); {
		name, line1, line2 := lines[i], lines[i+1], lines[i+2]
		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			logger.Warn("skipping malformed element set", "line_index", i, "name", name)
			i++
			continue
		}
		if len(line1) < 32 {
			logger.Warn("skipping truncated element set", "name", name)
			i += 3
			continue
		}
		noradID, err := strconv.Atoi(strings.TrimSpace(line1[2:7]))
		if err != nil {
			logger.Warn("skipping element set with bad catalog number", "name", name, "field", line1[2:7])
			i += 3
			continue
		}
		epoch, err := parseTLEEpoch(strings.TrimSpace(line1[18:32]))
		if err != nil {
			logger.Warn("skipping element set with bad epoch", "name", name, "error", err)
			i += 3
			continue
		}
		entries = append(entries, elementSet{
			NoradID: noradID,
			Name:    strings.TrimSpace(name),
			Epoch:   epoch,
			Line1:   line1,
			Line2:   line2,
		})
		i += 3
	}
	return entries
}

// parseTLEEpoch converts the YYDDD.DDDDDDDD epoch field. Years 00-56 map to
// the 2000s, 57-99 to the 1900s.
func parseTLEEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch field too short: %q", s)
	}
	year, err := strconv.Atoi(s[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad epoch year %q: %w", s[:2], err)
	}
	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}
	day, err := strconv.ParseFloat(s[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad epoch day %q: %w", s[2:], err)
	}
	// Day is 1-based: day 1.0 is January 1 00:00.
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((day - 1) * float64(24*time.Hour))), nil
}

// record runs SGP4 at the entry's epoch and builds a telemetry record.
//
// Lines are length-checked first: the SGP4 library terminates the process on
// malformed input rather than returning an error. Output is checked for
// NaN/Inf and an orbit-plausible magnitude because the library's Propagate
// takes its receiver by value and its error codes are not visible here.
func (es *elementSet) record() (Record, error) {
	if len(es.Line1) != 69 || len(es.Line2) != 69 {
		return Record{}, fmt.Errorf("line lengths %d/%d, want 69/69", len(es.Line1), len(es.Line2))
	}

	sat := satellite.TLEToSat(es.Line1, es.Line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return Record{}, fmt.Errorf("sgp4 init failed: code %d %s", sat.Error, sat.ErrorStr)
	}

	epoch := es.Epoch.Truncate(time.Second)
	y, mo, d := epoch.Date()
	hh, mm, ss := epoch.Clock()
	pos, vel := satellite.Propagate(sat, y, int(mo), d, hh, mm, ss)

	p := orbit.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	v := orbit.Vec3{X: vel.X, Y: vel.Y, Z: vel.Z}
	if !finiteVec(p) || !finiteVec(v) {
		return Record{}, errors.New("sgp4 output is not finite")
	}
	if mag := p.Norm(); mag < 6200 || mag > 50000 {
		return Record{}, fmt.Errorf("sgp4 position magnitude %.1f km is implausible", mag)
	}

	class := classifyName(es.Name)
	mass, area := classDefaults(class)
	return Record{
		ID:             fmt.Sprintf("NORAD-%05d", es.NoradID),
		Name:           es.Name,
		Class:          string(class),
		MassKg:         mass,
		CrossSectionM2: area,
		Epoch:          epoch,
		Position:       p,
		Velocity:       v,
		Cov:            tleCovariance(class),
	}, nil
}

// classifyName infers the object class from catalog naming conventions:
// fragmentation debris carries a DEB suffix, spent upper stages R/B.
func classifyName(name string) catalog.Class {
	up := strings.ToUpper(name)
	switch {
	case strings.Contains(up, " DEB"):
		return catalog.ClassDebris
	case strings.Contains(up, "R/B"):
		return catalog.ClassRocketBody
	default:
		return catalog.ClassSatellite
	}
}

// classDefaults supplies mass (kg) and cross-section (m²) for objects whose
// element sets carry no physical data.
func classDefaults(class catalog.Class) (float64, float64) {
	switch class {
	case catalog.ClassRocketBody:
		return 2000, 25
	case catalog.ClassDebris:
		return 10, 0.5
	default:
		return 500, 10
	}
}

// tleCovariance is the default state uncertainty for element-set telemetry.
// Public GP data is kilometer-grade; uncontrolled objects track worse.
func tleCovariance(class catalog.Class) catalog.Covariance {
	sigma := 1.0 // km
	if class != catalog.ClassSatellite {
		sigma = 2.0
	}
	var cov catalog.Covariance
	for i := 0; i < 3; i++ {
		cov[i][i] = sigma * sigma
		cov[i+3][i+3] = 1e-6
	}
	return cov
}
