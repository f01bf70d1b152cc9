package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Archive persists catalog snapshots as timestamped JSON files so a restart
// can resume screening without waiting for the next telemetry batch.
type Archive struct {
	dir      string
	maxFiles int
}

// NewArchive creates an Archive writing to dir, keeping at most maxFiles.
func NewArchive(dir string, maxFiles int) *Archive {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Archive{
		dir:      dir,
		maxFiles: maxFiles,
	}
}

// archiveFileFormat is the on-disk layout of one snapshot file.
type archiveFileFormat struct {
	SavedAt time.Time       `json:"saved_at"`
	Objects []TrackedObject `json:"objects"`
}

// Save writes a snapshot to a timestamped file and prunes old files beyond
// maxFiles.
func (a *Archive) Save(snap *Snapshot) error {
	if err := a.ensureDir(); err != nil {
		return err
	}

	data, err := json.Marshal(archiveFileFormat{SavedAt: snap.TakenAt, Objects: snap.Objects})
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	filename := fmt.Sprintf("catalog_%d.json", snap.TakenAt.Unix())
	path := filepath.Join(a.dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot file: %w", err)
	}

	return a.prune()
}

// LoadLatest reads the newest snapshot file by timestamp in the filename.
// Returns the objects, the save time, and any error.
func (a *Archive) LoadLatest() ([]TrackedObject, time.Time, error) {
	files, err := a.listFiles()
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(files) == 0 {
		return nil, time.Time{}, fmt.Errorf("no snapshot files found")
	}

	// Files are sorted oldest first; take the last one.
	latest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(a.dir, latest.name))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading snapshot file: %w", err)
	}

	var decoded archiveFileFormat
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding snapshot file %s: %w", latest.name, err)
	}
	return decoded.Objects, decoded.SavedAt, nil
}

type archiveFile struct {
	name string
	ts   time.Time
}

func (a *Archive) listFiles() ([]archiveFile, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshot dir: %w", err)
	}

	var files []archiveFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "catalog_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		tsStr := strings.TrimPrefix(name, "catalog_")
		tsStr = strings.TrimSuffix(tsStr, ".json")
		unix, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, archiveFile{name: name, ts: time.Unix(unix, 0)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})

	return files, nil
}

func (a *Archive) prune() error {
	files, err := a.listFiles()
	if err != nil {
		return err
	}
	if len(files) <= a.maxFiles {
		return nil
	}

	toRemove := files[:len(files)-a.maxFiles]
	for _, f := range toRemove {
		path := filepath.Join(a.dir, f.name)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("pruning snapshot file %s: %w", f.name, err)
		}
	}
	return nil
}

func (a *Archive) ensureDir() error {
	return os.MkdirAll(a.dir, 0755)
}
