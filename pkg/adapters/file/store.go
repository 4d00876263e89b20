package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// Store implements ports.SnapshotStore using the local filesystem.
// Each run is a directory; each snapshot is a JSON file named <stage>.<attempt>.json.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".espalier/runs".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".espalier", "runs")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) runDir(runID string) (string, error) {
	if err := checkName("run id", runID); err != nil {
		return "", err
	}
	return filepath.Join(s.BasePath, runID), nil
}

func (s *Store) snapshotPath(key domain.SnapshotKey) (string, error) {
	dir, err := s.runDir(key.RunID)
	if err != nil {
		return "", err
	}
	if err := checkName("stage", string(key.Stage)); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%d.json", key.Stage, key.Attempt)), nil
}

// Save persists the snapshot to a JSON file atomically.
// It writes to a temporary file first, syncs via fsync, and then renames it to the destination.
func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	destPath, err := s.snapshotPath(snap.Key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(destPath)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure run directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Same directory keeps the rename on one filesystem.
	tmpFile, err := os.CreateTemp(dir, "tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Cannot rename an open file on Windows.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// On Windows, os.Rename fails if dest exists.
	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove existing snapshot for overwrite: %w", err)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file to snapshot: %w", err)
	}
	return nil
}

// Get reads the snapshot stored under key.
func (s *Store) Get(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error) {
	path, err := s.snapshotPath(key)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := readSnapshot(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	return snap, err
}

// Latest reads every snapshot of the run and returns the one with the highest Seq.
func (s *Store) Latest(ctx context.Context, runID string) (domain.Snapshot, error) {
	snaps, err := s.load(runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snaps[len(snaps)-1], nil
}

// History returns the run's snapshot keys ordered by Seq.
func (s *Store) History(ctx context.Context, runID string) ([]domain.SnapshotKey, error) {
	snaps, err := s.load(runID)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.SnapshotKey, len(snaps))
	for i, snap := range snaps {
		keys[i] = snap.Key
	}
	return keys, nil
}

// Delete removes the run directory.
func (s *Store) Delete(ctx context.Context, runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// List returns every run directory that holds at least one snapshot.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := snapshotFiles(filepath.Join(s.BasePath, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			runs = append(runs, entry.Name())
		}
	}
	return runs, nil
}

// load returns all snapshots of a run ordered by Seq.
func (s *Store) load(runID string) ([]domain.Snapshot, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	files, err := snapshotFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.ErrRunNotFound
	}

	snaps := make([]domain.Snapshot, 0, len(files))
	for _, path := range files {
		snap, err := readSnapshot(path)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	slices.SortFunc(snaps, func(a, b domain.Snapshot) int {
		if a.Seq != b.Seq {
			return a.Seq - b.Seq
		}
		return a.TakenAt.Compare(b.TakenAt)
	})
	return snaps, nil
}

func snapshotFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "tmp-") || filepath.Ext(name) != ".json" {
			continue
		}
		// <stage>.<attempt>.json
		base := strings.TrimSuffix(name, ".json")
		dot := strings.LastIndex(base, ".")
		if dot <= 0 {
			continue
		}
		if _, err := strconv.Atoi(base[dot+1:]); err != nil {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files, nil
}

func readSnapshot(path string) (domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

func checkName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%s %q is not a valid path segment", what, name)
	}
	return nil
}
