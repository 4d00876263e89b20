package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// Store implements ports.SnapshotStore in memory.
// Safe for concurrent use.
type Store struct {
	runs map[string]map[domain.SnapshotKey]domain.Snapshot
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		runs: make(map[string]map[domain.SnapshotKey]domain.Snapshot),
	}
}

// Save persists a copy of the snapshot in memory.
func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	// Deep copy to ensure isolation, similar to serialization
	snap.State = snap.State.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[snap.Key.RunID]
	if !ok {
		run = make(map[domain.SnapshotKey]domain.Snapshot)
		s.runs[snap.Key.RunID] = run
	}
	run[snap.Key] = snap
	return nil
}

// Get retrieves a copy of the snapshot stored under key.
func (s *Store) Get(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.runs[key.RunID][key]
	if !ok {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	return copySnapshot(snap), nil
}

// Latest retrieves the snapshot with the highest Seq.
func (s *Store) Latest(ctx context.Context, runID string) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.ordered(runID)
	if len(ordered) == 0 {
		return domain.Snapshot{}, domain.ErrRunNotFound
	}
	return copySnapshot(ordered[len(ordered)-1]), nil
}

// History lists snapshot keys ordered by Seq.
func (s *Store) History(ctx context.Context, runID string) ([]domain.SnapshotKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.ordered(runID)
	if len(ordered) == 0 {
		return nil, domain.ErrRunNotFound
	}
	keys := make([]domain.SnapshotKey, len(ordered))
	for i, snap := range ordered {
		keys[i] = snap.Key
	}
	return keys, nil
}

// Delete removes every snapshot of a run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// List returns the runs with snapshots, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.runs))
	for id := range s.runs {
		runs = append(runs, id)
	}
	slices.Sort(runs)
	return runs, nil
}

// ordered must be called with the read lock held.
func (s *Store) ordered(runID string) []domain.Snapshot {
	run := s.runs[runID]
	out := make([]domain.Snapshot, 0, len(run))
	for _, snap := range run {
		out = append(out, snap)
	}
	slices.SortFunc(out, compareSnapshots)
	return out
}

func compareSnapshots(a, b domain.Snapshot) int {
	if a.Seq != b.Seq {
		return a.Seq - b.Seq
	}
	return a.TakenAt.Compare(b.TakenAt)
}

// copySnapshot creates a copy on read so callers can't mutate store state by pointer.
func copySnapshot(snap domain.Snapshot) domain.Snapshot {
	snap.State = snap.State.Clone()
	return snap
}
