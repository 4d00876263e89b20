package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
)

// SnapshotStore persists run snapshots.
// Saves are best-effort from the engine's point of view: a failing store is
// logged and never halts a run.
type SnapshotStore interface {
	// Save persists a snapshot. Saving the same key twice overwrites it.
	Save(ctx context.Context, snap domain.Snapshot) error

	// Latest returns the snapshot of a run with the highest Seq.
	// Returns domain.ErrRunNotFound if the run has no snapshots.
	Latest(ctx context.Context, runID string) (domain.Snapshot, error)

	// Get returns the snapshot stored under key.
	// Returns domain.ErrSnapshotNotFound if absent.
	Get(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error)

	// History returns every snapshot key of a run ordered by Seq.
	// Returns domain.ErrRunNotFound if the run has no snapshots.
	History(ctx context.Context, runID string) ([]domain.SnapshotKey, error)

	// List returns the IDs of every run with at least one snapshot.
	List(ctx context.Context) ([]string, error)

	// Delete removes every snapshot of a run. Deleting an unknown run is not an error.
	Delete(ctx context.Context, runID string) error
}
