package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunSnapshotStoreContract runs a suite of tests to verify that a SnapshotStore
// implementation adheres to the defined interface contract.
func RunSnapshotStoreContract(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	runID := "contract-run-" + time.Now().Format("20060102150405.000000")

	snapshot := func(id string, stage domain.StageName, attempt, step int) domain.Snapshot {
		state := domain.NewRunState(id, stage)
		state.Step = step
		state.Topic = "tides"
		state.RetryCounts[stage] = attempt - 1
		state.Metadata["contract.step"] = step
		state.Sources = state.Sources.Merge(domain.Source{URL: "https://example.com/" + string(stage)})
		return domain.NewSnapshot(domain.SnapshotKey{RunID: id, Stage: stage, Attempt: attempt}, state)
	}

	t.Run("Save and Get", func(t *testing.T) {
		snap := snapshot(runID, "research", 1, 1)
		require.NoError(t, store.Save(ctx, snap), "Save should not return error")

		loaded, err := store.Get(ctx, snap.Key)
		require.NoError(t, err, "Get should not return error")
		assert.Equal(t, snap.Key, loaded.Key)
		assert.Equal(t, 1, loaded.Seq)
		require.NotNil(t, loaded.State)
		assert.Equal(t, "tides", loaded.State.Topic)
		assert.Equal(t, domain.StageName("research"), loaded.State.CurrentStage)
		assert.Len(t, loaded.State.Sources, 1)
		// JSON-backed stores turn numbers into float64; only check presence.
		assert.NotNil(t, loaded.State.Metadata["contract.step"])
	})

	t.Run("Latest follows Seq", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, snapshot(runID, "synthesize_script", 1, 2)))
		require.NoError(t, store.Save(ctx, snapshot(runID, "synthesize_script", 2, 3)))

		latest, err := store.Latest(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Seq)
		assert.Equal(t, domain.SnapshotKey{RunID: runID, Stage: "synthesize_script", Attempt: 2}, latest.Key)
		assert.Equal(t, 1, latest.State.RetryCounts["synthesize_script"])
	})

	t.Run("History is ordered", func(t *testing.T) {
		keys, err := store.History(ctx, runID)
		require.NoError(t, err)
		require.Len(t, keys, 3)
		assert.Equal(t, domain.StageName("research"), keys[0].Stage)
		assert.Equal(t, 1, keys[1].Attempt)
		assert.Equal(t, 2, keys[2].Attempt)
	})

	t.Run("Save overwrites same key", func(t *testing.T) {
		snap := snapshot(runID, "research", 1, 1)
		snap.State.Topic = "currents"
		require.NoError(t, store.Save(ctx, snap))

		loaded, err := store.Get(ctx, snap.Key)
		require.NoError(t, err)
		assert.Equal(t, "currents", loaded.State.Topic)

		keys, err := store.History(ctx, runID)
		require.NoError(t, err)
		assert.Len(t, keys, 3)
	})

	t.Run("Missing run", func(t *testing.T) {
		_, err := store.Latest(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)

		_, err = store.History(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)

		_, err = store.Get(ctx, domain.SnapshotKey{RunID: runID, Stage: "nope", Attempt: 9})
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})

	t.Run("List", func(t *testing.T) {
		other := runID + "-other"
		require.NoError(t, store.Save(ctx, snapshot(other, "research", 1, 1)))
		defer func() { _ = store.Delete(ctx, other) }()

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, runs, runID)
		assert.Contains(t, runs, other)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, runID), "Delete should not return error")

		_, err := store.Latest(ctx, runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Latest after Delete should return ErrRunNotFound")

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.NotContains(t, runs, runID)

		assert.NoError(t, store.Delete(ctx, runID), "deleting twice is not an error")
	})
}
