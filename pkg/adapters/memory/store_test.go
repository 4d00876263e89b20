package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	store := memory.NewStore()
	ports.RunSnapshotStoreContract(t, store)
}

func TestMemoryStore_Isolation(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	state := domain.NewRunState("r", "research")
	snap := domain.NewSnapshot(domain.SnapshotKey{RunID: "r", Stage: "research", Attempt: 1}, state)
	require.NoError(t, store.Save(ctx, snap))

	snap.State.Topic = "mutated after save"
	loaded, err := store.Latest(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, loaded.State.Topic)

	loaded.State.Topic = "mutated after load"
	again, err := store.Latest(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, again.State.Topic)
}

func TestMemoryLocker(t *testing.T) {
	locker := memory.NewLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "run-1", time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(short, "run-1", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other keys are independent.
	other, err := locker.Lock(ctx, "run-2", time.Second)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	acquired := make(chan struct{})
	go func() {
		u, err := locker.Lock(ctx, "run-1", time.Second)
		if err == nil {
			_ = u(ctx)
		}
		close(acquired)
	}()

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "unlocking twice is harmless")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken after unlock")
	}
}
