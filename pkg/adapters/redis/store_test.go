package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)

	store := redis.NewFromClient(client)
	ports.RunSnapshotStoreContract(t, store)
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithTTL(1*time.Second))
	ctx := context.Background()
	key := domain.SnapshotKey{RunID: "run-ttl", Stage: "research", Attempt: 1}

	err := store.Save(ctx, domain.NewSnapshot(key, domain.NewRunState("run-ttl", "research")))
	require.NoError(t, err)

	runs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, runs, "run-ttl")

	// Expire keys in miniredis.
	mr.FastForward(2 * time.Second)

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	_, err = store.Latest(ctx, "run-ttl")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	// The index is pruned lazily against the wall clock.
	time.Sleep(1200 * time.Millisecond)

	runs, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()
	key := domain.SnapshotKey{RunID: "my-run", Stage: "research", Attempt: 1}

	err := store.Save(ctx, domain.NewSnapshot(key, domain.NewRunState("my-run", "research")))
	require.NoError(t, err)

	assert.True(t, mr.Exists("custom:app:snap:my-run:1|research"), "Expected snapshot key with custom prefix")
	assert.True(t, mr.Exists("custom:app:run:my-run"), "Expected run index with custom prefix")
	assert.True(t, mr.Exists("custom:app:index"), "Expected global index with custom prefix")
}
