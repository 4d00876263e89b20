package middleware_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func sealed(t *testing.T, cfg middleware.EncryptionConfig, under *memory.Store) ports.SnapshotStore {
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	require.NoError(t, err)
	return middleware.Chain(under, mw)
}

func snapshotOf(topic, script string) domain.Snapshot {
	state := domain.NewRunState("run-1", "synthesize_script")
	state.Topic = topic
	state.Script = script
	state.Step = 2
	return domain.NewSnapshot(domain.SnapshotKey{RunID: "run-1", Stage: "synthesize_script", Attempt: 1}, state)
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	ctx := context.Background()
	under := memory.NewStore()
	store := sealed(t, middleware.EncryptionConfig{ActiveKey: generateKey(t)}, under)

	require.NoError(t, store.Save(ctx, snapshotOf("photosynthesis", "secret script")))

	raw, err := under.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, raw.State.Topic)
	assert.Empty(t, raw.State.Script)
	assert.Contains(t, raw.State.Metadata, "__encrypted__")
	assert.Equal(t, 2, raw.Seq, "ordering fields stay in the clear")
	assert.Equal(t, domain.StageName("synthesize_script"), raw.State.CurrentStage)

	got, err := store.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "photosynthesis", got.State.Topic)
	assert.Equal(t, "secret script", got.State.Script)

	byKey, err := store.Get(ctx, raw.Key)
	require.NoError(t, err)
	assert.Equal(t, "secret script", byKey.State.Script)

	runs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, runs)
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	ctx := context.Background()
	under := memory.NewStore()
	oldKey, newKey := generateKey(t), generateKey(t)

	oldStore := sealed(t, middleware.EncryptionConfig{ActiveKey: oldKey}, under)
	require.NoError(t, oldStore.Save(ctx, snapshotOf("old", "")))

	newStore := sealed(t, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}}, under)
	got, err := newStore.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "old", got.State.Topic)

	require.NoError(t, newStore.Save(ctx, snapshotOf("new", "")))
	_, err = oldStore.Latest(ctx, "run-1")
	assert.Error(t, err, "the old key alone cannot read snapshots sealed with the new key")
}

func TestEncryptionMiddleware_RejectsPlainSnapshots(t *testing.T) {
	ctx := context.Background()
	under := memory.NewStore()
	require.NoError(t, under.Save(ctx, snapshotOf("plain", "")))

	store := sealed(t, middleware.EncryptionConfig{ActiveKey: generateKey(t)}, under)
	_, err := store.Latest(ctx, "run-1")
	assert.ErrorContains(t, err, "encrypted envelope")
}

func TestEncryptionMiddleware_NotFoundPassesThrough(t *testing.T) {
	store := sealed(t, middleware.EncryptionConfig{ActiveKey: generateKey(t)}, memory.NewStore())
	_, err := store.Latest(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
	assert.ErrorIs(t, err, middleware.ErrInvalidKey)

	_, err = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte("short")},
	})
	assert.ErrorIs(t, err, middleware.ErrInvalidKey)
}

func TestParseKey(t *testing.T) {
	key := generateKey(t)
	got, err := middleware.ParseKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = middleware.ParseKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.ErrorIs(t, err, middleware.ErrInvalidKey)

	_, err = middleware.ParseKey("not base64!")
	assert.Error(t, err)
}
