package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	redisadapter "github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/session"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SerializesRuns(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	ctx := context.Background()

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.WithLock(ctx, "same-run", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak, "two callers drove the same run at once")
}

func TestManager_DistributedLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := session.NewManager(nil, session.WithLocker(redisadapter.NewLocker(client, "espalier:")), session.WithLockTTL(time.Minute))
	b := session.NewManager(nil, session.WithLocker(redisadapter.NewLocker(client, "espalier:")), session.WithLockTTL(time.Minute))

	ctx := context.Background()
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = a.WithLock(ctx, "run-x", func(context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := b.WithLock(short, "run-x", func(context.Context) error { return nil })
	assert.Error(t, err, "a second process must not acquire a held run")

	close(done)
	require.Eventually(t, func() bool {
		return b.WithLock(ctx, "run-x", func(context.Context) error { return nil }) == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_ReadAccess(t *testing.T) {
	store := memory.NewStore()
	manager := session.NewManager(store)
	ctx := context.Background()

	state := domain.NewRunState("run-1", "research")
	state.Step = 1
	key := domain.SnapshotKey{RunID: "run-1", Stage: "research", Attempt: 1}
	require.NoError(t, store.Save(ctx, domain.NewSnapshot(key, state)))

	latest, err := manager.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", latest.RunID)

	keys, err := manager.History(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.SnapshotKey{key}, keys)

	ids, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)

	require.NoError(t, manager.Delete(ctx, "run-1"))
	_, err = manager.Latest(ctx, "run-1")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))

	_, err = session.NewManager(nil).Latest(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}
