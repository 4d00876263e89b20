package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// DefaultLockTTL bounds how long a crashed process can hold a run.
const DefaultLockTTL = 10 * time.Minute

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates run access, ensuring a run is driven by one caller at
// a time. It uses reference counting to garbage collect unused locks.
type Manager struct {
	store ports.SnapshotStore

	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.Locker // Optional cross-process locker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables cross-process locking.
func WithLocker(locker ports.Locker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over the given snapshot store. store may be
// nil, in which case only locking is available.
func NewManager(store ports.SnapshotStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultLockTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(runID) after unlocking.
func (m *Manager) acquire(runID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[runID]
	if !exists {
		entry = &lockEntry{}
		m.locks[runID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[runID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, runID)
	}
}

// WithLock executes fn while holding the lock for the run.
func (m *Manager) WithLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	entry := m.acquire(runID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(runID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, runID, m.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire run lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release run lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Latest returns the most recent state of a run.
func (m *Manager) Latest(ctx context.Context, runID string) (*domain.RunState, error) {
	if m.store == nil {
		return nil, domain.ErrRunNotFound
	}
	snap, err := m.store.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.State, nil
}

// Snapshot returns one recorded snapshot.
func (m *Manager) Snapshot(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error) {
	if m.store == nil {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	return m.store.Get(ctx, key)
}

// History lists the snapshot keys of a run in the order they were taken.
func (m *Manager) History(ctx context.Context, runID string) ([]domain.SnapshotKey, error) {
	if m.store == nil {
		return nil, domain.ErrRunNotFound
	}
	return m.store.History(ctx, runID)
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.List(ctx)
}

// Delete removes a run while holding its lock.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	if m.store == nil {
		return nil
	}
	return m.WithLock(ctx, runID, func(ctx context.Context) error {
		return m.store.Delete(ctx, runID)
	})
}

// Store returns the underlying snapshot store.
func (m *Manager) Store() ports.SnapshotStore {
	return m.store
}
