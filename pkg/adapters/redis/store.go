package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

const defaultPrefix = "espalier:"

// Store implements ports.SnapshotStore using Redis.
//
// Layout (relative to the prefix):
//
//	snap:<run>:<attempt>|<stage>  JSON snapshot
//	run:<run>                     ZSET of "<attempt>|<stage>" scored by Seq
//	index                         ZSET of run IDs scored by expiry
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for snapshots.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: defaultPrefix,
		ttl:    0, // No expiration by default
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func member(key domain.SnapshotKey) string {
	return strconv.Itoa(key.Attempt) + "|" + string(key.Stage)
}

func parseMember(runID, m string) (domain.SnapshotKey, error) {
	attempt, stage, ok := strings.Cut(m, "|")
	if !ok {
		return domain.SnapshotKey{}, fmt.Errorf("malformed snapshot member %q", m)
	}
	n, err := strconv.Atoi(attempt)
	if err != nil {
		return domain.SnapshotKey{}, fmt.Errorf("malformed snapshot member %q: %w", m, err)
	}
	return domain.SnapshotKey{RunID: runID, Stage: domain.StageName(stage), Attempt: n}, nil
}

func (s *Store) snapKey(key domain.SnapshotKey) string {
	return s.prefix + "snap:" + key.RunID + ":" + member(key)
}

func (s *Store) runKey(runID string) string {
	return s.prefix + "run:" + runID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Save persists the snapshot and indexes it under its run.
func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()

	// Use 0 for no expiration if ttl is not set.
	pipe.Set(ctx, s.snapKey(snap.Key), data, s.ttl)

	pipe.ZAdd(ctx, s.runKey(snap.Key.RunID), backend.Z{
		Score:  float64(snap.Seq),
		Member: member(snap.Key),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.runKey(snap.Key.RunID), s.ttl)
	}

	// Score = Now + TTL. If TTL = 0, Score = +Inf (approx).
	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = 4102444800 // 2100-01-01
	}
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  score,
		Member: snap.Key.RunID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Get retrieves the snapshot stored under key.
func (s *Store) Get(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error) {
	snap, err := s.get(ctx, s.snapKey(key))
	if errors.Is(err, backend.Nil) {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	return snap, err
}

// Latest retrieves the snapshot with the highest Seq.
func (s *Store) Latest(ctx context.Context, runID string) (domain.Snapshot, error) {
	members, err := s.client.ZRevRange(ctx, s.runKey(runID), 0, 0).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read run index: %w", err)
	}
	if len(members) == 0 {
		return domain.Snapshot{}, domain.ErrRunNotFound
	}

	key, err := parseMember(runID, members[0])
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := s.get(ctx, s.snapKey(key))
	if errors.Is(err, backend.Nil) {
		// Index outlived the snapshot (TTL).
		return domain.Snapshot{}, domain.ErrRunNotFound
	}
	return snap, err
}

// History lists the run's snapshot keys ordered by Seq.
func (s *Store) History(ctx context.Context, runID string) ([]domain.SnapshotKey, error) {
	members, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}
	if len(members) == 0 {
		return nil, domain.ErrRunNotFound
	}

	keys := make([]domain.SnapshotKey, 0, len(members))
	for _, m := range members {
		key, err := parseMember(runID, m)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Delete removes every snapshot of the run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	members, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read run index: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, m := range members {
		key, err := parseMember(runID, m)
		if err != nil {
			return err
		}
		pipe.Del(ctx, s.snapKey(key))
	}
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)

	_, err = pipe.Exec(ctx)
	return err
}

// List returns known runs, lazily pruning expired ones from the index.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())

	// ZREMRANGEBYSCORE key -inf (now)
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired runs: %w", err)
	}

	runs, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) get(ctx context.Context, key string) (domain.Snapshot, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, fmt.Errorf("failed to get from redis: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}
