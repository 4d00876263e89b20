package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrInvalidConfig is returned by New for non-positive limits.
var ErrInvalidConfig = errors.New("throttle: invalid config")

// Mode selects the rolling window strategy.
type Mode string

const (
	ModeSliding Mode = "sliding"
	ModePaced   Mode = "paced"
)

// Config bounds one external service.
type Config struct {
	MaxConcurrent int
	MaxPerWindow  int
	Window        time.Duration
	Mode          Mode
}

// Validate checks that every limit is positive.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrent <= 0:
		return fmt.Errorf("%w: max concurrent must be positive, got %d", ErrInvalidConfig, c.MaxConcurrent)
	case c.MaxPerWindow <= 0:
		return fmt.Errorf("%w: max per window must be positive, got %d", ErrInvalidConfig, c.MaxPerWindow)
	case c.Window <= 0:
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	switch c.Mode {
	case "", ModeSliding, ModePaced:
		return nil
	}
	return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
}

// Stats is a point-in-time view of a Limiter's counters.
type Stats struct {
	TotalCalls   int64 `json:"total_calls"`
	InFlight     int   `json:"in_flight"`
	PeakInFlight int   `json:"peak_in_flight"`
}

// Limiter enforces a concurrency cap and a rolling window cap.
// Safe for concurrent use.
type Limiter struct {
	name   string
	cfg    Config
	slots  *semaphore.Weighted
	window window

	mu    sync.Mutex
	stats Stats
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithName labels the limiter, typically with the service it guards.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// New creates a Limiter. It returns ErrInvalidConfig for non-positive limits.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSliding
	}

	l := &Limiter{
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	switch cfg.Mode {
	case ModePaced:
		l.window = newPacedWindow(cfg.MaxPerWindow, cfg.Window)
	default:
		l.window = newSlidingWindow(cfg.MaxPerWindow, cfg.Window)
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name returns the limiter label.
func (l *Limiter) Name() string { return l.name }

// Config returns the limits the limiter was built with.
func (l *Limiter) Config() Config { return l.cfg }

// Do runs op once both a concurrency slot and a window token are available.
// op's error is returned unchanged. If ctx ends while waiting, op is not run
// and the context error is returned.
func (l *Limiter) Do(ctx context.Context, op func(context.Context) error) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("throttle %s: waiting for slot: %w", l.name, err)
	}
	defer l.slots.Release(1)

	if err := l.window.Wait(ctx); err != nil {
		return fmt.Errorf("throttle %s: waiting for window: %w", l.name, err)
	}

	l.enter()
	defer l.leave()

	return op(ctx)
}

// Execute is the value-returning form of Limiter.Do.
func Execute[T any](ctx context.Context, l *Limiter, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// ResetStats clears the totals and the peak. In-flight calls are still counted.
func (l *Limiter) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.TotalCalls = 0
	l.stats.PeakInFlight = l.stats.InFlight
}

func (l *Limiter) enter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.TotalCalls++
	l.stats.InFlight++
	if l.stats.InFlight > l.stats.PeakInFlight {
		l.stats.PeakInFlight = l.stats.InFlight
	}
}

func (l *Limiter) leave() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.InFlight--
}
