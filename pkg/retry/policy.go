package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/cenkalti/backoff/v5"
)

// ErrInvalidConfig is returned by New for an unusable configuration.
var ErrInvalidConfig = errors.New("retry: invalid config")

// Config bounds the retry behaviour.
type Config struct {
	// MaxAttempts includes the first attempt. Must be at least 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Validate checks the bounds.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.BaseDelay < 0:
		return fmt.Errorf("%w: base delay must not be negative", ErrInvalidConfig)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: max delay %s is below base delay %s", ErrInvalidConfig, c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// Classifier decides whether an error may be retried.
type Classifier func(error) domain.FailureClass

// NonIdempotent wraps a classifier so that timeouts are never retried: the
// request may already have taken effect.
func NonIdempotent(c Classifier) Classifier {
	return func(err error) domain.FailureClass {
		if errors.Is(err, context.DeadlineExceeded) || domain.CodeOf(err) == domain.CodeTimeout {
			return domain.ClassPermanent
		}
		return c(err)
	}
}

// Event describes a scheduled retry.
type Event struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// Policy runs operations with bounded retries.
// A Policy is stateless between runs and safe for concurrent use.
type Policy struct {
	cfg      Config
	classify Classifier
	sleep    func(context.Context, time.Duration) error
	onRetry  func(Event)
}

// Option configures a Policy.
type Option func(*Policy)

// WithClassifier replaces the default classifier (domain.ClassOf).
func WithClassifier(c Classifier) Option {
	return func(p *Policy) {
		p.classify = c
	}
}

// WithSleep replaces the timer used between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Policy) {
		p.sleep = sleep
	}
}

// WithOnRetry registers a callback invoked before each wait.
func WithOnRetry(fn func(Event)) Option {
	return func(p *Policy) {
		p.onRetry = fn
	}
}

// New creates a Policy.
func New(cfg Config, opts ...Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		cfg:      cfg,
		classify: domain.ClassOf,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the bounds the policy was built with.
func (p *Policy) Config() Config { return p.cfg }

// Run executes op until it succeeds, fails permanently, or the attempts run out.
// The last error is returned unchanged.
func (p *Policy) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := p.RunCounted(ctx, op)
	return err
}

// RunCounted is Run that also reports how many attempts were made.
func (p *Policy) RunCounted(ctx context.Context, op func(context.Context) error) (int, error) {
	schedule := p.schedule()
	var prev time.Duration

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.cfg.MaxAttempts || p.classify(err) != domain.ClassTransient {
			return attempt, err
		}

		delay := schedule.NextBackOff()
		if hint, ok := domain.RetryAfterOf(err); ok && hint > delay {
			delay = min(hint, p.cfg.MaxDelay)
		}
		delay = max(delay, prev)
		prev = delay

		if p.onRetry != nil {
			p.onRetry(Event{Attempt: attempt, Delay: delay, Err: err})
		}

		if serr := p.sleep(ctx, delay); serr != nil {
			return attempt, fmt.Errorf("retry aborted after attempt %d: %w", attempt, errors.Join(serr, err))
		}
	}
}

// Do is the value-returning form of Policy.Run.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Run(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

// Delays lists the waits a run would use if every attempt failed transiently
// without a provider hint.
func (p *Policy) Delays() []time.Duration {
	schedule := p.schedule()
	delays := make([]time.Duration, 0, p.cfg.MaxAttempts-1)
	for range p.cfg.MaxAttempts - 1 {
		delays = append(delays, schedule.NextBackOff())
	}
	return delays
}

func (p *Policy) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.cfg.MaxDelay,
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
