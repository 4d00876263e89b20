package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/retry"
	"github.com/aretw0/espalier/pkg/throttle"
)

// Config describes the budget of one external service.
type Config struct {
	Throttle throttle.Config
	Retry    retry.Config
	// Timeout bounds every individual attempt. Zero means no per-call timeout.
	Timeout time.Duration
	// NonIdempotent disables retrying on timeouts.
	NonIdempotent bool
}

// Client is a (Limiter, Policy) pair for one external service.
//
// Every attempt independently takes a limiter slot and window token, so that
// retries count against the service's budget and no slot is held while
// backing off.
type Client struct {
	name    string
	cfg     Config
	limiter *throttle.Limiter
	policy  *retry.Policy
	logger  *slog.Logger

	retryOpts []retry.Option
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used to report retries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetryOptions forwards options to the underlying retry policy.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) {
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// New creates a Client named after the service it guards.
func New(name string, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		name:   name,
		cfg:    cfg,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	limiter, err := throttle.New(cfg.Throttle, throttle.WithName(name))
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}

	classify := retry.Classifier(domain.ClassOf)
	if cfg.NonIdempotent {
		classify = retry.NonIdempotent(classify)
	}
	retryOpts := append([]retry.Option{
		retry.WithClassifier(classify),
		retry.WithOnRetry(c.logRetry),
	}, c.retryOpts...)

	policy, err := retry.New(cfg.Retry, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}

	c.limiter = limiter
	c.policy = policy
	return c, nil
}

// Name returns the service name. It is also the key used in call counters.
func (c *Client) Name() string { return c.name }

// Limiter exposes the limiter, mostly for metrics.
func (c *Client) Limiter() *throttle.Limiter { return c.limiter }

// Stats returns the limiter counters.
func (c *Client) Stats() throttle.Stats { return c.limiter.Stats() }

// Do runs op under the retry policy, each attempt through the limiter and
// bounded by the per-call timeout. Every attempt is recorded in the Tally
// carried by ctx, if any. Failures are tagged with the service name.
func (c *Client) Do(ctx context.Context, op func(context.Context) error) error {
	tally := TallyFrom(ctx)

	err := c.policy.Run(ctx, func(ctx context.Context) error {
		return c.limiter.Do(ctx, func(ctx context.Context) error {
			tally.Record(c.name)
			if c.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
				defer cancel()
			}
			return op(ctx)
		})
	})
	return domain.WithService(err, c.name)
}

// Call is the value-returning form of Client.Do.
func Call[T any](ctx context.Context, c *Client, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

func (c *Client) logRetry(e retry.Event) {
	c.logger.Warn("Retrying external call",
		"service", c.name,
		"attempt", e.Attempt,
		"delay", e.Delay,
		"err", e.Err,
	)
}
