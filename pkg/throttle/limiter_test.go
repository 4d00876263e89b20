package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func generous(maxConcurrent int) Config {
	return Config{MaxConcurrent: maxConcurrent, MaxPerWindow: 1000, Window: time.Minute}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero concurrency", Config{MaxConcurrent: 0, MaxPerWindow: 1, Window: time.Second}},
		{"zero rate", Config{MaxConcurrent: 1, MaxPerWindow: 0, Window: time.Second}},
		{"zero window", Config{MaxConcurrent: 1, MaxPerWindow: 1}},
		{"unknown mode", Config{MaxConcurrent: 1, MaxPerWindow: 1, Window: time.Second, Mode: "bursty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLimiter_ConcurrencyBound(t *testing.T) {
	l, err := New(generous(3), WithName("text"))
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	stats := l.Stats()
	assert.Equal(t, int64(12), stats.TotalCalls)
	assert.Equal(t, 0, stats.InFlight)
	assert.LessOrEqual(t, stats.PeakInFlight, 3)
	assert.Equal(t, 3, stats.PeakInFlight)
}

func TestLimiter_TwoSlotsFiveCalls(t *testing.T) {
	l, err := New(generous(2))
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				time.Sleep(100 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 550*time.Millisecond)
	assert.Equal(t, 2, l.Stats().PeakInFlight)
}

func TestLimiter_SlidingWindowBound(t *testing.T) {
	const (
		limit = 3
		width = 150 * time.Millisecond
		calls = 10
	)
	l, err := New(Config{MaxConcurrent: calls, MaxPerWindow: limit, Window: width})
	require.NoError(t, err)

	var mu sync.Mutex
	var grants []time.Time
	l.window.(*slidingWindow).onGrant = func(at time.Time) {
		mu.Lock()
		grants = append(grants, at)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()

	require.Len(t, grants, calls)
	for i := 0; i+limit < len(grants); i++ {
		gap := grants[i+limit].Sub(grants[i])
		assert.GreaterOrEqual(t, gap, width, "grants %d and %d are only %s apart", i, i+limit, gap)
	}
}

func TestLimiter_PacedWindowSpacing(t *testing.T) {
	l, err := New(Config{MaxConcurrent: 6, MaxPerWindow: 3, Window: 300 * time.Millisecond, Mode: ModePaced})
	require.NoError(t, err)

	start := time.Now()
	for range 6 {
		require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
	}

	// One token every 100ms with a burst of one: the sixth start is ~500ms in.
	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
}

func TestPacedInterval_RoundsUp(t *testing.T) {
	tests := []struct {
		limit int
		width time.Duration
	}{
		{3, 300 * time.Millisecond},
		{7, time.Second},
		{500, time.Minute},
		{3, 10 * time.Nanosecond},
	}
	for _, tt := range tests {
		interval := pacedInterval(tt.limit, tt.width)
		assert.GreaterOrEqual(t, time.Duration(tt.limit)*interval, tt.width,
			"%d intervals of %s fit in %s", tt.limit, interval, tt.width)
		assert.LessOrEqual(t, interval, tt.width/time.Duration(tt.limit)+2*time.Nanosecond)

		// What rate.Limiter actually spaces grants by.
		spacing := time.Duration(1e9 / float64(rate.Every(interval)))
		assert.GreaterOrEqual(t, time.Duration(tt.limit)*spacing, tt.width)
	}
}

func TestLimiter_PropagatesOpError(t *testing.T) {
	l, err := New(generous(1))
	require.NoError(t, err)

	boom := errors.New("boom")
	got := l.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.Same(t, boom, got)

	// The slot must have been released despite the failure.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Do(ctx, func(ctx context.Context) error { return nil }))
}

func TestLimiter_CancelWhileWaitingForSlot(t *testing.T) {
	l, err := New(generous(1))
	require.NoError(t, err)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ran := false
	err = l.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestExecute_ReturnsValue(t *testing.T) {
	l, err := New(generous(1))
	require.NoError(t, err)

	v, err := Execute(context.Background(), l, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestLimiter_ResetStats(t *testing.T) {
	l, err := New(generous(2))
	require.NoError(t, err)

	_ = l.Do(context.Background(), func(ctx context.Context) error { return nil })
	l.ResetStats()

	assert.Equal(t, Stats{}, l.Stats())
}
