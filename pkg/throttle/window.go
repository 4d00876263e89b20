package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// window hands out start tokens.
type window interface {
	Wait(ctx context.Context) error
}

// slidingWindow is an exact sliding log. A grant at t is allowed only when
// fewer than limit grants happened in (t-width, t].
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	width  time.Duration
	grants []time.Time

	onGrant func(time.Time)
}

func newSlidingWindow(limit int, width time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		width:  width,
		grants: make([]time.Time, 0, limit),
	}
}

func (w *slidingWindow) Wait(ctx context.Context) error {
	for {
		wait, ok := w.tryGrant()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryGrant records a grant if the window has room, otherwise it returns how
// long until the oldest grant leaves the window.
func (w *slidingWindow) tryGrant() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.width)

	expired := 0
	for expired < len(w.grants) && !w.grants[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		w.grants = append(w.grants[:0], w.grants[expired:]...)
	}

	if len(w.grants) < w.limit {
		w.grants = append(w.grants, now)
		if w.onGrant != nil {
			w.onGrant(now)
		}
		return 0, true
	}

	return w.grants[0].Add(w.width).Sub(now), false
}

// pacedWindow spaces grants evenly at width/limit with a burst of one.
type pacedWindow struct {
	limiter *rate.Limiter
}

func newPacedWindow(limit int, width time.Duration) *pacedWindow {
	return &pacedWindow{
		limiter: rate.NewLimiter(rate.Every(pacedInterval(limit, width)), 1),
	}
}

// pacedInterval is width/limit rounded up, so limit intervals never add up
// to less than width. The extra nanosecond absorbs the truncation rate
// applies when turning its float limit back into a duration.
func pacedInterval(limit int, width time.Duration) time.Duration {
	n := time.Duration(limit)
	return (width+n-1)/n + time.Nanosecond
}

func (w *pacedWindow) Wait(ctx context.Context) error {
	return w.limiter.Wait(ctx)
}
