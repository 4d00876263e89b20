package service

import (
	"context"
	"maps"
	"sync"
)

// Tally counts external calls made during one stage invocation.
// A nil *Tally ignores records.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

// Record counts one call to the named service.
func (t *Tally) Record(service string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[service]++
}

// Counts returns a copy of the counters, ready for domain.Update.Calls.
func (t *Tally) Counts() map[string]int {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.counts) == 0 {
		return nil
	}
	return maps.Clone(t.counts)
}

type tallyKey struct{}

// WithTally attaches a tally to ctx.
func WithTally(ctx context.Context, t *Tally) context.Context {
	return context.WithValue(ctx, tallyKey{}, t)
}

// TallyFrom returns the tally attached to ctx, or nil.
func TallyFrom(ctx context.Context) *Tally {
	t, _ := ctx.Value(tallyKey{}).(*Tally)
	return t
}
