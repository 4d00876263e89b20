package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventStageEnter    EventType = "stage_enter"
	EventStageLeave    EventType = "stage_leave"
	EventGateEvaluated EventType = "gate_evaluated"
	EventForcedAccept  EventType = "forced_accept"
	EventRunFinished   EventType = "run_finished"
	EventRunFailed     EventType = "run_failed"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
}

// StageEvent represents entry into or exit from a stage invocation.
type StageEvent struct {
	EventBase
	Stage    StageName     `json:"stage"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	// Diff summarises what the invocation's update changed (leave events only).
	Diff *StateDiff `json:"diff,omitempty"`
	Err  error      `json:"-"`
}

// GateEvent reports a gate verdict.
type GateEvent struct {
	EventBase
	Stage      StageName  `json:"stage"`
	Attempt    int        `json:"attempt"`
	Evaluation Evaluation `json:"evaluation"`
	Forced     bool       `json:"forced,omitempty"`
}

// RunEvent reports the end of a run.
type RunEvent struct {
	EventBase
	Status   RunStatus     `json:"status"`
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// LifecycleHooks defines callbacks for engine observability.
// Every hook is optional.
type LifecycleHooks struct {
	OnStageEnter    func(context.Context, *StageEvent)
	OnStageLeave    func(context.Context, *StageEvent)
	OnGateEvaluated func(context.Context, *GateEvent)
	OnForcedAccept  func(context.Context, *GateEvent)
	OnRunFinished   func(context.Context, *RunEvent)
	OnRunFailed     func(context.Context, *RunEvent)
}

// Merge combines hooks so that both h and other fire, h first.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStageEnter:    chain(h.OnStageEnter, other.OnStageEnter),
		OnStageLeave:    chain(h.OnStageLeave, other.OnStageLeave),
		OnGateEvaluated: chain(h.OnGateEvaluated, other.OnGateEvaluated),
		OnForcedAccept:  chain(h.OnForcedAccept, other.OnForcedAccept),
		OnRunFinished:   chain(h.OnRunFinished, other.OnRunFinished),
		OnRunFailed:     chain(h.OnRunFailed, other.OnRunFailed),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
