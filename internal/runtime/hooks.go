package runtime

import (
	"context"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

func (e *Engine) base(t domain.EventType, state *domain.RunState) domain.EventBase {
	return domain.EventBase{Timestamp: time.Now(), Type: t, RunID: state.RunID}
}

func (e *Engine) emitStageEnter(ctx context.Context, state *domain.RunState, stage domain.StageName, attempt int) {
	if e.hooks.OnStageEnter == nil {
		return
	}
	e.hooks.OnStageEnter(ctx, &domain.StageEvent{
		EventBase: e.base(domain.EventStageEnter, state),
		Stage:     stage,
		Attempt:   attempt,
	})
}

func (e *Engine) emitStageLeave(ctx context.Context, before, after *domain.RunState, stage domain.StageName, attempt int, began time.Time, err error) {
	if e.hooks.OnStageLeave == nil {
		return
	}
	e.hooks.OnStageLeave(ctx, &domain.StageEvent{
		EventBase: e.base(domain.EventStageLeave, after),
		Stage:     stage,
		Attempt:   attempt,
		Duration:  time.Since(began),
		Diff:      domain.Diff(before, after),
		Err:       err,
	})
}

func (e *Engine) emitGate(ctx context.Context, hook func(context.Context, *domain.GateEvent), t domain.EventType, state *domain.RunState, stage domain.StageName, attempt int, eval domain.Evaluation, forced bool) {
	if hook == nil {
		return
	}
	hook(ctx, &domain.GateEvent{
		EventBase:  e.base(t, state),
		Stage:      stage,
		Attempt:    attempt,
		Evaluation: eval,
		Forced:     forced,
	})
}
