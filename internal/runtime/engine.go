package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
)

// DefaultMaxSteps bounds the number of stage invocations in one run.
const DefaultMaxSteps = 1000

// Engine drives a run through a Graph.
//
// Each invocation of a stage runs the stage against a read-only copy of the
// state, merges its update, evaluates the stage's gate, and then either loops
// back into the same stage with feedback, accepts (possibly forced), or fails.
// Accepted outcomes are routed along the stage's edge.
type Engine struct {
	graph    *Graph
	store    ports.SnapshotStore
	hooks    domain.LifecycleHooks
	logger   *slog.Logger
	maxSteps int
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithSnapshotStore enables best-effort snapshots after every invocation.
func WithSnapshotStore(store ports.SnapshotStore) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithHooks registers lifecycle hooks.
func WithHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxSteps overrides DefaultMaxSteps. Zero or less disables the guard.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// NewEngine creates an engine for a validated graph.
func NewEngine(g *Graph, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:    g,
		logger:   logging.NewNop(),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the graph the engine runs.
func (e *Engine) Graph() *Graph { return e.graph }

// Start creates a run positioned at the entry stage, applies seed, and runs it.
func (e *Engine) Start(ctx context.Context, runID string, seed domain.Update) (*domain.RunState, error) {
	if runID == "" {
		runID = domain.NewRunID()
	}
	state := domain.Apply(domain.NewRunState(runID, e.graph.Entry()), seed)
	return e.Run(ctx, state)
}

// Resume continues a run from its latest snapshot. A failed run restarts at
// the stage that failed, with the feedback it had pending.
func (e *Engine) Resume(ctx context.Context, runID string) (*domain.RunState, error) {
	if e.store == nil {
		return nil, errors.New("resume requires a snapshot store")
	}
	snap, err := e.store.Latest(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if snap.State.Status == domain.StatusTerminated {
		return snap.State, domain.ErrRunTerminal
	}
	if _, ok := e.graph.Stage(snap.State.CurrentStage); !ok {
		return snap.State, &domain.WiringError{Stage: snap.State.CurrentStage, Detail: "snapshot stage is not part of the graph"}
	}

	e.logger.Info("Resuming run",
		"run_id", runID,
		"stage", snap.State.CurrentStage,
		"step", snap.State.Step,
		"previous_status", snap.State.Status,
	)
	return e.Run(ctx, snap.State)
}

// Run executes state from its CurrentStage until TERMINATED or a fatal error.
// The returned state is always the latest one, also on error.
func (e *Engine) Run(ctx context.Context, state *domain.RunState) (*domain.RunState, error) {
	state = state.Clone()
	state.Status = domain.StatusRunning
	state.Failure = nil
	started := time.Now()
	firstStep := state.Step

	for state.CurrentStage != domain.Terminated {
		spec, ok := e.graph.Stage(state.CurrentStage)
		if !ok {
			return e.fail(ctx, state, started, &domain.StageError{
				Stage: state.CurrentStage,
				Class: domain.ClassWiring,
				Err:   &domain.WiringError{Stage: state.CurrentStage, Detail: "stage is not part of the graph"},
			})
		}
		if e.maxSteps > 0 && state.Step >= e.maxSteps {
			// Attributed to the last invocation so the failure overwrites its
			// snapshot instead of tying with it.
			last := spec.Name
			if n := len(state.History); n > 0 {
				last = state.History[n-1]
			}
			return e.fail(ctx, state, started, &domain.StageError{
				Stage:   last,
				Attempt: state.Invocations[last],
				Class:   domain.ClassWiring,
				Err:     fmt.Errorf("%w: %d", domain.ErrStepLimit, e.maxSteps),
			})
		}

		var err error
		state, err = e.invoke(ctx, state, spec)
		if err != nil {
			return e.fail(ctx, state, started, err)
		}
	}

	state.Status = domain.StatusTerminated
	e.logger.Info("Run finished",
		"run_id", state.RunID,
		"steps", state.Step-firstStep,
		"calls", state.TotalCalls(),
	)
	if e.hooks.OnRunFinished != nil {
		e.hooks.OnRunFinished(ctx, &domain.RunEvent{
			EventBase: e.base(domain.EventRunFinished, state),
			Status:    state.Status,
			Steps:     state.Step - firstStep,
			Duration:  time.Since(started),
		})
	}
	return state, nil
}

// invoke runs one attempt of spec and decides what comes next.
func (e *Engine) invoke(ctx context.Context, state *domain.RunState, spec StageSpec) (*domain.RunState, error) {
	name := spec.Name
	before := state.Clone()
	state.Invocations[name]++
	state.Step++
	state.History = append(state.History, name)
	attempt := state.Invocations[name]

	fb := domain.Feedback{Attempt: attempt}
	if state.Pending != nil {
		fb = *state.Pending
		fb.Attempt = attempt
	}

	log := e.logger.With("run_id", state.RunID, "stage", name, "attempt", attempt)
	log.Debug("Entering stage", "retry", fb.IsRetry())
	e.emitStageEnter(ctx, state, name, attempt)
	began := time.Now()

	stageCalls := service.NewTally()
	res, err := spec.Stage.Run(service.WithTally(ctx, stageCalls), state.Clone(), fb)
	if err != nil {
		state = domain.Apply(state, domain.Update{Calls: stageCalls.Counts()})
		e.emitStageLeave(ctx, before, state, name, attempt, began, err)
		return state, &domain.StageError{Stage: name, Attempt: attempt, Class: domain.ClassOf(err), Err: err}
	}

	update := res.Update
	update.Calls = addCounts(update.Calls, stageCalls.Counts())
	state = domain.Apply(state, update)
	state.Pending = nil

	out := domain.Outcome{Stage: name, Attempt: attempt, Output: res.Output}
	if spec.Gate != nil {
		gateCalls := service.NewTally()
		eval, err := spec.Gate.Evaluate(service.WithTally(ctx, gateCalls), gate.Candidate{
			Stage:   name,
			Attempt: attempt,
			Output:  res.Output,
			State:   state.Clone(),
		})
		state = domain.Apply(state, domain.Update{Calls: gateCalls.Counts()})
		if err != nil {
			e.emitStageLeave(ctx, before, state, name, attempt, began, err)
			return state, &domain.StageError{Stage: name, Attempt: attempt, Class: domain.ClassOf(err), Err: fmt.Errorf("gate: %w", err)}
		}
		out.Evaluation = &eval
		state.Gates[name] = domain.GateRecord{
			Passed:      eval.Passed,
			Attempts:    attempt,
			Issues:      eval.Issues,
			FixGuidance: eval.FixGuidance,
			Score:       eval.Score,
		}
		e.emitGate(ctx, e.hooks.OnGateEvaluated, domain.EventGateEvaluated, state, name, attempt, eval, false)
	}
	e.emitStageLeave(ctx, before, state, name, attempt, began, nil)

	if out.Evaluation != nil && !out.Evaluation.Passed {
		if state.RetryCounts[name] < spec.RetryCap {
			state.RetryCounts[name]++
			pending := out.Evaluation.Feedback(attempt + 1)
			state.Pending = &pending
			log.Info("Gate rejected output, retrying stage",
				"retries", state.RetryCounts[name],
				"cap", spec.RetryCap,
				"issues", out.Evaluation.Issues,
			)
			e.snapshot(ctx, state, name, attempt)
			return state, nil
		}

		if spec.OnCap == domain.CapFail {
			return state, &domain.StageError{
				Stage:   name,
				Attempt: attempt,
				Class:   domain.ClassGate,
				Err:     &domain.GateExhaustedError{Stage: name, Attempts: attempt, Issues: out.Evaluation.Issues},
			}
		}

		out.Forced = true
		rec := state.Gates[name]
		rec.Forced = true
		state.Gates[name] = rec
		state.Metadata[string(name)+".forced_accept"] = true
		log.Warn("Retry cap reached, accepting latest output",
			"cap", spec.RetryCap,
			"issues", out.Evaluation.Issues,
		)
		e.emitGate(ctx, e.hooks.OnForcedAccept, domain.EventForcedAccept, state, name, attempt, *out.Evaluation, true)
	}

	next, err := e.graph.next(state, out)
	if err != nil {
		return state, &domain.StageError{Stage: name, Attempt: attempt, Class: domain.ClassWiring, Err: err}
	}
	log.Debug("Routing", "next", next)

	state.CurrentStage = next
	if next == domain.Terminated {
		state.Status = domain.StatusTerminated
	}
	e.snapshot(ctx, state, name, attempt)
	return state, nil
}

// fail marks the run failed, snapshots it and reports the failure.
func (e *Engine) fail(ctx context.Context, state *domain.RunState, started time.Time, err error) (*domain.RunState, error) {
	var se *domain.StageError
	if !errors.As(err, &se) {
		se = &domain.StageError{Stage: state.CurrentStage, Class: domain.ClassOf(err), Err: err}
	}

	state.Status = domain.StatusFailed
	state.Failure = se.Record()
	e.logger.Error("Run failed",
		"run_id", state.RunID,
		"stage", se.Stage,
		"attempt", se.Attempt,
		"class", se.Class,
		"err", se.Err,
	)

	// The caller's context may be the reason we failed.
	e.snapshot(context.WithoutCancel(ctx), state, se.Stage, se.Attempt)

	if e.hooks.OnRunFailed != nil {
		e.hooks.OnRunFailed(ctx, &domain.RunEvent{
			EventBase: e.base(domain.EventRunFailed, state),
			Status:    state.Status,
			Steps:     state.Step,
			Duration:  time.Since(started),
			Err:       se,
		})
	}
	return state, se
}

func (e *Engine) snapshot(ctx context.Context, state *domain.RunState, stage domain.StageName, attempt int) {
	if e.store == nil {
		return
	}
	key := domain.SnapshotKey{RunID: state.RunID, Stage: stage, Attempt: attempt}
	if err := e.store.Save(ctx, domain.NewSnapshot(key, state)); err != nil {
		e.logger.Warn("Failed to save snapshot", "run_id", state.RunID, "key", key.String(), "err", err)
	}
}

func addCounts(a, b map[string]int) map[string]int {
	if len(b) == 0 {
		return a
	}
	out := maps.Clone(a)
	if out == nil {
		out = make(map[string]int, len(b))
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}
