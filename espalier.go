package espalier

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/session"
)

// Version is the library and CLI version.
const Version = "0.3.0"

// Graph is a validated stage graph, built with package dsl.
type Graph = runtime.Graph

// Engine is the high-level entry point for the library.
// It wraps the internal runtime and serializes access to each run.
type Engine struct {
	runtime  *runtime.Engine
	sessions *session.Manager
	store    ports.SnapshotStore
	locker   ports.Locker
	hooks    domain.LifecycleHooks
	logger   *slog.Logger
	maxSteps int
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore persists a snapshot after every stage invocation. Without a store
// runs cannot be resumed.
func WithStore(store ports.SnapshotStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLocker prevents two processes from driving the same run.
func WithLocker(locker ports.Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxSteps bounds the number of invocations per run.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// New creates an engine for graph.
func New(graph *Graph, opts ...Option) *Engine {
	e := &Engine{
		logger:   logging.NewNop(),
		maxSteps: runtime.DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}

	runtimeOpts := []runtime.EngineOption{
		runtime.WithHooks(e.hooks),
		runtime.WithLogger(e.logger),
		runtime.WithMaxSteps(e.maxSteps),
	}
	if e.store != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithSnapshotStore(e.store))
	}
	e.runtime = runtime.NewEngine(graph, runtimeOpts...)

	sessionOpts := []session.Option{session.WithLogger(e.logger)}
	if e.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(e.locker))
	}
	e.sessions = session.NewManager(e.store, sessionOpts...)
	return e
}

// Start runs a new run to completion. An empty runID generates one.
// On failure the report describes the failed state and err is a *domain.StageError.
func (e *Engine) Start(ctx context.Context, runID string, seed domain.Update) (*Report, error) {
	if runID == "" {
		runID = domain.NewRunID()
	}
	var state *domain.RunState
	started := time.Now()
	err := e.sessions.WithLock(ctx, runID, func(ctx context.Context) error {
		var err error
		state, err = e.runtime.Start(ctx, runID, seed)
		return err
	})
	return NewReport(state, time.Since(started)), err
}

// Resume continues a stored run from its latest snapshot.
func (e *Engine) Resume(ctx context.Context, runID string) (*Report, error) {
	var state *domain.RunState
	started := time.Now()
	err := e.sessions.WithLock(ctx, runID, func(ctx context.Context) error {
		var err error
		state, err = e.runtime.Resume(ctx, runID)
		return err
	})
	return NewReport(state, time.Since(started)), err
}

// Sessions gives read access to stored runs.
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// Graph returns the graph the engine runs.
func (e *Engine) Graph() *Graph {
	return e.runtime.Graph()
}

// Report summarises a run.
type Report struct {
	RunID    string                `json:"run_id"`
	Status   domain.RunStatus      `json:"status"`
	Steps    int                   `json:"steps"`
	History  []domain.StageName    `json:"history"`
	Calls    map[string]int        `json:"calls"`
	Forced   []domain.StageName    `json:"forced,omitempty"`
	Failure  *domain.FailureRecord `json:"failure,omitempty"`
	Duration time.Duration         `json:"duration"`
	State    *domain.RunState      `json:"-"`
}

// NewReport builds a report from a state. It returns nil for a nil state.
func NewReport(state *domain.RunState, took time.Duration) *Report {
	if state == nil {
		return nil
	}
	r := &Report{
		RunID:    state.RunID,
		Status:   state.Status,
		Steps:    state.Step,
		History:  slices.Clone(state.History),
		Calls:    state.CallCounts,
		Failure:  state.Failure,
		Duration: took,
		State:    state,
	}
	for _, name := range state.History {
		if state.Gates[name].Forced && !slices.Contains(r.Forced, name) {
			r.Forced = append(r.Forced, name)
		}
	}
	return r
}

// TotalCalls sums the per-service call counters.
func (r *Report) TotalCalls() int {
	return r.State.TotalCalls()
}
