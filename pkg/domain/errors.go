package domain

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned when a run ID cannot be found in the snapshot store.
var ErrRunNotFound = errors.New("run not found")

// ErrSnapshotNotFound is returned when a specific snapshot key is absent.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrInvalidGraph is returned when a graph fails construction-time validation.
var ErrInvalidGraph = errors.New("invalid graph")

// ErrWiring marks programming errors: missing prerequisites, undeclared routes.
var ErrWiring = errors.New("wiring error")

// ErrStepLimit is returned when a run exceeds the configured number of steps.
var ErrStepLimit = errors.New("step limit exceeded")

// ErrGateExhausted is matched by GateExhaustedError.
var ErrGateExhausted = errors.New("quality gate retry cap exhausted")

// ErrRunTerminal is returned when resuming a run that already finished.
var ErrRunTerminal = errors.New("run already terminated")

// WiringError reports a stage that ran without its prerequisites, or a route
// that points outside the declared graph.
type WiringError struct {
	Stage  StageName
	Detail string
}

// NewWiringError reports a missing prerequisite state field.
func NewWiringError(stage StageName, field string) *WiringError {
	return &WiringError{Stage: stage, Detail: "missing prerequisite " + field}
}

func (e *WiringError) Error() string {
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Detail)
}

func (e *WiringError) Unwrap() error { return ErrWiring }

// GateExhaustedError is returned when a stage with CapFail keeps failing its gate.
type GateExhaustedError struct {
	Stage    StageName
	Attempts int
	Issues   []string
}

func (e *GateExhaustedError) Error() string {
	return fmt.Sprintf("stage %q rejected %d times: %v", e.Stage, e.Attempts, e.Issues)
}

func (e *GateExhaustedError) Unwrap() error { return ErrGateExhausted }

// StageError is the fatal error of a run. It names the stage, the attempt
// (invocation number) and the classified reason.
type StageError struct {
	Stage   StageName
	Attempt int
	Class   FailureClass
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed on attempt %d (%s): %v", e.Stage, e.Attempt, e.Class, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Record converts the error into the FailureRecord stored on the run.
func (e *StageError) Record() *FailureRecord {
	return &FailureRecord{Stage: e.Stage, Attempt: e.Attempt, Class: e.Class, Reason: e.Err.Error()}
}

// GraphError lists every problem found while validating a graph.
type GraphError struct {
	Problems []string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid graph: %v", e.Problems)
}

func (e *GraphError) Unwrap() error { return ErrInvalidGraph }
