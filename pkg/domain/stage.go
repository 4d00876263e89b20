package domain

import "context"

// Feedback carries the previous gate rejection into the next attempt of a stage.
// The zero value means "first attempt, nothing to fix".
type Feedback struct {
	Attempt     int      `json:"attempt"`
	Issues      []string `json:"issues,omitempty"`
	FixGuidance string   `json:"fix_guidance,omitempty"`
}

// IsRetry reports whether this invocation follows a rejection.
func (f Feedback) IsRetry() bool {
	return len(f.Issues) > 0 || f.FixGuidance != ""
}

// Result is what a stage returns: the partial update plus the raw output the
// gate evaluates.
type Result struct {
	Update Update
	Output any
}

// Stage is a unit of work. It receives a read-only copy of the run state and
// must not retain it.
type Stage interface {
	Run(ctx context.Context, state *RunState, fb Feedback) (Result, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, state *RunState, fb Feedback) (Result, error)

func (f StageFunc) Run(ctx context.Context, state *RunState, fb Feedback) (Result, error) {
	return f(ctx, state, fb)
}

// Evaluation is a quality gate verdict.
type Evaluation struct {
	Passed      bool     `json:"passed"`
	Issues      []string `json:"issues,omitempty"`
	FixGuidance string   `json:"fix_guidance,omitempty"`
	Score       float64  `json:"score,omitempty"`
}

// Feedback converts a rejection into the feedback for the given attempt.
func (e Evaluation) Feedback(attempt int) Feedback {
	return Feedback{Attempt: attempt, Issues: e.Issues, FixGuidance: e.FixGuidance}
}

// Outcome is what edge selectors see about the stage that just finished.
type Outcome struct {
	Stage      StageName
	Attempt    int
	Output     any
	Evaluation *Evaluation
	Forced     bool
}

// CapPolicy decides what happens when a gated stage exhausts its retry cap.
type CapPolicy int

const (
	// CapForceAccept keeps the latest output and records a forced acceptance.
	CapForceAccept CapPolicy = iota
	// CapFail halts the run with a GateExhaustedError.
	CapFail
)

func (p CapPolicy) String() string {
	switch p {
	case CapFail:
		return "fail"
	default:
		return "force_accept"
	}
}

// ParseCapPolicy maps a configuration string onto a CapPolicy.
func ParseCapPolicy(s string) (CapPolicy, bool) {
	switch s {
	case "", "force_accept", "force-accept", "accept":
		return CapForceAccept, true
	case "fail":
		return CapFail, true
	}
	return CapForceAccept, false
}
