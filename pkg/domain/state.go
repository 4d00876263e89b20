package domain

import (
	"maps"
	"slices"
	"time"
)

// StageName identifies a stage in the pipeline graph.
type StageName string

// Terminated is the sink of every graph. It is only reachable through an explicit edge.
const Terminated StageName = "TERMINATED"

// RunStatus defines the lifecycle phase of a run.
type RunStatus string

const (
	StatusRunning    RunStatus = "running"
	StatusFailed     RunStatus = "failed"
	StatusTerminated RunStatus = "terminated"
)

// Section is one parsed part of a script.
type Section struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// AudioRef points to the synthesized narration of a run.
type AudioRef struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Chunks int    `json:"chunks"`
	Bytes  int64  `json:"bytes"`
}

// GateRecord is the latest gate verdict recorded for a stage.
type GateRecord struct {
	Passed      bool     `json:"passed"`
	Forced      bool     `json:"forced"`
	Attempts    int      `json:"attempts"`
	Issues      []string `json:"issues,omitempty"`
	FixGuidance string   `json:"fix_guidance,omitempty"`
	Score       float64  `json:"score,omitempty"`
}

// FailureRecord describes why a run halted.
type FailureRecord struct {
	Stage   StageName    `json:"stage"`
	Attempt int          `json:"attempt"`
	Class   FailureClass `json:"class"`
	Reason  string       `json:"reason"`
}

// RunState is the accumulated record of one pipeline execution.
//
// Control fields (CurrentStage, Status, Step, History, Failure, Pending,
// RetryCounts, Invocations, Gates) are owned by the engine. Stages only
// contribute through an Update, which cannot address control fields.
type RunState struct {
	RunID        string         `json:"run_id"`
	CurrentStage StageName      `json:"current_stage"`
	Status       RunStatus      `json:"status"`
	Step         int            `json:"step"`
	History      []StageName    `json:"history"`
	Failure      *FailureRecord `json:"failure,omitempty"`
	// Pending is the rejection feedback for the next attempt of CurrentStage.
	Pending      *Feedback      `json:"pending_feedback,omitempty"`

	Topic     string           `json:"topic"`
	Outline   string           `json:"outline,omitempty"`
	Synthesis string           `json:"synthesis,omitempty"`
	Script    string           `json:"script,omitempty"`
	Sections  []Section        `json:"sections,omitempty"`
	ImageMap  map[string][]int `json:"image_map,omitempty"`
	Audio     *AudioRef        `json:"audio,omitempty"`

	Sources KeyedSet[Source] `json:"sources"`
	Images  KeyedSet[Image]  `json:"images"`
	Queries KeyedSet[Query]  `json:"queries"`

	RetryCounts map[StageName]int        `json:"retry_counts"`
	Invocations map[StageName]int        `json:"invocations"`
	CallCounts  map[string]int           `json:"call_counts"`
	Gates       map[StageName]GateRecord `json:"gates,omitempty"`
	Metadata    map[string]any           `json:"metadata"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState creates a clean state positioned at the entry stage.
func NewRunState(runID string, entry StageName) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:        runID,
		CurrentStage: entry,
		Status:       StatusRunning,
		History:      []StageName{},
		RetryCounts:  make(map[StageName]int),
		Invocations:  make(map[StageName]int),
		CallCounts:   make(map[string]int),
		Gates:        make(map[StageName]GateRecord),
		Metadata:     make(map[string]any),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a copy that shares no mutable containers with s.
// Metadata values are copied shallowly.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.History = slices.Clone(s.History)
	c.Sections = slices.Clone(s.Sections)
	c.Sources = slices.Clone(s.Sources)
	c.Images = slices.Clone(s.Images)
	c.Queries = slices.Clone(s.Queries)
	if s.ImageMap != nil {
		c.ImageMap = make(map[string][]int, len(s.ImageMap))
		for k, v := range s.ImageMap {
			c.ImageMap[k] = slices.Clone(v)
		}
	}
	if s.Audio != nil {
		audio := *s.Audio
		c.Audio = &audio
	}
	if s.Failure != nil {
		failure := *s.Failure
		c.Failure = &failure
	}
	if s.Pending != nil {
		pending := *s.Pending
		pending.Issues = slices.Clone(s.Pending.Issues)
		c.Pending = &pending
	}
	c.RetryCounts = cloneMap(s.RetryCounts)
	c.Invocations = cloneMap(s.Invocations)
	c.CallCounts = cloneMap(s.CallCounts)
	c.Metadata = cloneMap(s.Metadata)
	c.Gates = make(map[StageName]GateRecord, len(s.Gates))
	for k, v := range s.Gates {
		v.Issues = slices.Clone(v.Issues)
		c.Gates[k] = v
	}
	return &c
}

// Terminal reports whether the run has stopped, successfully or not.
func (s *RunState) Terminal() bool {
	return s.Status == StatusTerminated || s.Status == StatusFailed
}

// TotalCalls sums the per-service call counters.
func (s *RunState) TotalCalls() int {
	total := 0
	for _, n := range s.CallCounts {
		total += n
	}
	return total
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return maps.Clone(m)
}
