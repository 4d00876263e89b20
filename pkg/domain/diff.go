package domain

import (
	"reflect"
	"slices"
)

// StateDiff represents the changes between two run states.
// It is designed to be serialized to JSON for event consumers.
type StateDiff struct {
	// RunID is always present to identify the target.
	RunID string `json:"run_id"`

	CurrentStage *StageName `json:"current_stage,omitempty"`
	Status       *RunStatus `json:"status,omitempty"`

	// Fields names the scalar content fields that were replaced.
	Fields []string `json:"fields,omitempty"`

	AddedSources int `json:"added_sources,omitempty"`
	AddedImages  int `json:"added_images,omitempty"`
	AddedQueries int `json:"added_queries,omitempty"`

	// Calls holds the per-service increase of the call counters.
	Calls map[string]int `json:"calls,omitempty"`

	// Metadata contains only changed or added keys.
	Metadata map[string]any `json:"metadata,omitempty"`

	History *HistoryDelta `json:"history,omitempty"`
}

// HistoryDelta represents stages appended to the visited sequence.
type HistoryDelta struct {
	Appended []StageName `json:"appended"`
}

// Diff calculates the difference between oldState and newState.
// If oldState is nil, it returns a diff representing the entire newState.
// It returns nil when nothing changed.
func Diff(oldState, newState *RunState) *StateDiff {
	if newState == nil {
		return nil
	}
	old := oldState
	if old == nil {
		old = &RunState{}
	}

	diff := &StateDiff{RunID: newState.RunID}

	if oldState == nil || old.CurrentStage != newState.CurrentStage {
		diff.CurrentStage = &newState.CurrentStage
	}
	if oldState == nil || old.Status != newState.Status {
		diff.Status = &newState.Status
	}

	diff.Fields = diffFields(old, newState)
	diff.AddedSources = max(0, len(newState.Sources)-len(old.Sources))
	diff.AddedImages = max(0, len(newState.Images)-len(old.Images))
	diff.AddedQueries = max(0, len(newState.Queries)-len(old.Queries))
	diff.Calls = diffCalls(old.CallCounts, newState.CallCounts)
	diff.Metadata = diffMetadata(old.Metadata, newState.Metadata)
	diff.History = diffHistory(old.History, newState.History)

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

func diffFields(old, new *RunState) []string {
	var fields []string
	check := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	check("topic", old.Topic != new.Topic)
	check("outline", old.Outline != new.Outline)
	check("synthesis", old.Synthesis != new.Synthesis)
	check("script", old.Script != new.Script)
	check("sections", !reflect.DeepEqual(old.Sections, new.Sections))
	check("image_map", !reflect.DeepEqual(old.ImageMap, new.ImageMap))
	check("audio", !reflect.DeepEqual(old.Audio, new.Audio))
	return fields
}

func diffCalls(old, new map[string]int) map[string]int {
	delta := make(map[string]int)
	for k, n := range new {
		if d := n - old[k]; d > 0 {
			delta[k] = d
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

func diffMetadata(old, new map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, newVal := range new {
		oldVal, exists := old[k]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			delta[k] = newVal
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// diffHistory assumes append-only history.
func diffHistory(old, new []StageName) *HistoryDelta {
	if len(new) <= len(old) {
		return nil
	}
	return &HistoryDelta{Appended: slices.Clone(new[len(old):])}
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *StateDiff) IsEmpty() bool {
	return d.CurrentStage == nil &&
		d.Status == nil &&
		len(d.Fields) == 0 &&
		d.AddedSources == 0 &&
		d.AddedImages == 0 &&
		d.AddedQueries == 0 &&
		len(d.Calls) == 0 &&
		len(d.Metadata) == 0 &&
		d.History == nil
}
