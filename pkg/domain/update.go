package domain

import (
	"maps"
	"slices"
	"time"
)

// Update is a stage's partial contribution to RunState.
//
// Scalar fields are replaced wholesale when non-nil; Sections and ImageMap are
// replaced when non-nil (an empty, non-nil value clears them). Sources, Images
// and Queries are merged by key. Calls are added to the per-service counters.
// Metadata keys are set, never deleted.
type Update struct {
	Topic     *string
	Outline   *string
	Synthesis *string
	Script    *string
	Sections  []Section
	ImageMap  map[string][]int
	Audio     *AudioRef

	Sources []Source
	Images  []Image
	Queries []Query

	Calls    map[string]int
	Metadata map[string]any
}

// Ptr returns a pointer to v. Handy for populating Update scalars.
func Ptr[T any](v T) *T { return &v }

// IsEmpty reports whether applying u would leave a state unchanged.
func (u Update) IsEmpty() bool {
	return u.Topic == nil && u.Outline == nil && u.Synthesis == nil && u.Script == nil &&
		u.Sections == nil && u.ImageMap == nil && u.Audio == nil &&
		len(u.Sources) == 0 && len(u.Images) == 0 && len(u.Queries) == 0 &&
		len(u.Calls) == 0 && len(u.Metadata) == 0
}

// Call records n calls to the named service.
func (u *Update) Call(service string, n int) {
	if n <= 0 {
		return
	}
	if u.Calls == nil {
		u.Calls = make(map[string]int)
	}
	u.Calls[service] += n
}

// Annotate sets a metadata key.
func (u *Update) Annotate(key string, value any) {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	u.Metadata[key] = value
}

// Apply folds u into a copy of state and returns the copy. The input is never mutated.
//
// Accumulating fields only grow: applying the same Update twice yields the same
// Sources, Images and Queries as applying it once. Counters never decrease;
// negative call counts are ignored.
func Apply(state *RunState, u Update) *RunState {
	next := state.Clone()

	if u.Topic != nil {
		next.Topic = *u.Topic
	}
	if u.Outline != nil {
		next.Outline = *u.Outline
	}
	if u.Synthesis != nil {
		next.Synthesis = *u.Synthesis
	}
	if u.Script != nil {
		next.Script = *u.Script
	}
	if u.Sections != nil {
		next.Sections = slices.Clone(u.Sections)
	}
	if u.ImageMap != nil {
		next.ImageMap = make(map[string][]int, len(u.ImageMap))
		for k, v := range u.ImageMap {
			next.ImageMap[k] = slices.Clone(v)
		}
	}
	if u.Audio != nil {
		audio := *u.Audio
		next.Audio = &audio
	}

	if len(u.Sources) > 0 {
		next.Sources = next.Sources.Merge(u.Sources...)
	}
	if len(u.Images) > 0 {
		next.Images = next.Images.Merge(u.Images...)
	}
	if len(u.Queries) > 0 {
		next.Queries = next.Queries.Merge(u.Queries...)
	}

	for service, n := range u.Calls {
		if n > 0 {
			next.CallCounts[service] += n
		}
	}
	maps.Copy(next.Metadata, u.Metadata)

	next.UpdatedAt = time.Now().UTC()
	return next
}
