package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SnapshotKey identifies a snapshot. Attempt is the stage's invocation number
// within the run, starting at 1.
type SnapshotKey struct {
	RunID   string    `json:"run_id"`
	Stage   StageName `json:"stage"`
	Attempt int       `json:"attempt"`
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.RunID, k.Stage, k.Attempt)
}

// Snapshot is a point-in-time copy of a run.
type Snapshot struct {
	Key SnapshotKey `json:"key"`
	// Seq orders snapshots of the same run; it equals State.Step when taken.
	Seq     int       `json:"seq"`
	TakenAt time.Time `json:"taken_at"`
	State   *RunState `json:"state"`
}

// NewSnapshot copies state under the given key.
func NewSnapshot(key SnapshotKey, state *RunState) Snapshot {
	return Snapshot{
		Key:     key,
		Seq:     state.Step,
		TakenAt: time.Now().UTC(),
		State:   state.Clone(),
	}
}

// NewRunID generates an identifier of the form run_YYYYMMDD_HHMMSS_xxxxxxxx.
func NewRunID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "run_" + time.Now().UTC().Format("20060102_150405") + "_" + id[:8]
}
