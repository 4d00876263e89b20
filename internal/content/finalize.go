package content

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
)

// Summary is written as run.json next to the run's artifacts.
type Summary struct {
	RunID       string                                 `json:"run_id"`
	Topic       string                                 `json:"topic"`
	ScriptWords int                                    `json:"script_words"`
	Sections    int                                    `json:"sections"`
	Sources     int                                    `json:"sources"`
	Images      int                                    `json:"images"`
	MappedTo    int                                    `json:"mapped_sections"`
	Calls       map[string]int                         `json:"calls"`
	Gates       map[domain.StageName]domain.GateRecord `json:"gates"`
	Audio       *domain.AudioRef                       `json:"audio,omitempty"`
	Duration    float64                                `json:"duration_seconds"`
}

// Summarize builds the summary of a run.
func Summarize(state *domain.RunState, now time.Time) Summary {
	mapped := 0
	for _, indices := range state.ImageMap {
		if len(indices) > 0 {
			mapped++
		}
	}
	return Summary{
		RunID:       state.RunID,
		Topic:       state.Topic,
		ScriptWords: gate.CountWords(state.Script),
		Sections:    len(state.Sections),
		Sources:     len(state.Sources),
		Images:      len(state.Images),
		MappedTo:    mapped,
		Calls:       state.CallCounts,
		Gates:       state.Gates,
		Audio:       state.Audio,
		Duration:    now.Sub(state.StartedAt).Seconds(),
	}
}

func (p *Pipeline) finalize(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	summary := Summarize(state, time.Now().UTC())

	if dir := p.runDir(state.RunID); dir != "" {
		if err := writeFile(filepath.Join(dir, "script.txt"), []byte(state.Script+"\n")); err != nil {
			return domain.Result{}, err
		}
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return domain.Result{}, fmt.Errorf("failed to encode summary: %w", err)
		}
		if err := writeFile(filepath.Join(dir, "run.json"), data); err != nil {
			return domain.Result{}, err
		}
	}

	var update domain.Update
	update.Annotate("finalize.script_words", summary.ScriptWords)
	update.Annotate("finalize.source_count", summary.Sources)
	update.Annotate("finalize.image_count", summary.Images)
	update.Annotate("finalize.total_calls", state.TotalCalls())
	update.Annotate("finalize.duration_seconds", summary.Duration)
	return domain.Result{Update: update, Output: summary}, nil
}
