package tui

import (
	"bytes"
	"testing"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func TestCompactHistory(t *testing.T) {
	assert.Equal(t, "a → b ×3 → c", compactHistory([]domain.StageName{"a", "b", "b", "b", "c"}))
	assert.Equal(t, "", compactHistory(nil))
}

func TestReportPrinter(t *testing.T) {
	state := domain.NewRunState("run_1", "draft")
	state.Status = domain.StatusFailed
	state.Step = 4
	state.History = []domain.StageName{"draft", "draft", "draft", "publish"}
	state.CallCounts = map[string]int{"text": 5, "search": 2}
	state.Gates["draft"] = domain.GateRecord{Forced: true, Attempts: 3, Issues: []string{"too short"}}
	state.Failure = &domain.FailureRecord{Stage: "publish", Attempt: 1, Class: domain.ClassPermanent, Reason: "unauthorized"}

	var buf bytes.Buffer
	NewReportPrinter(&buf, termenv.WithProfile(termenv.Ascii)).Print(espalier.NewReport(state, 1500*time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, "Run run_1  failed  (4 steps, 1.5s)")
	assert.Contains(t, out, "Stages: draft ×3 → publish")
	assert.Contains(t, out, "Calls:  search=2 text=5 (total 7)")
	assert.Contains(t, out, "forced draft accepted after 3 attempts: too short")
	assert.Contains(t, out, "failed at publish (attempt 1, permanent): unauthorized")
	assert.Contains(t, out, "espalier resume run_1")
}
