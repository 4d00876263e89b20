package runtime_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
)

func TestNewGraph_Validation(t *testing.T) {
	tests := []struct {
		name    string
		entry   domain.StageName
		stages  []runtime.StageSpec
		edges   []runtime.Edge
		problem string
	}{
		{
			name:    "missing entry",
			entry:   "nope",
			stages:  []runtime.StageSpec{{Name: "a", Stage: noop("x")}},
			edges:   linear("a"),
			problem: `entry stage "nope" is not defined`,
		},
		{
			name:    "reserved name",
			entry:   "a",
			stages:  []runtime.StageSpec{{Name: "a", Stage: noop("x")}, {Name: domain.Terminated, Stage: noop("x")}},
			edges:   linear("a"),
			problem: "is reserved",
		},
		{
			name:    "undefined target",
			entry:   "a",
			stages:  []runtime.StageSpec{{Name: "a", Stage: noop("x")}},
			edges:   []runtime.Edge{{From: "a", Targets: []domain.StageName{"b"}}},
			problem: `targets undefined stage "b"`,
		},
		{
			name:    "missing edge",
			entry:   "a",
			stages:  []runtime.StageSpec{{Name: "a", Stage: noop("x")}, {Name: "b", Stage: noop("x")}},
			edges:   []runtime.Edge{{From: "a", Targets: []domain.StageName{domain.Terminated}}},
			problem: `stage "b" has no outgoing edge`,
		},
		{
			name:    "ambiguous unconditional edge",
			entry:   "a",
			stages:  []runtime.StageSpec{{Name: "a", Stage: noop("x")}},
			edges:   []runtime.Edge{{From: "a", Targets: []domain.StageName{"a", domain.Terminated}}},
			problem: "declares 2 targets",
		},
		{
			name:    "cap without gate",
			entry:   "a",
			stages:  []runtime.StageSpec{{Name: "a", Stage: noop("x"), RetryCap: 2}},
			edges:   linear("a"),
			problem: "retry cap but no gate",
		},
		{
			name:  "unreachable stage",
			entry: "a",
			stages: []runtime.StageSpec{
				{Name: "a", Stage: noop("x")},
				{Name: "island", Stage: noop("x")},
			},
			edges: []runtime.Edge{
				{From: "a", Targets: []domain.StageName{domain.Terminated}},
				{From: "island", Targets: []domain.StageName{domain.Terminated}},
			},
			problem: `"island" is unreachable`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runtime.NewGraph(tt.entry, tt.stages, tt.edges)
			if !errors.Is(err, domain.ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("error %q does not mention %q", err, tt.problem)
			}
		})
	}
}

func TestNewGraph_ReportsAllProblems(t *testing.T) {
	_, err := runtime.NewGraph("a", []runtime.StageSpec{
		{Name: "a", Stage: noop("x")},
		{Name: "a", Stage: noop("x")},
		{Name: "b"},
	}, []runtime.Edge{{From: "a", Targets: []domain.StageName{"c"}}})

	var ge *domain.GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *GraphError, got %v", err)
	}
	if len(ge.Problems) < 4 {
		t.Errorf("expected every problem to be reported, got %v", ge.Problems)
	}
}

func TestGraph_Accessors(t *testing.T) {
	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("x")},
		{Name: "b", Stage: noop("x"), Gate: always(true), RetryCap: 1},
	}, linear("a", "b"))

	if g.Entry() != "a" {
		t.Errorf("entry = %s", g.Entry())
	}
	if got := g.Stages(); len(got) != 2 || got[1] != "b" {
		t.Errorf("stages = %v", got)
	}
	spec, ok := g.Stage("b")
	if !ok || spec.RetryCap != 1 {
		t.Errorf("unexpected spec %+v", spec)
	}
	if got := g.Targets("b"); len(got) != 1 || got[0] != domain.Terminated {
		t.Errorf("targets = %v", got)
	}
}
