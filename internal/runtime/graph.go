package runtime

import (
	"fmt"
	"slices"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
)

// Selector picks the next stage from the state and the outcome of the stage
// that just finished. It must only return one of its edge's declared targets.
type Selector func(state *domain.RunState, out domain.Outcome) domain.StageName

// StageSpec describes one node of the graph.
type StageSpec struct {
	Name  domain.StageName
	Stage domain.Stage
	// Gate is optional. Without a gate every attempt is accepted.
	Gate gate.Gate
	// RetryCap is how many times a rejected output may be retried.
	RetryCap int
	// OnCap applies once RetryCap is exhausted.
	OnCap domain.CapPolicy
}

// Edge is the single outgoing definition of a stage. An edge without a
// Selector is unconditional and has exactly one target.
type Edge struct {
	From     domain.StageName
	Targets  []domain.StageName
	Selector Selector
}

// Graph is a validated stage graph.
type Graph struct {
	entry  domain.StageName
	order  []domain.StageName
	stages map[domain.StageName]StageSpec
	edges  map[domain.StageName]Edge
}

// NewGraph validates and assembles a graph. All problems are reported at once
// as a *domain.GraphError.
func NewGraph(entry domain.StageName, stages []StageSpec, edges []Edge) (*Graph, error) {
	g := &Graph{
		entry:  entry,
		stages: make(map[domain.StageName]StageSpec, len(stages)),
		edges:  make(map[domain.StageName]Edge, len(edges)),
	}
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, s := range stages {
		switch {
		case s.Name == "":
			report("stage with empty name")
			continue
		case s.Name == domain.Terminated:
			report("stage name %q is reserved", s.Name)
			continue
		case s.Stage == nil:
			report("stage %q has no implementation", s.Name)
		case s.RetryCap < 0:
			report("stage %q has negative retry cap", s.Name)
		case s.RetryCap > 0 && s.Gate == nil:
			report("stage %q has a retry cap but no gate", s.Name)
		}
		if _, dup := g.stages[s.Name]; dup {
			report("duplicate stage %q", s.Name)
			continue
		}
		g.stages[s.Name] = s
		g.order = append(g.order, s.Name)
	}

	if _, ok := g.stages[entry]; !ok {
		report("entry stage %q is not defined", entry)
	}

	reachesEnd := false
	for _, e := range edges {
		if _, ok := g.stages[e.From]; !ok {
			report("edge from undefined stage %q", e.From)
			continue
		}
		if _, dup := g.edges[e.From]; dup {
			report("stage %q has more than one outgoing edge", e.From)
			continue
		}
		if len(e.Targets) == 0 {
			report("edge from %q declares no targets", e.From)
		}
		if e.Selector == nil && len(e.Targets) > 1 {
			report("unconditional edge from %q declares %d targets", e.From, len(e.Targets))
		}
		for _, t := range e.Targets {
			if t == domain.Terminated {
				reachesEnd = true
				continue
			}
			if _, ok := g.stages[t]; !ok {
				report("edge from %q targets undefined stage %q", e.From, t)
			}
		}
		e.Targets = slices.Clone(e.Targets)
		g.edges[e.From] = e
	}

	for _, name := range g.order {
		if _, ok := g.edges[name]; !ok {
			report("stage %q has no outgoing edge", name)
		}
	}
	if !reachesEnd {
		report("no edge leads to %s", domain.Terminated)
	}
	if len(problems) == 0 {
		for _, name := range g.order {
			if !g.reachable(name) {
				report("stage %q is unreachable from %q", name, entry)
			}
		}
	}

	if len(problems) > 0 {
		return nil, &domain.GraphError{Problems: problems}
	}
	return g, nil
}

// reachable runs a BFS over declared targets from the entry.
func (g *Graph) reachable(target domain.StageName) bool {
	seen := map[domain.StageName]bool{g.entry: true}
	queue := []domain.StageName{g.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for _, t := range g.edges[cur].Targets {
			if t != domain.Terminated && !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	return false
}

// Entry returns the first stage.
func (g *Graph) Entry() domain.StageName { return g.entry }

// Stages returns stage names in declaration order.
func (g *Graph) Stages() []domain.StageName { return slices.Clone(g.order) }

// Stage returns the spec of a stage.
func (g *Graph) Stage(name domain.StageName) (StageSpec, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Targets returns the declared targets of a stage's edge.
func (g *Graph) Targets(name domain.StageName) []domain.StageName {
	return slices.Clone(g.edges[name].Targets)
}

// next resolves the edge of the finished stage.
func (g *Graph) next(state *domain.RunState, out domain.Outcome) (domain.StageName, error) {
	edge, ok := g.edges[out.Stage]
	if !ok {
		return "", &domain.WiringError{Stage: out.Stage, Detail: "no outgoing edge"}
	}
	if edge.Selector == nil {
		return edge.Targets[0], nil
	}
	target := edge.Selector(state.Clone(), out)
	if !slices.Contains(edge.Targets, target) {
		return "", &domain.WiringError{
			Stage:  out.Stage,
			Detail: fmt.Sprintf("selector chose undeclared target %q (declared %v)", target, edge.Targets),
		}
	}
	return target, nil
}
