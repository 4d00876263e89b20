package dsl

import (
	"fmt"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
)

// Builder manages the graph construction.
type Builder struct {
	entry  domain.StageName
	order  []domain.StageName
	stages map[domain.StageName]*StageBuilder
}

// New creates a new graph builder whose runs start at entry.
func New(entry domain.StageName) *Builder {
	return &Builder{
		entry:  entry,
		stages: make(map[domain.StageName]*StageBuilder),
	}
}

// Add registers a stage. Adding a name twice returns the existing builder
// with its implementation replaced.
func (b *Builder) Add(name domain.StageName, stage domain.Stage) *StageBuilder {
	if sb, ok := b.stages[name]; ok {
		sb.spec.Stage = stage
		return sb
	}
	sb := &StageBuilder{
		spec:    runtime.StageSpec{Name: name, Stage: stage},
		builder: b,
	}
	b.stages[name] = sb
	b.order = append(b.order, name)
	return sb
}

// Func registers a stage implemented by a plain function.
func (b *Builder) Func(name domain.StageName, fn domain.StageFunc) *StageBuilder {
	return b.Add(name, fn)
}

// Build validates the graph. Stages keep the order they were added in.
func (b *Builder) Build() (*runtime.Graph, error) {
	stages := make([]runtime.StageSpec, 0, len(b.order))
	var edges []runtime.Edge
	for _, name := range b.order {
		sb := b.stages[name]
		stages = append(stages, sb.spec)
		if sb.edge != nil {
			edges = append(edges, *sb.edge)
		}
	}

	g, err := runtime.NewGraph(b.entry, stages, edges)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}
	return g, nil
}
