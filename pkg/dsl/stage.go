package dsl

import (
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
)

// StageBuilder provides a fluent API for configuring a stage.
type StageBuilder struct {
	spec    runtime.StageSpec
	edge    *runtime.Edge
	builder *Builder
}

// Gate attaches a quality gate. A rejected output is retried up to
// retryCap times before the cap policy applies.
func (s *StageBuilder) Gate(g gate.Gate, retryCap int) *StageBuilder {
	s.spec.Gate = g
	s.spec.RetryCap = retryCap
	return s
}

// OnCap sets what happens when the retry cap is exhausted.
func (s *StageBuilder) OnCap(p domain.CapPolicy) *StageBuilder {
	s.spec.OnCap = p
	return s
}

// Go declares an unconditional edge to target.
func (s *StageBuilder) Go(target domain.StageName) *Builder {
	s.edge = &runtime.Edge{From: s.spec.Name, Targets: []domain.StageName{target}}
	return s.builder
}

// Terminal ends the run after this stage.
func (s *StageBuilder) Terminal() *Builder {
	return s.Go(domain.Terminated)
}

// Route declares a conditional edge. The selector must return one of targets.
func (s *StageBuilder) Route(sel runtime.Selector, targets ...domain.StageName) *Builder {
	s.edge = &runtime.Edge{From: s.spec.Name, Targets: targets, Selector: sel}
	return s.builder
}
