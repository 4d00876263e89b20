package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// Candidate is what a gate judges.
type Candidate struct {
	Stage   domain.StageName
	Attempt int
	Output  any
	// State is the run state after the attempt's update was merged. Read-only.
	State *domain.RunState
}

// Gate evaluates a candidate output.
type Gate interface {
	Evaluate(ctx context.Context, c Candidate) (domain.Evaluation, error)
}

// Func adapts a function to the Gate interface.
type Func func(ctx context.Context, c Candidate) (domain.Evaluation, error)

func (f Func) Evaluate(ctx context.Context, c Candidate) (domain.Evaluation, error) {
	return f(ctx, c)
}

// Pass is the accepting verdict.
func Pass() domain.Evaluation {
	return domain.Evaluation{Passed: true}
}

// Reject builds a rejecting verdict.
func Reject(fix string, issues ...string) domain.Evaluation {
	return domain.Evaluation{Passed: false, Issues: issues, FixGuidance: fix}
}

// All evaluates every gate in order. The result passes only if all pass;
// issues are concatenated in gate order and the score is the lowest reported.
func All(gates ...Gate) Gate {
	return Func(func(ctx context.Context, c Candidate) (domain.Evaluation, error) {
		evals := make([]domain.Evaluation, 0, len(gates))
		for _, g := range gates {
			e, err := g.Evaluate(ctx, c)
			if err != nil {
				return domain.Evaluation{}, err
			}
			evals = append(evals, e)
		}
		return combine(evals), nil
	})
}

// Chain evaluates gates in order and stops at the first rejection.
func Chain(gates ...Gate) Gate {
	return Func(func(ctx context.Context, c Candidate) (domain.Evaluation, error) {
		evals := make([]domain.Evaluation, 0, len(gates))
		for _, g := range gates {
			e, err := g.Evaluate(ctx, c)
			if err != nil {
				return domain.Evaluation{}, err
			}
			evals = append(evals, e)
			if !e.Passed {
				break
			}
		}
		return combine(evals), nil
	})
}

func combine(evals []domain.Evaluation) domain.Evaluation {
	out := domain.Evaluation{Passed: true}
	var fixes []string
	scored := false
	for _, e := range evals {
		out.Passed = out.Passed && e.Passed
		out.Issues = append(out.Issues, e.Issues...)
		if e.FixGuidance != "" {
			fixes = append(fixes, e.FixGuidance)
		}
		if e.Score != 0 && (!scored || e.Score < out.Score) {
			out.Score = e.Score
			scored = true
		}
	}
	out.FixGuidance = strings.Join(fixes, "\n")
	return out
}

// Text extracts the text a candidate carries: a string output, a
// fmt.Stringer output, or the run's script as a fallback.
func Text(c Candidate) string {
	switch v := c.Output.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	if c.State != nil {
		return c.State.Script
	}
	return ""
}
