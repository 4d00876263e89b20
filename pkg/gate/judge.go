package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
	"github.com/mitchellh/mapstructure"
)

const judgeSystemPrompt = `You are a strict quality reviewer. Reply with a single JSON object:
{"pass": true|false, "issues": ["..."], "fix_instructions": "...", "quality_score": 0-10}`

// Verdict is the judge's answer as decoded from its JSON reply.
type Verdict struct {
	Pass            bool     `mapstructure:"pass"`
	Issues          []string `mapstructure:"issues"`
	FixInstructions string   `mapstructure:"fix_instructions"`
	QualityScore    float64  `mapstructure:"quality_score"`
}

// Evaluation converts the verdict.
func (v Verdict) Evaluation() domain.Evaluation {
	return domain.Evaluation{
		Passed:      v.Pass,
		Issues:      v.Issues,
		FixGuidance: v.FixInstructions,
		Score:       v.QualityScore,
	}
}

// ErrNoVerdict is returned by ParseVerdict when the reply holds no JSON object.
var ErrNoVerdict = errors.New("judge reply contains no JSON object")

// ParseVerdict extracts the first JSON object of a model reply (code fences
// and surrounding prose are tolerated) and decodes it loosely: "true", 1 and
// "8.5" are accepted for booleans and numbers, and a lone string for issues.
func ParseVerdict(reply string) (Verdict, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Verdict{}, ErrNoVerdict
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("decode judge reply: %w", err)
	}

	var v Verdict
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &v,
	})
	if err != nil {
		return Verdict{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Verdict{}, fmt.Errorf("decode judge verdict: %w", err)
	}
	return v, nil
}

// Judge asks an external text model to review a candidate.
type Judge struct {
	gen       ports.TextGenerator
	client    *service.Client
	criteria  string
	passScore float64
	prompt    func(Candidate) string
}

// JudgeOption configures a Judge.
type JudgeOption func(*Judge)

// WithCriteria lists what the reviewer must check.
func WithCriteria(criteria string) JudgeOption {
	return func(j *Judge) {
		j.criteria = criteria
	}
}

// WithPassScore rejects verdicts scoring below min even if they pass.
func WithPassScore(min float64) JudgeOption {
	return func(j *Judge) {
		j.passScore = min
	}
}

// WithPrompt replaces the prompt builder.
func WithPrompt(build func(Candidate) string) JudgeOption {
	return func(j *Judge) {
		j.prompt = build
	}
}

// NewJudge creates a judge gate calling gen through client.
func NewJudge(gen ports.TextGenerator, client *service.Client, opts ...JudgeOption) *Judge {
	j := &Judge{gen: gen, client: client}
	j.prompt = j.defaultPrompt
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Evaluate calls the model. Unparseable replies are retried like transient
// failures; if the model never produces a verdict the candidate is rejected.
func (j *Judge) Evaluate(ctx context.Context, c Candidate) (domain.Evaluation, error) {
	req := ports.TextRequest{
		System:      judgeSystemPrompt,
		Prompt:      j.prompt(c),
		Temperature: 0,
		JSON:        true,
	}

	verdict, err := service.Call(ctx, j.client, func(ctx context.Context) (Verdict, error) {
		resp, err := j.gen.Generate(ctx, req)
		if err != nil {
			return Verdict{}, err
		}
		v, err := ParseVerdict(resp.Text)
		if err != nil {
			return Verdict{}, domain.Transient(domain.CodeMalformed, err)
		}
		return v, nil
	})
	if err != nil {
		if domain.CodeOf(err) == domain.CodeMalformed {
			return Reject("Produce output the reviewer can assess.", "reviewer returned no usable verdict"), nil
		}
		return domain.Evaluation{}, fmt.Errorf("judge %s: %w", c.Stage, err)
	}

	eval := verdict.Evaluation()
	if eval.Passed && j.passScore > 0 && eval.Score < j.passScore {
		eval.Passed = false
		eval.Issues = append(eval.Issues, fmt.Sprintf("quality score %.1f is below %.1f", eval.Score, j.passScore))
	}
	return eval, nil
}

func (j *Judge) defaultPrompt(c Candidate) string {
	var b strings.Builder
	if c.State != nil && c.State.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n\n", c.State.Topic)
	}
	if j.criteria != "" {
		fmt.Fprintf(&b, "Check the following:\n%s\n\n", j.criteria)
	}
	fmt.Fprintf(&b, "Review attempt %d of stage %s:\n\n%s\n", c.Attempt, c.Stage, Text(c))
	return b.String()
}
