package content

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
)

func (p *Pipeline) synthesizeScript(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	min, max := p.cfg.Pipeline.ScriptMinWords, p.cfg.Pipeline.ScriptMaxWords
	if state.Synthesis == "" && len(state.Sources) == 0 {
		return domain.Result{}, domain.NewWiringError(StageScript, "synthesis")
	}

	prompt := scriptPrompt(state, min, max)
	if fb.IsRetry() && state.Script != "" {
		prompt = revisionPrompt(state.Script, fb, min, max)
	}

	resp, err := service.Call(ctx, p.services.Text, func(ctx context.Context) (ports.TextResponse, error) {
		return p.providers.Text.Generate(ctx, ports.TextRequest{
			System:      systemScript,
			Prompt:      prompt,
			Temperature: 0.7,
			MaxTokens:   2000,
		})
	})
	if err != nil {
		return domain.Result{}, err
	}

	script := strings.TrimSpace(resp.Text)
	words := gate.CountWords(script)
	p.logger.Debug("Drafted script", "run_id", state.RunID, "attempt", fb.Attempt, "words", words)

	update := domain.Update{Script: domain.Ptr(script)}
	update.Annotate("synthesize_script.words", words)
	return domain.Result{Update: update, Output: script}, nil
}

func (p *Pipeline) parseScript(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	if strings.TrimSpace(state.Script) == "" {
		return domain.Result{}, domain.NewWiringError(StageParse, "script")
	}

	resp, err := service.Call(ctx, p.services.Text, func(ctx context.Context) (ports.TextResponse, error) {
		return p.providers.Text.Generate(ctx, ports.TextRequest{
			System:      systemSections,
			Prompt:      sectionsPrompt(state.Script, state.Outline),
			Temperature: 0,
			MaxTokens:   3000,
			JSON:        true,
		})
	})
	if err != nil {
		return domain.Result{}, err
	}

	sections, err := locateSections(state.Script, resp.Text)
	fallback := err != nil
	if fallback {
		p.logger.Warn("Unusable section split, falling back to paragraphs", "run_id", state.RunID, "err", err)
		sections = SplitParagraphs(state.Script)
	}

	update := domain.Update{Sections: sections}
	update.Annotate("parse_script.sections", len(sections))
	update.Annotate("parse_script.fallback", fallback)
	return domain.Result{Update: update, Output: sections}, nil
}

// locateSections decodes a section reply and finds every section's text in
// script, in order. Any section that is not a verbatim excerpt fails the
// whole reply.
func locateSections(script, reply string) ([]domain.Section, error) {
	var parsed struct {
		Sections []struct {
			Title string `json:"title"`
			Text  string `json:"text"`
		} `json:"sections"`
	}
	if err := decodeObject(reply, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Sections) == 0 {
		return nil, errors.New("reply has no sections")
	}

	out := make([]domain.Section, 0, len(parsed.Sections))
	cursor := 0
	for i, s := range parsed.Sections {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			return nil, fmt.Errorf("section %d is empty", i+1)
		}
		at := strings.Index(script[cursor:], text)
		if at < 0 {
			return nil, fmt.Errorf("section %d is not an excerpt of the script", i+1)
		}
		start := cursor + at
		out = append(out, domain.Section{
			Index: i,
			Title: strings.TrimSpace(s.Title),
			Text:  text,
			Start: start,
			End:   start + len(text),
		})
		cursor = start + len(text)
	}
	return out, nil
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits a script on blank lines. Start and End are byte
// offsets into script.
func SplitParagraphs(script string) []domain.Section {
	var out []domain.Section
	cursor := 0
	emit := func(end int) {
		raw := script[cursor:end]
		text := strings.TrimSpace(raw)
		if text != "" {
			start := cursor + strings.Index(raw, text)
			out = append(out, domain.Section{
				Index: len(out),
				Title: fmt.Sprintf("Part %d", len(out)+1),
				Text:  text,
				Start: start,
				End:   start + len(text),
			})
		}
	}
	for _, loc := range paragraphBreak.FindAllStringIndex(script, -1) {
		emit(loc[0])
		cursor = loc[1]
	}
	emit(len(script))
	return out
}
