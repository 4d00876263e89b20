package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
	"golang.org/x/sync/errgroup"
)

func (p *Pipeline) research(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	settings := p.cfg.Pipeline
	if strings.TrimSpace(state.Topic) == "" {
		return domain.Result{}, domain.NewWiringError(StageResearch, "topic")
	}

	queries, fallback, err := p.planQueries(ctx, state, settings.MaxQueries)
	if err != nil {
		return domain.Result{}, err
	}
	p.logger.Info("Researching topic", "run_id", state.RunID, "queries", len(queries), "fallback", fallback)

	// Results are merged in query order, not arrival order.
	results := make([][]ports.SearchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			hits, err := service.Call(gctx, p.services.Search, func(ctx context.Context) ([]ports.SearchResult, error) {
				return p.providers.Search.Search(ctx, q, settings.ResultsPerQuery)
			})
			if err != nil {
				return fmt.Errorf("search %q: %w", q, err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Result{}, err
	}

	var sources domain.KeyedSet[domain.Source]
	for i, hits := range results {
		for _, h := range hits {
			sources = sources.Merge(domain.Source{URL: h.URL, Title: h.Title, Content: h.Content, Score: h.Score, Query: queries[i]})
		}
	}
	if len(sources) < settings.ResearchMinSources {
		return domain.Result{}, fmt.Errorf("%w: %d sources, need at least %d", ErrInsufficientResearch, len(sources), settings.ResearchMinSources)
	}

	synthesis, err := service.Call(ctx, p.services.Text, func(ctx context.Context) (ports.TextResponse, error) {
		return p.providers.Text.Generate(ctx, ports.TextRequest{
			System:      systemSynthesis,
			Prompt:      synthesisPrompt(state.Topic, state.Outline, sources),
			Temperature: 0.4,
			MaxTokens:   800,
		})
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("synthesis: %w", err)
	}

	update := domain.Update{
		Sources:   sources,
		Synthesis: domain.Ptr(strings.TrimSpace(synthesis.Text)),
	}
	for _, q := range queries {
		update.Queries = append(update.Queries, domain.Query(q))
	}
	update.Annotate("research.source_count", len(sources))
	update.Annotate("research.query_count", len(queries))
	update.Annotate("research.fallback_queries", fallback)
	return domain.Result{Update: update, Output: len(sources)}, nil
}

// planQueries asks the text model for up to n queries. An unusable reply
// falls back to queries derived from the topic.
func (p *Pipeline) planQueries(ctx context.Context, state *domain.RunState, n int) ([]string, bool, error) {
	resp, err := service.Call(ctx, p.services.Text, func(ctx context.Context) (ports.TextResponse, error) {
		return p.providers.Text.Generate(ctx, ports.TextRequest{
			System:      systemQueries,
			Prompt:      queriesPrompt(state.Topic, state.Outline, n),
			Temperature: 0.6,
			MaxTokens:   400,
			JSON:        true,
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("query planning: %w", err)
	}

	var reply struct {
		Queries []string `json:"queries"`
	}
	if err := decodeObject(resp.Text, &reply); err != nil {
		p.logger.Warn("Unusable query plan, using fallback queries", "run_id", state.RunID, "err", err)
		return fallbackQueries(state.Topic), true, nil
	}

	var queries domain.KeyedSet[domain.Query]
	for _, q := range reply.Queries {
		queries = queries.Merge(domain.Query(strings.TrimSpace(q)))
	}
	if len(queries) == 0 {
		p.logger.Warn("Empty query plan, using fallback queries", "run_id", state.RunID)
		return fallbackQueries(state.Topic), true, nil
	}
	out := make([]string, 0, n)
	for _, q := range queries {
		if len(out) == n {
			break
		}
		out = append(out, strings.TrimSpace(string(q)))
	}
	return out, false, nil
}

func fallbackQueries(topic string) []string {
	return []string{topic, topic + " explained", topic + " applications"}
}
