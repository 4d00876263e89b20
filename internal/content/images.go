package content

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
	"golang.org/x/sync/errgroup"
)

const (
	imageQueriesPerSection = 2
	maxImagesPerSection    = 4
)

type imageQuery struct {
	section int
	query   string
}

func (p *Pipeline) collectImages(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	if len(state.Sections) == 0 {
		return domain.Result{}, domain.NewWiringError(StageCollect, "sections")
	}

	planned, err := p.planImageQueries(ctx, state, fb)
	if err != nil {
		return domain.Result{}, err
	}
	// Queries already issued by an earlier attempt would find the same images.
	queries := slices.DeleteFunc(planned, func(q imageQuery) bool {
		return state.Queries.Has(domain.Query(q.query).Key())
	})

	results := make([][]ports.ImageResult, len(queries))
	var skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			hits, err := service.Call(gctx, p.services.Search, func(ctx context.Context) ([]ports.ImageResult, error) {
				return p.providers.Images.SearchImages(ctx, q.query, p.cfg.Pipeline.ImagesPerSection)
			})
			switch {
			case err == nil:
				results[i] = hits
				return nil
			case domain.ClassOf(err) == domain.ClassTransient && gctx.Err() == nil:
				// One query running out of retries only thins the pool.
				p.logger.Warn("Image search failed, skipping query", "run_id", state.RunID, "query", q.query, "err", err)
				skipped.Add(1)
				return nil
			default:
				return fmt.Errorf("image search %q: %w", q.query, err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Result{}, err
	}

	var update domain.Update
	for i, hits := range results {
		update.Queries = append(update.Queries, domain.Query(queries[i].query))
		for _, h := range hits {
			update.Images = append(update.Images, domain.Image{
				URL:         h.URL,
				Description: h.Description,
				Query:       queries[i].query,
				Section:     queries[i].section,
			})
		}
	}
	found := len(state.Images.Merge(update.Images...)) - len(state.Images)
	p.logger.Info("Collected images", "run_id", state.RunID, "queries", len(queries), "new", found, "skipped", skipped.Load())

	update.Annotate("collect_images.queries", len(queries))
	update.Annotate("collect_images.new_images", found)
	update.Annotate("collect_images.skipped_queries", int(skipped.Load()))
	return domain.Result{Update: update, Output: found}, nil
}

func (p *Pipeline) planImageQueries(ctx context.Context, state *domain.RunState, fb domain.Feedback) ([]imageQuery, error) {
	resp, err := service.Call(ctx, p.services.Text, func(ctx context.Context) (ports.TextResponse, error) {
		return p.providers.Text.Generate(ctx, ports.TextRequest{
			System:      systemImageQueries,
			Prompt:      imageQueriesPrompt(state.Topic, state.Sections, imageQueriesPerSection, fb),
			Temperature: 0.7,
			MaxTokens:   1500,
			JSON:        true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("image query planning: %w", err)
	}

	var reply struct {
		Queries map[string][]string `json:"queries"`
	}
	var out []imageQuery
	if err := decodeObject(resp.Text, &reply); err == nil {
		for _, s := range state.Sections {
			qs := reply.Queries[strconv.Itoa(s.Index+1)]
			for _, q := range qs[:min(len(qs), imageQueriesPerSection)] {
				if q = strings.TrimSpace(q); q != "" {
					out = append(out, imageQuery{section: s.Index, query: q})
				}
			}
		}
	}
	if len(out) == 0 {
		p.logger.Warn("Unusable image query plan, using fallback queries", "run_id", state.RunID)
		return fallbackImageQueries(state.Topic, state.Sections, fb.Attempt), nil
	}
	return out, nil
}

// fallbackImageQueries derives queries from section titles. Later attempts
// use broader wording so that they do not repeat earlier searches.
func fallbackImageQueries(topic string, sections []domain.Section, attempt int) []imageQuery {
	suffixes := []string{"diagram", "illustration", "infographic", "photo"}
	suffix := suffixes[max(attempt-1, 0)%len(suffixes)]
	out := make([]imageQuery, 0, 2*len(sections))
	for _, s := range sections {
		out = append(out,
			imageQuery{section: s.Index, query: strings.TrimSpace(topic + " " + s.Title)},
			imageQuery{section: s.Index, query: topic + " " + suffix},
		)
	}
	return out
}

func (p *Pipeline) mapImages(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	if len(state.Sections) == 0 {
		return domain.Result{}, domain.NewWiringError(StageMapImages, "sections")
	}
	if len(state.Images) == 0 {
		update := domain.Update{ImageMap: map[string][]int{}}
		update.Annotate("map_images.fallback", true)
		return domain.Result{Update: update}, nil
	}

	resp, err := service.Call(ctx, p.services.Text, func(ctx context.Context) (ports.TextResponse, error) {
		return p.providers.Text.Generate(ctx, ports.TextRequest{
			System:      systemImageMap,
			Prompt:      imageMapPrompt(state.Topic, state.Sections, state.Images),
			Temperature: 0.3,
			MaxTokens:   1000,
			JSON:        true,
		})
	})
	if err != nil {
		return domain.Result{}, err
	}

	mapping, err := parseImageMap(resp.Text, len(state.Sections), len(state.Images))
	fallback := err != nil
	if fallback {
		p.logger.Warn("Unusable image mapping, assigning round robin", "run_id", state.RunID, "err", err)
		mapping = RoundRobin(len(state.Sections), len(state.Images), maxImagesPerSection)
	}

	update := domain.Update{ImageMap: mapping}
	update.Annotate("map_images.fallback", fallback)
	return domain.Result{Update: update, Output: mapping}, nil
}

// parseImageMap decodes {"mapping": {"<section number>": [indices]}} and
// rekeys it by zero-based section index. Unknown sections and out-of-range
// image indices are dropped; a reply with nothing usable left is an error.
func parseImageMap(reply string, sections, images int) (map[string][]int, error) {
	var parsed struct {
		Mapping map[string][]int `json:"mapping"`
	}
	if err := decodeObject(reply, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Mapping) == 0 {
		return nil, errors.New("empty mapping")
	}

	out := make(map[string][]int, len(parsed.Mapping))
	for key, indices := range parsed.Mapping {
		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(key), "section_"))
		if err != nil || n < 1 || n > sections {
			continue
		}
		picked := []int{}
		for _, idx := range indices {
			if idx >= 0 && idx < images && !slices.Contains(picked, idx) {
				picked = append(picked, idx)
			}
		}
		out[strconv.Itoa(n-1)] = picked
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no known section among %d entries", len(parsed.Mapping))
	}
	return out, nil
}

// RoundRobin deals image indices across sections, at most perSection each.
func RoundRobin(sections, images, perSection int) map[string][]int {
	out := make(map[string][]int, sections)
	if sections == 0 {
		return out
	}
	for s := 0; s < sections; s++ {
		out[strconv.Itoa(s)] = []int{}
	}
	for i := 0; i < images && i < sections*perSection; i++ {
		key := strconv.Itoa(i % sections)
		out[key] = append(out[key], i)
	}
	return out
}
