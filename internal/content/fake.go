package content

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aretw0/espalier/pkg/ports"
)

// FakeProviders answers every request offline and deterministically. It backs
// `espalier run --dry-run`.
func FakeProviders() Providers {
	search := FakeSearch{}
	return Providers{
		Text:   FakeText{},
		Search: search,
		Images: search,
		Speech: FakeSpeech{},
	}
}

// FakeText recognizes the pipeline's requests by their system prompt. Any
// other JSON request gets a passing review.
type FakeText struct{}

var (
	sectionLine = regexp.MustCompile(`(?m)^Section (\d+):`)
	imageLine   = regexp.MustCompile(`(?m)^(\d+): `)
)

func (FakeText) Generate(ctx context.Context, req ports.TextRequest) (ports.TextResponse, error) {
	if err := ctx.Err(); err != nil {
		return ports.TextResponse{}, err
	}
	topic := between(req.Prompt, "<topic>", "</topic>")

	var text string
	switch req.System {
	case systemQueries:
		text = encode(map[string]any{"queries": []string{
			topic + " overview",
			topic + " how it works",
			topic + " examples",
		}})
	case systemSynthesis:
		text = fmt.Sprintf("%s is covered by several independent notes that agree on its core mechanism and its most common uses.", topic)
	case systemScript:
		text = fakeScript(topic)
	case systemSections:
		var sections []map[string]string
		for _, s := range SplitParagraphs(between(req.Prompt, "<script>\n", "\n</script>")) {
			sections = append(sections, map[string]string{"title": s.Title, "text": s.Text})
		}
		text = encode(map[string]any{"sections": sections})
	case systemImageQueries:
		queries := map[string][]string{}
		broader := strings.Contains(req.Prompt, "broader")
		for _, m := range sectionLine.FindAllStringSubmatch(req.Prompt, -1) {
			q := "figure for section " + m[1]
			if broader {
				q = "wide " + q
			}
			queries[m[1]] = []string{q, q + " diagram"}
		}
		text = encode(map[string]any{"queries": queries})
	case systemImageMap:
		sections := len(sectionLine.FindAllString(req.Prompt, -1))
		images := len(imageLine.FindAllString(req.Prompt, -1))
		mapping := map[string][]int{}
		for k, v := range RoundRobin(sections, images, maxImagesPerSection) {
			n, _ := strconv.Atoi(k)
			mapping[strconv.Itoa(n+1)] = v
		}
		text = encode(map[string]any{"mapping": mapping})
	default:
		text = `{"pass": true, "issues": [], "fix_instructions": "", "quality_score": 8}`
	}
	return ports.TextResponse{Text: text, Tokens: len(strings.Fields(text))}, nil
}

// fakeScript is three paragraphs of about 300 words.
func fakeScript(topic string) string {
	if topic == "" {
		topic = "The subject"
	}
	var paragraphs []string
	for p := 1; p <= 3; p++ {
		var sentences []string
		for s := 1; s <= 5; s++ {
			sentences = append(sentences, fmt.Sprintf(
				"%s relies on mechanism number %d of part %d, which moves a concrete quantity from one stage to the next.",
				topic, s, p))
		}
		paragraphs = append(paragraphs, strings.Join(sentences, " "))
	}
	return strings.Join(paragraphs, "\n\n")
}

// FakeSearch returns synthetic pages and images derived from the query.
type FakeSearch struct{}

func (FakeSearch) Search(ctx context.Context, query string, maxResults int) ([]ports.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ports.SearchResult, 0, maxResults)
	for i := 1; i <= maxResults; i++ {
		out = append(out, ports.SearchResult{
			URL:     fmt.Sprintf("https://example.org/%s/%d", slug(query), i),
			Title:   fmt.Sprintf("%s (%d)", query, i),
			Content: fmt.Sprintf("Notes about %s.", query),
			Score:   1 / float64(i),
		})
	}
	return out, nil
}

func (FakeSearch) SearchImages(ctx context.Context, query string, maxResults int) ([]ports.ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ports.ImageResult, 0, maxResults)
	for i := 1; i <= maxResults; i++ {
		out = append(out, ports.ImageResult{
			URL:         fmt.Sprintf("https://images.example.org/%s/%d.png", slug(query), i),
			Description: query,
		})
	}
	return out, nil
}

// FakeSpeech returns a placeholder payload per chunk.
type FakeSpeech struct{}

func (FakeSpeech) Synthesize(ctx context.Context, req ports.SpeechRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("[%s:%d]", req.Voice, len(req.Text))), nil
}

func between(s, open, close string) string {
	i := strings.Index(s, open)
	if i < 0 {
		return ""
	}
	s = s[i+len(open):]
	if j := strings.Index(s, close); j >= 0 {
		return s[:j]
	}
	return s
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}

func encode(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
