package ports

import "context"

// TextRequest asks a text model for a completion.
type TextRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON asks the provider to constrain the answer to a JSON object.
	JSON bool
}

// TextResponse is a completion.
type TextResponse struct {
	Text   string
	Tokens int
}

// TextGenerator is a generative text service.
// Failures should be returned as *domain.Failure so that they can be retried.
type TextGenerator interface {
	Generate(ctx context.Context, req TextRequest) (TextResponse, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	URL     string
	Title   string
	Content string
	Score   float64
}

// Searcher is a web search service.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// ImageResult is one image search hit.
type ImageResult struct {
	URL         string
	Description string
}

// ImageSearcher is an image search service.
type ImageSearcher interface {
	SearchImages(ctx context.Context, query string, maxResults int) ([]ImageResult, error)
}

// SpeechRequest asks for narration of a text chunk.
type SpeechRequest struct {
	Text   string
	Voice  string
	Format string
}

// SpeechSynthesizer is a text-to-speech service.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
}
