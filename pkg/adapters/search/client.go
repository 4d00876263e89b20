// Package search is a client for Tavily-compatible web search APIs. One
// endpoint serves both page and image results.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aretw0/espalier/pkg/adapters/apierr"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

const DefaultBaseURL = "https://api.tavily.com"

// Client implements ports.Searcher and ports.ImageSearcher.
type Client struct {
	baseURL string
	apiKey  string
	depth   string
	http    *http.Client
}

var (
	_ ports.Searcher      = (*Client)(nil)
	_ ports.ImageSearcher = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithDepth sets the search depth ("basic" or "advanced").
func WithDepth(depth string) Option {
	return func(c *Client) {
		c.depth = depth
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		depth:   "basic",
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchRequest struct {
	APIKey                   string `json:"api_key"`
	Query                    string `json:"query"`
	SearchDepth              string `json:"search_depth,omitempty"`
	MaxResults               int    `json:"max_results,omitempty"`
	IncludeImages            bool   `json:"include_images,omitempty"`
	IncludeImageDescriptions bool   `json:"include_image_descriptions,omitempty"`
}

type searchResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
	// Images is either a list of URLs or a list of {url, description}.
	Images []json.RawMessage `json:"images"`
}

// Search returns up to maxResults web pages for query.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]ports.SearchResult, error) {
	resp, err := c.do(ctx, searchRequest{
		Query:       query,
		SearchDepth: c.depth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, err
	}
	out := make([]ports.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, ports.SearchResult{URL: r.URL, Title: r.Title, Content: r.Content, Score: r.Score})
	}
	return out, nil
}

// SearchImages returns up to maxResults images for query.
func (c *Client) SearchImages(ctx context.Context, query string, maxResults int) ([]ports.ImageResult, error) {
	resp, err := c.do(ctx, searchRequest{
		Query:                    query,
		SearchDepth:              c.depth,
		MaxResults:               maxResults,
		IncludeImages:            true,
		IncludeImageDescriptions: true,
	})
	if err != nil {
		return nil, err
	}

	out := make([]ports.ImageResult, 0, len(resp.Images))
	for _, raw := range resp.Images {
		img, err := decodeImage(raw)
		if err != nil {
			return nil, apierr.Malformed(err)
		}
		if img.URL == "" {
			continue
		}
		out = append(out, img)
		if maxResults > 0 && len(out) == maxResults {
			break
		}
	}
	return out, nil
}

func decodeImage(raw json.RawMessage) (ports.ImageResult, error) {
	var url string
	if err := json.Unmarshal(raw, &url); err == nil {
		return ports.ImageResult{URL: url}, nil
	}
	var obj struct {
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ports.ImageResult{}, fmt.Errorf("unexpected image entry %s", raw)
	}
	return ports.ImageResult{URL: obj.URL, Description: obj.Description}, nil
}

func (c *Client) do(ctx context.Context, body searchRequest) (*searchResponse, error) {
	body.APIKey = c.apiKey
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.Permanent(domain.CodeInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.Permanent(domain.CodeInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.FromTransport(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.FromTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.FromResponse(resp, raw)
	}

	var out searchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apierr.Malformed(fmt.Errorf("failed to decode search response: %w", err))
	}
	return &out, nil
}
