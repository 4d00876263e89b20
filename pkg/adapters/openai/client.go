// Package openai talks to OpenAI-compatible chat completion and speech
// endpoints. It implements ports.TextGenerator and ports.SpeechSynthesizer.
//
// The client makes exactly one HTTP request per call. Budgets and retries
// belong to the service.Client wrapping it.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aretw0/espalier/pkg/adapters/apierr"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultSpeechModel = "tts-1-hd"
)

// Client is an OpenAI-compatible HTTP client.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	speechModel string
	http        *http.Client
}

var (
	_ ports.TextGenerator     = (*Client)(nil)
	_ ports.SpeechSynthesizer = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithSpeechModel sets the text-to-speech model.
func WithSpeechModel(model string) Option {
	return func(c *Client) {
		c.speechModel = model
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
		baseURL:     DefaultBaseURL,
		apiKey:      apiKey,
		model:       DefaultModel,
		speechModel: DefaultSpeechModel,
		http:        &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate requests one chat completion.
func (c *Client) Generate(ctx context.Context, req ports.TextRequest) (ports.TextResponse, error) {
	body := chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	raw, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return ports.TextResponse{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ports.TextResponse{}, apierr.Malformed(fmt.Errorf("failed to decode completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return ports.TextResponse{}, apierr.Malformed(errors.New("completion has no choices"))
	}
	return ports.TextResponse{
		Text:   resp.Choices[0].Message.Content,
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Synthesize narrates one chunk of text and returns the encoded audio.
func (c *Client) Synthesize(ctx context.Context, req ports.SpeechRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.Permanent(domain.CodeInvalidRequest, errors.New("empty speech input"))
	}
	audio, err := c.post(ctx, "/audio/speech", speechRequest{
		Model:          c.speechModel,
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: req.Format,
	})
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, apierr.Malformed(errors.New("empty audio response"))
	}
	return audio, nil
}

// post sends body as JSON and returns the raw 200 response body.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.Permanent(domain.CodeInvalidRequest, fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.Permanent(domain.CodeInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.FromTransport(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.FromTransport(ctx, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.FromResponse(resp, raw)
	}
	return raw, nil
}
