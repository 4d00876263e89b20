package search_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/search"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, check func(req map[string]any), reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(req)
		}
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearch(t *testing.T) {
	srv := serve(t, func(req map[string]any) {
		assert.Equal(t, "tv-key", req["api_key"])
		assert.Equal(t, "go generics", req["query"])
		assert.EqualValues(t, 3, req["max_results"])
		assert.Nil(t, req["include_images"])
	}, `{"results":[
		{"url":"https://a.example","title":"A","content":"alpha","score":0.9},
		{"url":"","title":"dropped"}
	]}`)

	got, err := search.New("tv-key", search.WithBaseURL(srv.URL)).Search(context.Background(), "go generics", 3)

	require.NoError(t, err)
	assert.Equal(t, []ports.SearchResult{{URL: "https://a.example", Title: "A", Content: "alpha", Score: 0.9}}, got)
}

func TestSearchImages(t *testing.T) {
	srv := serve(t, func(req map[string]any) {
		assert.Equal(t, true, req["include_images"])
	}, `{"images":[
		"https://img.example/1.png",
		{"url":"https://img.example/2.png","description":"a chart"},
		"https://img.example/3.png"
	]}`)

	got, err := search.New("k", search.WithBaseURL(srv.URL)).SearchImages(context.Background(), "charts", 2)

	require.NoError(t, err)
	assert.Equal(t, []ports.ImageResult{
		{URL: "https://img.example/1.png"},
		{URL: "https://img.example/2.png", Description: "a chart"},
	}, got)
}

func TestSearchImages_Malformed(t *testing.T) {
	srv := serve(t, nil, `{"images":[42]}`)

	_, err := search.New("k", search.WithBaseURL(srv.URL)).SearchImages(context.Background(), "x", 5)

	assert.Equal(t, domain.CodeMalformed, domain.CodeOf(err))
}

func TestSearch_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := search.New("k", search.WithBaseURL(srv.URL)).Search(context.Background(), "x", 1)

	assert.Equal(t, domain.ClassTransient, domain.ClassOf(err))
	after, ok := domain.RetryAfterOf(err)
	assert.True(t, ok)
	assert.Equal(t, "3s", after.String())
}
