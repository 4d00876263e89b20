package domain

import "strings"

// Keyed is implemented by items of an accumulating field.
// Two items with the same key are the same item.
type Keyed interface {
	Key() string
}

// KeyedSet is an insertion-ordered set of items deduplicated by Key.
// It serializes as a plain JSON array.
type KeyedSet[T Keyed] []T

// Merge returns a new set holding the receiver's items followed by every item
// whose key is not yet present. The first writer of a key wins.
// Items with an empty key are dropped.
func (s KeyedSet[T]) Merge(items ...T) KeyedSet[T] {
	out := make(KeyedSet[T], 0, len(s)+len(items))
	seen := make(map[string]struct{}, len(s)+len(items))
	for _, group := range [][]T{s, items} {
		for _, item := range group {
			k := item.Key()
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

// Has reports whether an item with the given key is present.
func (s KeyedSet[T]) Has(key string) bool {
	for _, item := range s {
		if item.Key() == key {
			return true
		}
	}
	return false
}

// Source is one research result.
type Source struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
	Query   string  `json:"query,omitempty"`
}

func (s Source) Key() string { return normalizeURL(s.URL) }

// Image is one collected image candidate.
type Image struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Query       string `json:"query,omitempty"`
	Section     int    `json:"section"`
}

func (i Image) Key() string { return normalizeURL(i.URL) }

// Query is a search query issued during research.
type Query string

func (q Query) Key() string { return strings.ToLower(strings.TrimSpace(string(q))) }

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}
