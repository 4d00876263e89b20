package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// CountWords counts whitespace-separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// WordRange accepts texts whose word count lies in [min, max].
// A max of zero means no upper bound. The text is taken with Text.
func WordRange(min, max int) Gate {
	return WordRangeOf(min, max, Text)
}

// WordRangeOf is WordRange with a custom text extractor.
func WordRangeOf(min, max int, text func(Candidate) string) Gate {
	return Func(func(ctx context.Context, c Candidate) (domain.Evaluation, error) {
		n := CountWords(text(c))
		switch {
		case n < min:
			return Reject(
				fmt.Sprintf("Expand the text to at least %d words while keeping it focused.", min),
				fmt.Sprintf("text has %d words, need at least %d", n, min),
			), nil
		case max > 0 && n > max:
			return Reject(
				fmt.Sprintf("Condense the text to at most %d words without dropping key points.", max),
				fmt.Sprintf("text has %d words, limit is %d", n, max),
			), nil
		}
		return Pass(), nil
	})
}

// MinItems accepts candidates for which count reports at least n items.
func MinItems(what string, n int, count func(Candidate) int) Gate {
	return Func(func(ctx context.Context, c Candidate) (domain.Evaluation, error) {
		got := count(c)
		if got < n {
			return Reject(
				fmt.Sprintf("Collect %d more %s using broader queries.", n-got, what),
				fmt.Sprintf("found %d %s, need at least %d", got, what, n),
			), nil
		}
		return Pass(), nil
	})
}
