// Package search provides the agent's web search tools.
//
// Each backend implements [Provider]. [Tool] adapts a provider into
// an agent tool: web_search uses the Brave API and online_search
// scrapes DuckDuckGo's HTML endpoint without a key.
package search

import (
	"context"
	"strconv"
	"strings"
)

// DefaultCount is the result count used when a caller asks for none.
const DefaultCount = 5

// MaxCount is the largest result count a caller may ask for.
const MaxCount = 10

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return. Providers may
	// return fewer.
	Count int

	// Site restricts results to one host. It must already be
	// normalized with NormalizeSite.
	Site string

	// Recency is one of day, week, month or year. Empty means any time.
	Recency string
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// clampCount bounds a requested count to [1, MaxCount], substituting def
// for zero.
func clampCount(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n <= 0 {
		n = DefaultCount
	}
	return min(max(n, 1), MaxCount)
}

// FormatResults builds the text handed back to the model.
func FormatResults(query string, results []Result) string {
	if len(results) == 0 {
		return "No results for: " + query
	}

	var b strings.Builder
	b.WriteString("Results for: " + query + "\n")
	for i, r := range results {
		b.WriteString("\n" + strconv.Itoa(i+1) + ". " + r.Title + "\n   " + r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   " + r.Snippet)
		}
	}
	return b.String()
}
