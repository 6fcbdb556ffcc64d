package search

import (
	"context"
	"errors"

	"github.com/nugget/warden/internal/schema"
)

// Tool adapts a Provider into an agent tool. Failures are returned as
// "Error: …" text for the model rather than as Go errors.
type Tool struct {
	name        string
	description string
	provider    Provider
	maxResults  int
	filters     bool
}

// NewWebSearchTool creates web_search backed by p (normally Brave).
func NewWebSearchTool(p Provider, maxResults int) *Tool {
	return &Tool{
		name:        "web_search",
		description: "Search the web. Returns titles, URLs, and snippets.",
		provider:    p,
		maxResults:  maxResults,
	}
}

// NewOnlineSearchTool creates online_search backed by p (normally
// DuckDuckGo). It accepts site and recency filters.
func NewOnlineSearchTool(p Provider, maxResults int) *Tool {
	return &Tool{
		name:        "online_search",
		description: "Search the web online without API keys. Returns titles, URLs, and snippets.",
		provider:    p,
		maxResults:  maxResults,
		filters:     true,
	}
}

func (t *Tool) Name() string        { return t.name }
func (t *Tool) Description() string { return t.description }

func (t *Tool) Parameters() *schema.Schema {
	if !t.filters {
		return schema.Object(
			schema.Prop("query", schema.String("Search query")),
			schema.Prop("count", schema.Integer("Results (1-10)").Range(1, MaxCount)),
		).Require("query")
	}
	return schema.Object(
		schema.Prop("query", schema.String("Search query").MinLen(1)),
		schema.Prop("count", schema.Integer("Results (1-10)").Range(1, MaxCount)),
		schema.Prop("site", schema.String("Optional site filter, e.g. docs.python.org")),
		schema.Prop("recency", schema.String("Optional time filter").OneOf("day", "week", "month", "year")),
	).Require("query")
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	opts := Options{Count: t.maxResults}
	if count, ok := args["count"].(float64); ok && count > 0 {
		opts.Count = int(count)
	}
	opts.Count = clampCount(opts.Count, DefaultCount)

	if t.filters {
		if site, _ := args["site"].(string); site != "" {
			host, ok := NormalizeSite(site)
			if !ok {
				return "Error: Invalid site filter '" + site + "'", nil
			}
			opts.Site = host
		}
		opts.Recency, _ = args["recency"].(string)
	}

	results, err := t.provider.Search(ctx, query, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "Error: " + err.Error(), nil
	}
	if len(results) > opts.Count {
		results = results[:opts.Count]
	}
	return FormatResults(ComposeQuery(query, opts.Site), results), nil
}
