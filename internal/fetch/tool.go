package fetch

import (
	"context"
	"encoding/json"

	"github.com/nugget/warden/internal/schema"
)

// Tool exposes a Fetcher as the web_fetch agent tool. Its output is
// always a JSON object: the Result on success, {"error", "url"} on
// failure.
type Tool struct {
	fetcher *Fetcher
}

// NewTool wraps f as the web_fetch tool.
func NewTool(f *Fetcher) *Tool {
	return &Tool{fetcher: f}
}

func (*Tool) Name() string { return "web_fetch" }

func (*Tool) Description() string {
	return "Fetch URL and extract readable content (HTML → markdown/text)."
}

func (*Tool) Parameters() *schema.Schema {
	return schema.Object(
		schema.Prop("url", schema.String("URL to fetch")),
		schema.Prop("extractMode", schema.String("").OneOf(ModeMarkdown, ModeText).WithDefault(ModeMarkdown)),
		schema.Prop("maxChars", schema.Integer("").Min(MinMaxChars)),
	).Require("url")
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	mode, _ := args["extractMode"].(string)
	if mode == "" {
		mode = ModeMarkdown
	}
	maxChars := 0
	if mc, ok := args["maxChars"].(float64); ok {
		maxChars = int(mc)
	}

	result, err := t.fetcher.Fetch(ctx, rawURL, mode, maxChars)
	if err != nil {
		return marshal(map[string]any{"error": err.Error(), "url": rawURL})
	}
	return marshal(result)
}

func marshal(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
