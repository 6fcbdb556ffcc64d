package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnparsable means a summarizer response did not contain a usable
// consolidation result.
var ErrUnparsable = errors.New("unparsable consolidation result")

// Result is what a summarizer returns for one consolidation.
type Result struct {
	// HistoryEntry is a short, dated account of the summarized
	// messages, appended to the history log.
	HistoryEntry string `json:"history_entry"`
	// MemoryUpdate is the full merged memory document.
	MemoryUpdate string `json:"memory_update"`
}

// fencedBlock matches ```json ... ``` or ``` ... ``` fences.
var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\\r?\\n?(.*?)```")

// ParseResult extracts a Result from a model response. It tries, in
// order: the whole response as JSON, each fenced code block, and the
// span from the first '{' to the last '}'. Both fields must be present
// non-empty strings. Failures wrap ErrUnparsable; no field is ever
// filled in with a guess.
func ParseResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrUnparsable)
	}

	candidates := []string{text}
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	var lastErr error = fmt.Errorf("%w: no JSON object found", ErrUnparsable)
	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err != nil || obj == nil {
			continue
		}
		r, err := resultFrom(obj)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func resultFrom(obj map[string]any) (Result, error) {
	history, err := stringField(obj, "history_entry")
	if err != nil {
		return Result{}, err
	}
	memory, err := stringField(obj, "memory_update")
	if err != nil {
		return Result{}, err
	}
	return Result{HistoryEntry: history, MemoryUpdate: memory}, nil
}

func stringField(obj map[string]any, name string) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrUnparsable, name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrUnparsable, name)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: empty %s", ErrUnparsable, name)
	}
	return s, nil
}
