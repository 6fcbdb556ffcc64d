// Package fetch provides web page fetching and content extraction.
// It downloads a URL and returns readable content: HTML reduced to
// markdown or plain text with navigation and scripts stripped, JSON
// pretty-printed, anything else passed through.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/warden/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
const DefaultMaxChars = 50000

// MinMaxChars is the smallest maxChars a caller may ask for.
const MinMaxChars = 100

// MaxRedirects bounds redirect chains.
const MaxRedirects = 5

// Extractor names reported in Result.
const (
	ExtractorHTML = "html"
	ExtractorJSON = "json"
	ExtractorRaw  = "raw"
)

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL       string `json:"url"`
	FinalURL  string `json:"finalUrl"`
	Status    int    `json:"status"`
	Extractor string `json:"extractor"`
	Truncated bool   `json:"truncated"`
	Length    int    `json:"length"`
	Text      string `json:"text"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher. maxChars is the default output limit; zero
// uses DefaultMaxChars.
func New(maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithMaxRedirects(MaxRedirects),
		),
		maxBytes: DefaultMaxBytes,
		maxChars: maxChars,
	}
}

// ValidateURL accepts only absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		scheme := u.Scheme
		if scheme == "" {
			scheme = "none"
		}
		return fmt.Errorf("only http/https allowed, got '%s'", scheme)
	}
	if u.Host == "" {
		return errors.New("missing domain")
	}
	return nil
}

// Fetch downloads rawURL and extracts its content in mode (ModeMarkdown
// or ModeText). maxChars limits the output length in characters; zero
// uses the Fetcher's default.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, mode string, maxChars int) (*Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("URL validation failed: %w", err)
	}
	if maxChars <= 0 {
		maxChars = f.maxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("HTTP %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	text, extractor := extract(resp.Header.Get("Content-Type"), body, mode)

	truncated := false
	if utf8.RuneCountInString(text) > maxChars {
		text = truncateUTF8(text, maxChars)
		truncated = true
	}

	return &Result{
		URL:       rawURL,
		FinalURL:  resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Extractor: extractor,
		Truncated: truncated,
		Length:    utf8.RuneCountInString(text),
		Text:      text,
	}, nil
}

// extract picks an extractor from the content type, falling back to
// sniffing the body for HTML.
func extract(contentType string, body []byte, mode string) (string, string) {
	ct := strings.ToLower(contentType)

	switch {
	case strings.Contains(ct, "application/json") || strings.HasSuffix(strings.SplitN(ct, ";", 2)[0], "+json"):
		var buf bytes.Buffer
		if err := json.Indent(&buf, bytes.TrimSpace(body), "", "  "); err == nil {
			return buf.String(), ExtractorJSON
		}
		return string(body), ExtractorRaw
	case isHTML(ct) || looksLikeHTML(body):
		title, content := extractHTML(string(body), mode)
		if title != "" {
			content = "# " + title + "\n\n" + content
		}
		return content, ExtractorHTML
	case !utf8.Valid(body):
		return fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body)), ExtractorRaw
	default:
		return string(body), ExtractorRaw
	}
}

func isHTML(ct string) bool {
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 256 {
		head = head[:256]
	}
	head = bytes.ToLower(bytes.TrimLeft(head, " \t\r\n"))
	return bytes.HasPrefix(head, []byte("<!doctype")) || bytes.HasPrefix(head, []byte("<html"))
}

// truncateUTF8 truncates a string to maxChars runes, ensuring it doesn't
// break in the middle of a multi-byte character.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
