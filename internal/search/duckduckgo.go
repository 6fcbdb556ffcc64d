package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/warden/internal/httpkit"
)

// DefaultDuckDuckGoURL is the DuckDuckGo HTML search endpoint.
const DefaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

// browserUserAgent is sent to DuckDuckGo, which serves a degraded page
// to unknown agents.
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36"

// maxPageBytes bounds the result page read.
const maxPageBytes = 2 << 20

// recencyParams maps a recency option to DuckDuckGo's df parameter.
var recencyParams = map[string]string{
	"day":   "d",
	"week":  "w",
	"month": "m",
	"year":  "y",
}

var validHost = regexp.MustCompile(`^[a-z0-9.-]+$`)

// DuckDuckGo implements the Provider interface by scraping the
// DuckDuckGo HTML endpoint. It needs no API key.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		endpoint: DefaultDuckDuckGoURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithMaxRedirects(5),
			httpkit.WithUserAgent(browserUserAgent),
		),
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := clampCount(opts.Count, DefaultCount)

	params := url.Values{"q": {ComposeQuery(query, opts.Site)}}
	if df, ok := recencyParams[opts.Recency]; ok {
		params.Set("df", df)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("duckduckgo: HTTP %d: %s", resp.StatusCode, body)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: read response: %w", err)
	}
	return parseResults(string(page), count)
}

// NormalizeSite reduces a site filter to a bare lowercase host. It
// accepts a domain or a URL and strips any port. ok is false for an
// empty or malformed host.
func NormalizeSite(site string) (host string, ok bool) {
	raw := strings.TrimSpace(site)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	host = strings.Trim(strings.ToLower(strings.TrimSpace(u.Host)), ".")
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	if host == "" || strings.Contains(host, "..") ||
		strings.HasPrefix(host, "-") || strings.HasSuffix(host, "-") ||
		!validHost.MatchString(host) {
		return "", false
	}
	return host, true
}

// ComposeQuery prefixes query with a site: operator when site is set.
func ComposeQuery(query, site string) string {
	q := strings.TrimSpace(query)
	if site != "" {
		return "site:" + site + " " + q
	}
	return q
}

// decodeRedirect unwraps DuckDuckGo /l/?uddg= redirect links to the
// target URL. Other links are returned unchanged apart from making
// protocol-relative links absolute.
func decodeRedirect(link string) string {
	if strings.HasPrefix(link, "//") {
		link = "https:" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if strings.Contains(u.Host, "duckduckgo.com") && u.Path == "/l/" {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return link
}

// parseResults extracts up to limit results from a DuckDuckGo result
// page. Titles come from result__a anchors, falling back to the
// result-link anchors of the lite layout; snippets from
// result__snippet anchors, paired with titles by position.
func parseResults(page string, limit int) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse response: %w", err)
	}

	var results []Result
	seen := make(map[string]bool)
	for _, class := range []string{"result__a", "result-link"} {
		for _, a := range anchorsWithClass(doc, class) {
			if len(results) >= limit {
				break
			}
			title := collapse(textContent(a))
			link := decodeRedirect(attr(a, "href"))
			if title == "" || link == "" || seen[link] {
				continue
			}
			seen[link] = true
			results = append(results, Result{Title: title, URL: link})
		}
	}

	for i, a := range anchorsWithClass(doc, "result__snippet") {
		if i >= len(results) {
			break
		}
		results[i].Snippet = collapse(textContent(a))
	}
	return results, nil
}

// anchorsWithClass returns <a> elements carrying class, in document
// order.
func anchorsWithClass(n *html.Node, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A && hasClass(n, class) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
