package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extraction modes accepted by web_fetch.
const (
	ModeMarkdown = "markdown"
	ModeText     = "text"
)

// skipElements are HTML elements whose content should be excluded.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true, // title is extracted separately
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
}

// extractHTML parses HTML and returns its title and readable content in
// the requested mode.
func extractHTML(raw, mode string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", cleanWhitespace(raw)
	}

	title := collapse(findTitle(doc))
	var w strings.Builder
	if mode == ModeText {
		extractText(doc, &w)
	} else {
		extractMarkdown(doc, &w)
	}
	return title, cleanWhitespace(w.String())
}

// findTitle walks the DOM looking for a <title> element.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// textContent returns the concatenated text of n and its descendants,
// skipping non-content elements.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && skipElements[n.DataAtom] {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
		b.WriteString(" ")
	}
	return b.String()
}

// extractText recursively extracts visible text from the DOM.
func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode {
		if text := collapse(n.Data); text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

// extractMarkdown renders the DOM as lightweight markdown: headings,
// links and list items keep their structure, everything else becomes
// paragraphs of text.
func extractMarkdown(n *html.Node, w *strings.Builder) {
	if n.Type == html.TextNode {
		if text := collapse(n.Data); text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
		return
	}

	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			level := int(n.Data[1] - '0')
			w.WriteString("\n\n" + strings.Repeat("#", level) + " " + collapse(textContent(n)) + "\n\n")
			return
		case atom.A:
			text := collapse(textContent(n))
			href := attr(n, "href")
			switch {
			case text == "":
			case href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:"):
				w.WriteString(text + " ")
			default:
				w.WriteString("[" + text + "](" + href + ") ")
			}
			return
		case atom.Li:
			w.WriteString("\n- ")
		case atom.Br:
			w.WriteString("\n")
			return
		case atom.Hr:
			w.WriteString("\n\n---\n\n")
			return
		}
		if isBlockElement(n.DataAtom) {
			w.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractMarkdown(c, w)
	}

	if n.Type == html.ElementNode && isBlockElement(n.DataAtom) {
		w.WriteString("\n\n")
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// isBlockElement returns true for elements that typically render as blocks.
func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanWhitespace trims every line, collapses runs of spaces and drops
// consecutive blank lines.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var cleaned []string
	prevEmpty := false

	for _, line := range lines {
		line = collapse(line)
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
