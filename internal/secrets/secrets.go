// Package secrets finds likely credentials in structured configuration
// and scrubs them from text before it leaves the process.
package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultMask replaces redacted values when no mask is configured.
const DefaultMask = "***"

// minSecretLen is the shortest value treated as a secret. Shorter
// values are too likely to collide with ordinary words.
const minSecretLen = 6

var sensitiveKeyHints = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"access_key",
	"private_key",
}

var placeholderValues = map[string]bool{
	"":              true,
	"***":           true,
	"none":          true,
	"null":          true,
	"dummy":         true,
	"changeme":      true,
	"change-me":     true,
	"replace-me":    true,
	"your-api-key":  true,
	"your-token":    true,
	"your-password": true,
}

const sensitiveKeyPattern = `[A-Za-z0-9_.-]*(?:password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key)[A-Za-z0-9_.-]*`

var (
	jsonDoubleQuoted = regexp.MustCompile(
		`(?i)(?P<prefix>"(?P<key>` + sensitiveKeyPattern + `)"[ \t]*:[ \t]*")(?P<value>[^"\n]*)(?P<suffix>")`)

	jsonSingleQuoted = regexp.MustCompile(
		`(?i)(?P<prefix>'(?P<key>` + sensitiveKeyPattern + `)'[ \t]*:[ \t]*')(?P<value>[^'\n]*)(?P<suffix>')`)

	yamlKeyValue = regexp.MustCompile(
		`(?im)^(?P<prefix>[ \t]*(?P<key>` + sensitiveKeyPattern + `)[ \t]*:[ \t]*)(?P<value>[^#\r\n]+?)(?P<suffix>[ \t]*(?:#.*)?)$`)

	envKeyValue = regexp.MustCompile(
		`(?im)^(?P<prefix>[ \t]*(?:export[ \t]+)?(?P<key>[A-Za-z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API_KEY|APIKEY|ACCESS_KEY|PRIVATE_KEY)[A-Za-z0-9_]*)[ \t]*=[ \t]*)(?P<value>[^\r\n]+)$`)

	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
)

// IsSensitiveKey reports whether a configuration key name suggests its
// value is a credential. Matching ignores case and punctuation, so
// "imapPassword", "SMTP_PASSWORD" and "api-key" all qualify.
func IsSensitiveKey(key string) bool {
	normalized := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(key), "_"), "_")
	for _, hint := range sensitiveKeyHints {
		if strings.Contains(normalized, hint) {
			return true
		}
	}
	return false
}

// normalize trims a candidate value and reports whether it qualifies
// as a secret.
func normalize(value string) (string, bool) {
	candidate := strings.TrimSpace(value)
	if placeholderValues[strings.ToLower(candidate)] {
		return "", false
	}
	if len(candidate) < minSecretLen {
		return "", false
	}
	return candidate, true
}

// Extract walks a decoded configuration tree (maps, slices and scalars
// as produced by encoding/json or yaml.v3) and returns the string
// values found under sensitive keys. Values inside a list inherit the
// key of the list. The result is deduplicated and ordered longest
// first, ties broken lexically.
func Extract(data any) []string {
	found := make(map[string]bool)

	var walk func(node any, key string)
	walk = func(node any, key string) {
		switch v := node.(type) {
		case map[string]any:
			for k, child := range v {
				walk(child, k)
			}
		case map[any]any:
			for k, child := range v {
				if ks, ok := k.(string); ok {
					walk(child, ks)
				}
			}
		case map[string]string:
			for k, child := range v {
				walk(child, k)
			}
		case []any:
			for _, item := range v {
				walk(item, key)
			}
		case []string:
			for _, item := range v {
				walk(item, key)
			}
		case string:
			if key == "" || !IsSensitiveKey(key) {
				return
			}
			if s, ok := normalize(v); ok {
				found[s] = true
			}
		}
	}
	walk(data, "")

	return sortLongestFirst(found)
}

func sortLongestFirst(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// Redact masks sensitive values in text. Every known secret that
// qualifies as a secret is replaced literally, longest first, so a
// secret containing another is never left half-masked. Then values of
// sensitive-looking keys are masked in quoted key/value pairs, YAML
// style "key: value" lines and shell style KEY=value lines. Values that
// are booleans, null-like or already equal to mask are left alone, and
// surrounding quotes are kept. An empty mask means [DefaultMask].
func Redact(text string, known []string, mask string) string {
	if text == "" {
		return text
	}
	if mask == "" {
		mask = DefaultMask
	}

	set := make(map[string]bool, len(known))
	for _, k := range known {
		if s, ok := normalize(k); ok {
			set[s] = true
		}
	}
	redacted := text
	for _, s := range sortLongestFirst(set) {
		redacted = strings.ReplaceAll(redacted, s, mask)
	}

	replaceJSON := func(m match) string {
		if !shouldMask(m.group("value"), mask) {
			return m.whole
		}
		return m.group("prefix") + mask + m.group("suffix")
	}
	redacted = replaceMatches(jsonDoubleQuoted, redacted, replaceJSON)
	redacted = replaceMatches(jsonSingleQuoted, redacted, replaceJSON)

	redacted = replaceMatches(yamlKeyValue, redacted, func(m match) string {
		value := m.group("value")
		if !shouldMask(value, mask) {
			return m.whole
		}
		return m.group("prefix") + maskPreservingQuote(value, mask) + m.group("suffix")
	})

	redacted = replaceMatches(envKeyValue, redacted, func(m match) string {
		value := m.group("value")
		if !shouldMask(value, mask) {
			return m.whole
		}
		return m.group("prefix") + maskPreservingQuote(value, mask)
	})

	return redacted
}

func shouldMask(raw, mask string) bool {
	candidate := strings.TrimSpace(raw)
	if candidate == "" || candidate == mask {
		return false
	}
	switch strings.ToLower(candidate) {
	case "true", "false", "null", "none":
		return false
	}
	return true
}

func maskPreservingQuote(raw, mask string) string {
	value := strings.TrimSpace(raw)
	if n := len(value); n >= 2 && value[0] == value[n-1] && (value[0] == '"' || value[0] == '\'') {
		if shouldMask(value[1:n-1], mask) {
			q := string(value[0])
			return q + mask + q
		}
	}
	if shouldMask(value, mask) {
		return mask
	}
	return raw
}

// match is one regexp match with access to its named groups.
type match struct {
	whole string
	src   string
	idx   []int
	names []string
}

func (m match) group(name string) string {
	for i, n := range m.names {
		if n == name && m.idx[2*i] >= 0 {
			return m.src[m.idx[2*i]:m.idx[2*i+1]]
		}
	}
	return ""
}

// replaceMatches rewrites every match of re in src with the result of
// fn, which can inspect the named groups of the match.
func replaceMatches(re *regexp.Regexp, src string, fn func(match) string) string {
	all := re.FindAllStringSubmatchIndex(src, -1)
	if len(all) == 0 {
		return src
	}

	names := re.SubexpNames()
	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, idx := range all {
		b.WriteString(src[last:idx[0]])
		b.WriteString(fn(match{
			whole: src[idx[0]:idx[1]],
			src:   src,
			idx:   idx,
			names: names,
		}))
		last = idx[1]
	}
	b.WriteString(src[last:])
	return b.String()
}
