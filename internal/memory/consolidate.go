package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/warden/internal/events"
	"github.com/nugget/warden/internal/prompts"
	"github.com/nugget/warden/internal/secrets"
	"github.com/nugget/warden/internal/session"
)

// FallbackMarker tags history entries written when summarization
// failed. The health report counts entries containing it.
const FallbackMarker = "Consolidation fallback"

// Excerpt bounds for fallback history entries.
const (
	excerptPerMessage = 200
	excerptTotal      = 1200
)

// Outcome reports what a consolidation did.
type Outcome int

const (
	// Skipped: the session was within the window; nothing changed.
	Skipped Outcome = iota
	// Consolidated: old messages were summarized into history and memory.
	Consolidated
	// FallbackConsolidated: summarization failed; old messages were
	// dropped and a raw excerpt recorded in history instead.
	FallbackConsolidated
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Consolidated:
		return "consolidated"
	case FallbackConsolidated:
		return "fallback"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Summarizer produces the raw consolidation response for a batch of
// old messages. currentMemory is the memory document the response
// should merge into.
type Summarizer interface {
	Summarize(ctx context.Context, messages []session.Message, currentMemory string) (string, error)
}

// LLMSummarizer asks a language model for the consolidation JSON.
type LLMSummarizer struct {
	llmFunc func(ctx context.Context, prompt string) (string, error)
}

// NewLLMSummarizer creates a summarizer that sends the consolidation
// prompt through llmFunc and returns the model's text.
func NewLLMSummarizer(llmFunc func(ctx context.Context, prompt string) (string, error)) *LLMSummarizer {
	return &LLMSummarizer{llmFunc: llmFunc}
}

// Summarize formats messages one per line as "[timestamp] ROLE: content"
// and sends the consolidation prompt.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []session.Message, currentMemory string) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		ts := m.Timestamp
		if len(ts) > 16 {
			ts = ts[:16]
		}
		sb.WriteString(fmt.Sprintf("[%s] %s", ts, strings.ToUpper(m.Role)))
		if len(m.ToolsUsed) > 0 {
			sb.WriteString(" [tools: " + strings.Join(m.ToolsUsed, ", ") + "]")
		}
		sb.WriteString(": " + m.Content + "\n")
	}
	return s.llmFunc(ctx, prompts.ConsolidationPrompt(currentMemory, sb.String()))
}

// ConsolidatorConfig configures a Consolidator.
type ConsolidatorConfig struct {
	// Window is the message count a session may hold before it is
	// consolidated. Consolidation keeps the newest Window/2 messages.
	Window int
	// KnownSecrets are redacted from everything written to disk.
	KnownSecrets []string
	// Mask replaces redacted values.
	Mask string
}

// Consolidator keeps sessions bounded by moving old messages into the
// memory files.
type Consolidator struct {
	files      *Files
	summarizer Summarizer
	cfg        ConsolidatorConfig
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time
}

// NewConsolidator creates a consolidator writing to files.
func NewConsolidator(files *Files, summarizer Summarizer, cfg ConsolidatorConfig, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	return &Consolidator{
		files:      files,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetEventBus publishes consolidation outcomes to bus.
func (c *Consolidator) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

// Window returns the configured window.
func (c *Consolidator) Window() int { return c.cfg.Window }

// Files returns the memory files the consolidator writes.
func (c *Consolidator) Files() *Files { return c.files }

// NeedsConsolidation reports whether s holds more messages than the
// window.
func (c *Consolidator) NeedsConsolidation(s *session.Session) bool {
	return len(s.Messages) > c.cfg.Window
}

// Consolidate trims s to its newest Window/2 messages when it exceeds
// the window, recording what was dropped.
//
// The dropped prefix goes to the summarizer once. A usable result is
// appended to the history log and replaces the memory document
// (Consolidated). Any summarizer failure, empty reply or unparsable
// reply instead appends a history entry tagged FallbackMarker holding
// a short redacted excerpt (FallbackConsolidated). Either way the
// session ends with exactly Window/2 messages.
//
// Consolidate mutates s in place; callers pass a working copy and
// persist it afterwards. An error is returned only when the memory
// files cannot be written, in which case s is left untouched.
func (c *Consolidator) Consolidate(ctx context.Context, s *session.Session) (Outcome, error) {
	if !c.NeedsConsolidation(s) {
		return Skipped, nil
	}

	keep := c.cfg.Window / 2
	cut := len(s.Messages) - keep
	dropped := s.Messages[:cut]
	kept := s.Messages[cut:]

	log := c.logger.With("session", s.Key, "dropped", len(dropped), "kept", len(kept))

	current, err := c.files.ReadMemory()
	if err != nil {
		return Skipped, err
	}

	reason := ""
	raw, err := c.summarizer.Summarize(ctx, dropped, current)
	var result Result
	switch {
	case err != nil:
		reason = "summarizer error: " + c.redact(err.Error())
	default:
		result, err = ParseResult(raw)
		if err != nil {
			reason = err.Error()
		}
	}

	now := c.now()
	outcome := Consolidated
	if reason == "" {
		entry := c.redact(stripStamp(result.HistoryEntry))
		if entry == "" {
			entry = "(no summary)"
		}
		entry = Stamp(now, entry)
		if err := c.files.AppendHistory(entry); err != nil {
			return Skipped, err
		}
		if err := c.files.WriteMemory(c.redact(result.MemoryUpdate)); err != nil {
			return Skipped, err
		}
		log.Info("session consolidated")
	} else {
		outcome = FallbackConsolidated
		if err := c.files.AppendHistory(c.fallbackEntry(now, reason, dropped)); err != nil {
			return Skipped, err
		}
		log.Warn("consolidation fell back to truncation", "reason", reason)
	}

	s.Messages = append([]session.Message(nil), kept...)
	s.UpdatedAt = now

	data := map[string]any{
		"session": s.Key,
		"dropped": len(dropped),
		"kept":    len(kept),
	}
	kind := events.KindConsolidated
	if outcome == FallbackConsolidated {
		kind = events.KindConsolidationFallback
		data["reason"] = reason
	}
	c.bus.Emit(events.SourceMemory, kind, data)

	return outcome, nil
}

func (c *Consolidator) redact(text string) string {
	return secrets.Redact(text, c.cfg.KnownSecrets, c.cfg.Mask)
}

// fallbackEntry builds the history block recorded when summarization
// failed: the reason, how many messages were dropped, and a bounded
// excerpt of them with newlines flattened.
func (c *Consolidator) fallbackEntry(now time.Time, reason string, dropped []session.Message) string {
	var parts []string
	total := 0
	for _, m := range dropped {
		text := strings.Join(strings.Fields(m.Content), " ")
		if text == "" {
			continue
		}
		text = truncate(text, excerptPerMessage)
		part := m.Role + ": " + text
		if total+len(part) > excerptTotal {
			parts = append(parts, "…")
			break
		}
		parts = append(parts, part)
		total += len(part)
	}

	excerpt := strings.Join(parts, " | ")
	if excerpt == "" {
		excerpt = "(no text)"
	}
	body := fmt.Sprintf("%s (%s): dropped %d messages. Excerpt: %s",
		FallbackMarker, reason, len(dropped), excerpt)
	return Stamp(now, c.redact(body))
}

// stripStamp removes a leading "[YYYY-MM-DD HH:MM]" the model may have
// written. Entries are stamped with consolidation time, not message time.
func stripStamp(entry string) string {
	entry = strings.TrimSpace(entry)
	return strings.TrimSpace(historyStamp.ReplaceAllString(entry, ""))
}

// truncate shortens s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
