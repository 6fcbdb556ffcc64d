package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/warden/internal/events"
	"github.com/nugget/warden/internal/session"
)

type fakeSummarizer struct {
	reply  string
	err    error
	calls  int
	got    []session.Message
	memory string
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []session.Message, currentMemory string) (string, error) {
	f.calls++
	f.got = append([]session.Message(nil), msgs...)
	f.memory = currentMemory
	return f.reply, f.err
}

var fixedNow = time.Date(2026, 5, 17, 14, 5, 0, 0, time.UTC)

func newTestConsolidator(t *testing.T, sum Summarizer, window int, known ...string) (*Consolidator, *Files) {
	t.Helper()
	files := NewFiles(filepath.Join(t.TempDir(), "memory"))
	c := NewConsolidator(files, sum, ConsolidatorConfig{
		Window:       window,
		KnownSecrets: known,
		Mask:         "***",
	}, nil)
	c.now = func() time.Time { return fixedNow }
	return c, files
}

func sixMessages() *session.Session {
	s := session.New("cli:test", fixedNow)
	pairs := []struct{ role, content string }{
		{session.RoleUser, "u1"},
		{session.RoleAssistant, "a1"},
		{session.RoleUser, "u2"},
		{session.RoleAssistant, "a2"},
		{session.RoleUser, "u3"},
		{session.RoleAssistant, "a3"},
	}
	for i, p := range pairs {
		ts := time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		s.Messages = append(s.Messages, session.NewMessage(p.role, p.content, ts))
	}
	return s
}

func TestConsolidate_FallbackOnEmptyReply(t *testing.T) {
	sum := &fakeSummarizer{reply: ""}
	c, files := newTestConsolidator(t, sum, 4)
	s := sixMessages()

	outcome, err := c.Consolidate(context.Background(), s)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if outcome != FallbackConsolidated {
		t.Errorf("outcome = %v, want fallback", outcome)
	}
	if len(s.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(s.Messages))
	}
	if s.Messages[0].Content != "u3" || s.Messages[1].Content != "a3" {
		t.Errorf("kept %q, %q; want the newest two", s.Messages[0].Content, s.Messages[1].Content)
	}

	history, _ := files.ReadHistory()
	entries := ParseHistory(history, time.UTC)
	if len(entries) != 1 {
		t.Fatalf("history has %d entries, want 1:\n%s", len(entries), history)
	}
	e := entries[0]
	if !strings.Contains(e.Text, FallbackMarker) {
		t.Errorf("entry lacks fallback marker: %s", e.Text)
	}
	if !strings.Contains(e.Text, "dropped 4 messages") {
		t.Errorf("entry lacks drop count: %s", e.Text)
	}
	if !strings.Contains(e.Text, "user: u1") || !strings.Contains(e.Text, "assistant: a2") {
		t.Errorf("entry lacks excerpt: %s", e.Text)
	}
	if !e.Time.Equal(fixedNow) {
		t.Errorf("entry stamped %v, want consolidation time %v", e.Time, fixedNow)
	}

	mem, _ := files.ReadMemory()
	if mem != "" {
		t.Errorf("fallback wrote memory document: %q", mem)
	}
}

func TestConsolidate_Success(t *testing.T) {
	sum := &fakeSummarizer{reply: `{"history_entry":"Discussed u1 and u2.","memory_update":"# Memory\n- likes u-things"}`}
	c, files := newTestConsolidator(t, sum, 4)
	if err := files.WriteMemory("# Memory\n"); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	s := sixMessages()

	outcome, err := c.Consolidate(context.Background(), s)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if outcome != Consolidated {
		t.Errorf("outcome = %v, want consolidated", outcome)
	}
	if len(s.Messages) != 2 {
		t.Errorf("len(messages) = %d, want 2", len(s.Messages))
	}
	if sum.calls != 1 || len(sum.got) != 4 {
		t.Errorf("summarizer calls=%d got=%d messages, want 1 call with 4", sum.calls, len(sum.got))
	}
	if sum.memory != "# Memory\n" {
		t.Errorf("summarizer saw memory %q", sum.memory)
	}

	history, _ := files.ReadHistory()
	want := "[2026-05-17 14:05] Discussed u1 and u2.\n\n"
	if history != want {
		t.Errorf("history = %q, want %q", history, want)
	}
	mem, _ := files.ReadMemory()
	if mem != "# Memory\n- likes u-things" {
		t.Errorf("memory = %q", mem)
	}
}

func TestConsolidate_StampsConsolidationTime(t *testing.T) {
	sum := &fakeSummarizer{reply: "```json\n{\"history_entry\":\"[2026-01-01 00:00] Early chat.\",\"memory_update\":\"m\"}\n```"}
	c, files := newTestConsolidator(t, sum, 4)

	if _, err := c.Consolidate(context.Background(), sixMessages()); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	history, _ := files.ReadHistory()
	want := "[2026-05-17 14:05] Early chat.\n\n"
	if history != want {
		t.Errorf("history = %q, want %q", history, want)
	}
	entries := ParseHistory(history, time.UTC)
	if len(entries) != 1 || !entries[0].Time.Equal(fixedNow) {
		t.Errorf("entries = %+v, want one stamped %v", entries, fixedNow)
	}
}

func TestConsolidate_FallbackReasons(t *testing.T) {
	tests := []struct {
		name   string
		sum    *fakeSummarizer
		reason string
	}{
		{"call error", &fakeSummarizer{err: errors.New("connection refused")}, "summarizer error: connection refused"},
		{"prose", &fakeSummarizer{reply: "I could not summarize this."}, "no JSON object"},
		{"missing field", &fakeSummarizer{reply: `{"history_entry":"h"}`}, "missing memory_update"},
		{"empty field", &fakeSummarizer{reply: `{"history_entry":"","memory_update":"m"}`}, "empty history_entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, files := newTestConsolidator(t, tt.sum, 4)
			s := sixMessages()

			outcome, err := c.Consolidate(context.Background(), s)
			if err != nil {
				t.Fatalf("Consolidate: %v", err)
			}
			if outcome != FallbackConsolidated {
				t.Errorf("outcome = %v, want fallback", outcome)
			}
			if len(s.Messages) != 2 {
				t.Errorf("len(messages) = %d, want 2", len(s.Messages))
			}
			history, _ := files.ReadHistory()
			if !strings.Contains(history, FallbackMarker) || !strings.Contains(history, tt.reason) {
				t.Errorf("history %q should mention %q", history, tt.reason)
			}
		})
	}
}

func TestConsolidate_Skipped(t *testing.T) {
	sum := &fakeSummarizer{}
	c, files := newTestConsolidator(t, sum, 6)
	s := sixMessages()

	outcome, err := c.Consolidate(context.Background(), s)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if outcome != Skipped || len(s.Messages) != 6 || sum.calls != 0 {
		t.Errorf("outcome=%v messages=%d calls=%d, want untouched", outcome, len(s.Messages), sum.calls)
	}
	if _, err := os.Stat(files.HistoryPath()); !os.IsNotExist(err) {
		t.Errorf("history written for a skipped consolidation")
	}
}

func TestConsolidate_OddWindow(t *testing.T) {
	c, _ := newTestConsolidator(t, &fakeSummarizer{}, 5)
	s := sixMessages()
	if _, err := c.Consolidate(context.Background(), s); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(s.Messages) != 2 {
		t.Errorf("len(messages) = %d, want 5/2 = 2", len(s.Messages))
	}
}

func TestConsolidate_RedactsHistory(t *testing.T) {
	t.Run("fallback excerpt", func(t *testing.T) {
		c, files := newTestConsolidator(t, &fakeSummarizer{}, 4, "hunter2-secret")
		s := sixMessages()
		s.Messages[0].Content = "my password is hunter2-secret"
		s.Messages[1].Content = "API_KEY=abc123456"

		if _, err := c.Consolidate(context.Background(), s); err != nil {
			t.Fatalf("Consolidate: %v", err)
		}
		history, _ := files.ReadHistory()
		if strings.Contains(history, "hunter2-secret") {
			t.Errorf("known secret leaked into history: %s", history)
		}
	})

	t.Run("summary", func(t *testing.T) {
		sum := &fakeSummarizer{reply: `{"history_entry":"User shared token hunter2-secret.","memory_update":"token: hunter2-secret"}`}
		c, files := newTestConsolidator(t, sum, 4, "hunter2-secret")

		if _, err := c.Consolidate(context.Background(), sixMessages()); err != nil {
			t.Fatalf("Consolidate: %v", err)
		}
		history, _ := files.ReadHistory()
		mem, _ := files.ReadMemory()
		if strings.Contains(history, "hunter2-secret") || strings.Contains(mem, "hunter2-secret") {
			t.Errorf("secret leaked: history=%q memory=%q", history, mem)
		}
	})
}

func TestConsolidate_BoundedExcerpt(t *testing.T) {
	c, files := newTestConsolidator(t, &fakeSummarizer{}, 4)
	s := sixMessages()
	for i := range s.Messages {
		s.Messages[i].Content = strings.Repeat("word ", 500)
	}
	if _, err := c.Consolidate(context.Background(), s); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	history, _ := files.ReadHistory()
	if len(history) > excerptTotal+500 {
		t.Errorf("fallback entry is %d bytes, want it bounded", len(history))
	}
}

func TestConsolidate_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	c, _ := newTestConsolidator(t, &fakeSummarizer{}, 4)
	c.SetEventBus(bus)
	c.Consolidate(context.Background(), sixMessages())

	select {
	case e := <-ch:
		if e.Source != events.SourceMemory || e.Kind != events.KindConsolidationFallback {
			t.Errorf("event = %s/%s", e.Source, e.Kind)
		}
		if e.Data["dropped"] != 4 || e.Data["kept"] != 2 {
			t.Errorf("event data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestLLMSummarizer_Prompt(t *testing.T) {
	var prompt string
	sum := NewLLMSummarizer(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "ok", nil
	})

	msgs := []session.Message{
		{Role: session.RoleUser, Content: "remind me about the dentist", Timestamp: "2026-02-03T09:15:00.000000Z"},
		{Role: session.RoleAssistant, Content: "Noted.", Timestamp: "2026-02-03T09:15:02.000000Z", ToolsUsed: []string{"now_time"}},
	}
	if _, err := sum.Summarize(context.Background(), msgs, "- lives in Austin"); err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	for _, want := range []string{
		"[2026-02-03T09:15] USER: remind me about the dentist",
		"ASSISTANT [tools: now_time]: Noted.",
		"- lives in Austin",
		`"history_entry"`,
		`"memory_update"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
