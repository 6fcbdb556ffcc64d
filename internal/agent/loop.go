// Package agent implements the core agent loop: one user message in,
// zero or more validated tool calls, one redacted answer out, with the
// session persisted and consolidated along the way.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/warden/internal/events"
	"github.com/nugget/warden/internal/llm"
	"github.com/nugget/warden/internal/memory"
	"github.com/nugget/warden/internal/prompts"
	"github.com/nugget/warden/internal/secrets"
	"github.com/nugget/warden/internal/session"
	"github.com/nugget/warden/internal/tools"
)

// DefaultSessionKey is used when a caller supplies no session key.
const DefaultSessionKey = "cli:direct"

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxIterations = 20
	DefaultMemoryWindow  = 50
)

// Config holds the loop's resolved settings.
type Config struct {
	Model       string
	MaxTokens   int
	// Temperature is sent as is, zero included. Nil leaves the provider
	// default.
	Temperature *float64

	// MaxIterations bounds provider calls per turn.
	MaxIterations int
	// MemoryWindow is how many session messages are sent to the model.
	MemoryWindow int

	// Workspace is named in the system prompt.
	Workspace string

	// KnownSecrets and Mask drive answer redaction.
	KnownSecrets []string
	Mask         string
}

// Result describes a completed turn.
type Result struct {
	TurnID     string
	Session    string
	Answer     string
	ToolsUsed  []string
	Iterations int
	// Degraded is set when the answer is a fallback rather than model
	// output (provider failure or iteration cap).
	Degraded      bool
	Consolidation memory.Outcome
}

// Loop is the core agent execution loop.
type Loop struct {
	cfg          Config
	llm          llm.Client
	tools        *tools.Registry
	sessions     *session.Manager
	consolidator *memory.Consolidator
	bus          *events.Bus
	logger       *slog.Logger
	now          func() time.Time
}

// NewLoop creates a new agent loop. consolidator may be nil, in which
// case sessions grow without bound.
func NewLoop(cfg Config, client llm.Client, registry *tools.Registry, sessions *session.Manager, consolidator *memory.Consolidator, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = DefaultMemoryWindow
	}
	if registry == nil {
		registry = tools.NewRegistry(logger)
		registry.SetRedaction(cfg.KnownSecrets, cfg.Mask)
	}
	return &Loop{
		cfg:          cfg,
		llm:          client,
		tools:        registry,
		sessions:     sessions,
		consolidator: consolidator,
		logger:       logger,
		now:          time.Now,
	}
}

// SetEventBus publishes turn lifecycle events to bus.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.bus = bus
}

// Tools returns the loop's tool registry.
func (l *Loop) Tools() *tools.Registry { return l.tools }

// ProcessDirect runs one turn for sessionKey and returns the answer.
func (l *Loop) ProcessDirect(ctx context.Context, sessionKey, text string) (string, error) {
	res, err := l.Process(ctx, sessionKey, text)
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}

// Process runs one turn: it takes the session's turn lock, appends the
// user message to a working copy, alternates provider calls and tool
// calls until the model answers, redacts the answer, consolidates if
// the session outgrew its window, and saves once.
//
// Cancellation before the answer is redacted returns ctx.Err() and
// leaves the session untouched. From then on the turn is committed and
// persistence ignores cancellation.
func (l *Loop) Process(ctx context.Context, sessionKey, text string) (*Result, error) {
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	start := l.now()
	res := &Result{TurnID: uuid.NewString(), Session: sessionKey}
	log := l.logger.With("session", sessionKey, "turn_id", res.TurnID)

	release, err := l.sessions.Lock(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := l.sessions.GetOrCreate(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionKey, err)
	}

	l.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id": res.TurnID,
		"session": sessionKey,
	})
	log.Info("turn started", "history", len(sess.Messages))

	now := l.now()
	sess.Append(session.NewMessage(session.RoleUser, text, now), now)

	transcript := l.buildTranscript(sess, log)

	answer, err := l.iterate(ctx, res, transcript, log)
	if err != nil {
		log.Info("turn canceled", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		log.Info("turn canceled", "error", err)
		return nil, err
	}

	res.Answer = l.redact(answer)

	pctx := context.WithoutCancel(ctx)
	now = l.now()
	reply := session.NewMessage(session.RoleAssistant, res.Answer, now)
	reply.ToolsUsed = res.ToolsUsed
	sess.Append(reply, now)

	if l.consolidator != nil && l.consolidator.NeedsConsolidation(sess) {
		outcome, err := l.consolidator.Consolidate(pctx, sess)
		if err != nil {
			log.Error("consolidation failed; saving unconsolidated session", "error", l.redact(err.Error()))
		}
		res.Consolidation = outcome
	}

	if err := l.sessions.Save(pctx, sess); err != nil {
		log.Error("session save failed", "error", l.redact(err.Error()))
		return nil, fmt.Errorf("save session %s: %w", sessionKey, err)
	}

	elapsed := l.now().Sub(start)
	l.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"turn_id":    res.TurnID,
		"session":    sessionKey,
		"iterations": res.Iterations,
		"tools_used": res.ToolsUsed,
		"degraded":   res.Degraded,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	log.Info("turn complete",
		"iterations", res.Iterations,
		"tools", len(res.ToolsUsed),
		"degraded", res.Degraded,
		"consolidation", res.Consolidation.String(),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return res, nil
}

// buildTranscript assembles the system prompt and the newest
// MemoryWindow session messages.
func (l *Loop) buildTranscript(sess *session.Session, log *slog.Logger) []llm.Message {
	var memDoc string
	if l.consolidator != nil {
		doc, err := l.consolidator.Files().ReadMemory()
		if err != nil {
			log.Warn("memory document unreadable", "error", err)
		}
		memDoc = doc
	}

	history := sess.History(l.cfg.MemoryWindow)
	transcript := make([]llm.Message, 0, len(history)+1)
	transcript = append(transcript, llm.Message{
		Role:    llm.RoleSystem,
		Content: prompts.SystemPrompt(l.now(), l.cfg.Workspace, memDoc),
	})
	for _, m := range history {
		transcript = append(transcript, llm.Message{Role: m.Role, Content: m.Content})
	}
	return transcript
}

// iterate drives provider and tool calls until the model answers. It
// returns an error only when ctx is done; provider failures and the
// iteration cap produce degraded answers instead.
func (l *Loop) iterate(ctx context.Context, res *Result, transcript []llm.Message, log *slog.Logger) (string, error) {
	defs := l.tools.Definitions()

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res.Iterations = iter + 1

		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"turn_id": res.TurnID,
			"iter":    iter,
			"model":   l.cfg.Model,
		})
		log.Debug("calling model", "iter", iter, "model", l.cfg.Model, "messages", len(transcript))

		resp, err := l.llm.Chat(ctx, llm.ChatRequest{
			Model:       l.cfg.Model,
			Messages:    transcript,
			Tools:       defs,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			log.Error("model call failed", "iter", iter, "error", l.redact(err.Error()))
			res.Degraded = true
			return prompts.ProviderErrorFallback, nil
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			content := strings.TrimSpace(resp.Message.Content)
			if content == "" {
				log.Warn("model returned empty response", "iter", iter)
				content = prompts.EmptyResponseFallback
			}
			return content, nil
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", iter, i)
			}
		}
		transcript = append(transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			name := call.Function.Name
			res.ToolsUsed = append(res.ToolsUsed, name)

			l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
				"turn_id": res.TurnID,
				"tool":    name,
			})
			started := time.Now()
			result, ok := l.tools.Invoke(ctx, name, call.Function.Arguments)
			l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
				"turn_id":     res.TurnID,
				"tool":        name,
				"ok":          ok,
				"duration_ms": time.Since(started).Milliseconds(),
			})
			log.Debug("tool call finished", "tool", name, "ok", ok)

			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   name,
			})
		}
	}

	log.Warn("turn degraded", "error", ErrIterationCap, "max_iterations", l.cfg.MaxIterations)
	res.Degraded = true
	return prompts.IterationCapFallback, nil
}

func (l *Loop) redact(text string) string {
	return secrets.Redact(text, l.cfg.KnownSecrets, l.cfg.Mask)
}

// NewSummarizer returns a memory summarizer that sends the
// consolidation prompt to client as a single user message.
func NewSummarizer(client llm.Client, cfg Config) *memory.LLMSummarizer {
	return memory.NewLLMSummarizer(func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Chat(ctx, llm.ChatRequest{
			Model:       cfg.Model,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return "", err
		}
		return resp.Message.Content, nil
	})
}
