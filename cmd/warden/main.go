// Warden is a single-user agent runtime: one message in, validated tool
// calls, one redacted answer out, with durable sessions and long-term
// memory consolidation.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	warden ask [-session key] <text>   Run one turn and print the answer
//	warden serve                       Start the HTTP API (and MQTT bridge)
//	warden health [-json]              Print the memory/session health report
//	warden version                     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/warden/internal/agent"
	"github.com/nugget/warden/internal/api"
	"github.com/nugget/warden/internal/buildinfo"
	"github.com/nugget/warden/internal/config"
	"github.com/nugget/warden/internal/events"
	"github.com/nugget/warden/internal/fetch"
	"github.com/nugget/warden/internal/health"
	"github.com/nugget/warden/internal/llm"
	"github.com/nugget/warden/internal/memory"
	"github.com/nugget/warden/internal/mqtt"
	"github.com/nugget/warden/internal/search"
	"github.com/nugget/warden/internal/session"
	"github.com/nugget/warden/internal/tools"
)

// errHealthWarn is returned by the health command when any metric warns,
// so the process exits non-zero.
var errHealthWarn = errors.New("health: WARN")

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package so run can be called concurrently from
// tests without shared global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-h" || args[i] == "-help" || args[i] == "--help"):
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	switch command {
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "health":
		return runHealth(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Warden - agent runtime with durable sessions and memory")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: warden [-config path] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask [-session key] <text>   Run one turn and print the answer")
	fmt.Fprintln(w, "  serve                       Start the HTTP API")
	fmt.Fprintln(w, "  health [-json]              Report memory and session health")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/warden/config.yaml, /etc/warden/config.yaml")
	return nil
}

// runAsk handles "warden ask". Logs go to stderr so stdout carries only
// the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	sessionKey := agent.DefaultSessionKey
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-session" && i+1 < len(args):
			sessionKey = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			sessionKey = strings.TrimPrefix(args[i], "-session=")
		default:
			words = append(words, args[i])
		}
	}
	text := strings.TrimSpace(strings.Join(words, " "))
	if text == "" {
		return fmt.Errorf("usage: warden ask [-session key] <text>")
	}

	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.loop.ProcessDirect(ctx, sessionKey, text)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, answer)
	return nil
}

// runHealth handles "warden health". It reads the store and memory
// files only; no provider is contacted.
func runHealth(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	asJSON := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			asJSON = true
		default:
			return fmt.Errorf("usage: warden health [-json]")
		}
	}

	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	monitor := health.NewMonitor(store, memory.NewFiles(cfg.MemoryDir()), healthConfig(cfg))
	report, err := monitor.Check(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else if err := report.WriteText(stdout); err != nil {
		return err
	}

	if report.Status != health.StatusOK {
		return errHealthWarn
	}
	return nil
}

// runServe handles "warden serve": the HTTP API plus, when a broker is
// configured, the MQTT event bridge. It blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting Warden", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.ollama.Ping(pingCtx); err != nil {
		logger.Warn("model provider unreachable; turns will degrade until it returns", "url", cfg.Models.OllamaURL, "error", err)
	}
	pingCancel()

	var wg sync.WaitGroup

	var bridge *mqtt.Bridge
	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
			if err != nil {
				return err
			}
			clientID = mqtt.DefaultClientID(instanceID)
		}
		bridge = mqtt.New(cfg.MQTT, clientID, a.bus, logger.With("component", "mqtt"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
	}

	// In-flight turns outlive the signal; Shutdown drains them.
	server := api.NewServer(cfg.Listen.Addr(), a.loop, a.monitor, a.bus, logger.With("component", "api"))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(context.WithoutCancel(ctx))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if bridge != nil {
		if err := bridge.Stop(shutdownCtx); err != nil {
			logger.Debug("mqtt bridge stop", "error", err)
		}
	}
	cancel()
	wg.Wait()

	logger.Info("Warden stopped")
	return nil
}

// setup loads configuration and builds the configured logger.
func setup(logOut io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	logger, err := config.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("config loaded", "path", cfgPath, "workspace", cfg.Workspace, "sessions", cfg.Sessions.Backend)
	return cfg, logger, nil
}

// app holds the components shared by ask and serve.
type app struct {
	bus        *events.Bus
	ollama     *llm.OllamaClient
	loop       *agent.Loop
	monitor    *health.Monitor
	closeStore func() error
}

func (a *app) Close() error { return a.closeStore() }

// newApp wires the agent: session store and manager, memory files and
// consolidator, tool registry, provider client and event bus.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(store, logger.With("component", "session"))

	bus := events.New()
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger.With("component", "llm"))

	known := cfg.SecretValues()
	temperature := cfg.Agent.Temperature
	agentCfg := agent.Config{
		Model:         cfg.Models.Default,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   &temperature,
		MaxIterations: cfg.Agent.MaxIterations,
		MemoryWindow:  cfg.Agent.MemoryWindow,
		Workspace:     cfg.Workspace,
		KnownSecrets:  known,
		Mask:          cfg.Agent.RedactionMask,
	}

	files := memory.NewFiles(cfg.MemoryDir())
	consolidator := memory.NewConsolidator(files, agent.NewSummarizer(ollama, agentCfg), memory.ConsolidatorConfig{
		Window:       cfg.Agent.MemoryWindow,
		KnownSecrets: known,
		Mask:         cfg.Agent.RedactionMask,
	}, logger.With("component", "memory"))
	consolidator.SetEventBus(bus)

	registry, err := newRegistry(cfg, known, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	loop := agent.NewLoop(agentCfg, ollama, registry, sessions, consolidator, logger.With("component", "agent"))
	loop.SetEventBus(bus)
	logger.Info("agent ready", "model", agentCfg.Model, "tools", strings.Join(registry.Names(), ","))

	return &app{
		bus:        bus,
		ollama:     ollama,
		loop:       loop,
		monitor:    health.NewMonitor(store, files, healthConfig(cfg)),
		closeStore: closeStore,
	}, nil
}

// newRegistry registers the built-in tools.
func newRegistry(cfg *config.Config, known []string, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger.With("component", "tools"))
	registry.SetRedaction(known, cfg.Agent.RedactionMask)

	all := []tools.Tool{tools.NewNowTime()}
	all = append(all, tools.NewFileTools(tools.FileToolsConfig{
		Workspace:    cfg.Workspace,
		Restrict:     cfg.Tools.RestrictToWorkspace,
		KnownSecrets: known,
		Mask:         cfg.Agent.RedactionMask,
	}).Tools()...)
	all = append(all,
		fetch.NewTool(fetch.New(cfg.Tools.FetchMaxChars)),
		search.NewWebSearchTool(search.NewBrave(cfg.Tools.BraveAPIKey), cfg.Tools.SearchMaxResults),
		search.NewOnlineSearchTool(search.NewDuckDuckGo(), cfg.Tools.SearchMaxResults),
	)

	for _, t := range all {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// openStore opens the configured session backend. The returned func
// releases it.
func openStore(cfg *config.Config, logger *slog.Logger) (session.Store, func() error, error) {
	switch cfg.Sessions.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Sessions.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		st, err := session.NewSQLiteStore(cfg.Sessions.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open session database: %w", err)
		}
		return st, st.Close, nil
	default:
		st, err := session.NewFileStore(cfg.Sessions.Dir, logger.With("component", "session"))
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { return nil }, nil
	}
}

func healthConfig(cfg *config.Config) health.Config {
	return health.Config{
		OversizedThreshold: cfg.Health.OversizedThreshold,
		FallbackRatio:      cfg.Health.FallbackRatio,
		FreshnessHours:     cfg.Health.FreshnessHours,
	}
}
