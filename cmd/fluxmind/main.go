// FluxMind is a personal study assistant backend.
//
// It serves chat conversations over HTTP (server-sent events) and
// websockets, runs the model's tool calls, and fires scheduled study
// sessions. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	fluxmind serve              Start the API server
//	fluxmind init [dir]         Write an example config to dir
//	fluxmind ask <question>     Ask a single question (for testing)
//	fluxmind version            Print version and build information
//	fluxmind -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxmind/fluxmind/internal/agent"
	"github.com/fluxmind/fluxmind/internal/api"
	"github.com/fluxmind/fluxmind/internal/buildinfo"
	"github.com/fluxmind/fluxmind/internal/config"
	"github.com/fluxmind/fluxmind/internal/connwatch"
	"github.com/fluxmind/fluxmind/internal/database"
	"github.com/fluxmind/fluxmind/internal/llm"
	"github.com/fluxmind/fluxmind/internal/memory"
	"github.com/fluxmind/fluxmind/internal/message"
	"github.com/fluxmind/fluxmind/internal/mqtt"
	"github.com/fluxmind/fluxmind/internal/scheduler"
	"github.com/fluxmind/fluxmind/internal/tools"
)

// agentName is the path segment the study assistant is served under:
// /agents/chat/{conversation}.
const agentName = "chat"

// main builds the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the fluxmind command. ctx controls
// the lifetime of the process, logs go to stdout, and args is
// os.Args[1:]. Arguments are parsed by hand so run can be called
// concurrently from tests without the flag package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: fluxmind ask <question>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "FluxMind - Personal Study Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fluxmind [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/fluxmind/config.yaml, /etc/fluxmind/config.yaml")
	return nil
}

// runAsk handles "fluxmind ask <question>". It runs one turn through the
// full pipeline against an in-memory store with scheduling disabled and
// prints the answer.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs would interleave with the answer on stdout, so only warnings
	// and errors are shown.
	logger, err := config.NewLogger(stdout, "warn", cfg.LogFormat)
	if err != nil {
		return err
	}

	registry, err := newRegistry(cfg, nil, logger)
	if err != nil {
		return err
	}
	loop := agent.NewLoop(logger, memory.NewStore(), createLLMClient(cfg, logger), registry, agent.Config{
		Model:    cfg.Models.Default,
		MaxSteps: cfg.Models.MaxSteps,
	})

	resp, err := loop.Run(ctx, &agent.Request{
		ConversationID: "cli",
		Messages:       []message.Message{message.NewUserMessage(question)},
	}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Message.Text())
	return nil
}

// runServe handles "fluxmind serve". It opens the database, starts the
// scheduler, builds the agent loop, and serves the API until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. the MQTT notifier publishes offline and disconnects
//  3. the HTTP server drains in-flight requests
//  4. the scheduler waits for running tasks; the database closes
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting", "build", buildinfo.String())
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"provider", cfg.Models.Provider,
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// --- Storage ---
	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store, err := memory.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	schedStore, err := scheduler.NewStore(db)
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}

	// --- MQTT notifier (optional) ---
	var notifier *mqtt.Notifier
	var dailyTokens *mqtt.DailyTokens
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		dailyTokens = mqtt.NewDailyTokens(nil)
		notifier = mqtt.New(cfg.MQTT, instanceID, dailyTokens, &mqttStatsAdapter{model: cfg.Models.Default}, logger)
		logger.Info("mqtt notifications enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt notifications disabled (not configured)")
	}

	// --- Scheduler ---
	// The executor needs the loop and the loop's tools need the
	// scheduler, so the runner is filled in once the loop exists.
	deps := &taskExecDeps{logger: logger}
	if notifier != nil {
		deps.notifier = notifier
	}
	sched := scheduler.New(logger, schedStore, func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		return runScheduledTask(ctx, task, exec, deps)
	})

	// --- Agent ---
	registry, err := newRegistry(cfg, sched, logger)
	if err != nil {
		return err
	}
	llmClient := createLLMClient(cfg, logger)
	loop := agent.NewLoop(logger, store, llmClient, registry, agent.Config{
		Model:    cfg.Models.Default,
		MaxSteps: cfg.Models.MaxSteps,
	})
	deps.runner = loop

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.RegisterAgent(agentName, loop)
	server.SetSchedules(sched)
	if dailyTokens != nil {
		server.SetTokenObserver(dailyTokens.OnTokens)
	}

	// --- Run until signalled ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Dependency health ---
	watch := connwatch.NewManager(logger)
	defer func() {
		cancel()
		watch.Wait()
	}()
	watch.Watch(ctx, "inference", loop.Ping, connwatch.DefaultBackoff())
	if notifier != nil {
		watch.Watch(ctx, "mqtt", func(pctx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pctx, 2*time.Second)
			defer awaitCancel()
			return notifier.AwaitConnection(awaitCtx)
		}, connwatch.DefaultBackoff())
	}
	server.SetServiceStatus(watch.Status)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if notifier != nil {
		g.Go(func() error {
			if err := notifier.Start(gctx); err != nil {
				logger.Error("mqtt notifier failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if notifier != nil {
			if err := notifier.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("FluxMind stopped")
	return nil
}

// newRegistry builds the study tool registry. sched may be nil, which
// disables the scheduling tools.
func newRegistry(cfg *config.Config, sched tools.Scheduler, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)
	study := tools.NewStudyTools(sched, logger)
	study.Register(registry)
	if err := registry.RequireConfirmation(cfg.Tools.RequireConfirmation...); err != nil {
		return nil, fmt.Errorf("tools.require_confirmation: %w", err)
	}
	return registry, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider client. Models listed in
// config are pinned to their provider; everything else goes to the
// configured default provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	opts := []llm.Option{
		llm.WithMaxTokens(cfg.Models.MaxTokens),
		llm.WithLogger(logger),
	}

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, opts...)
	var fallback llm.Client = ollamaClient

	providers := map[string]llm.Client{config.ProviderOllama: ollamaClient}
	if cfg.OpenAI.Configured() {
		openaiClient := llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, opts...)
		providers[config.ProviderOpenAI] = openaiClient
		logger.Info("OpenAI-compatible provider configured", "base_url", cfg.OpenAI.BaseURL)
	}
	if c, ok := providers[cfg.Models.Provider]; ok {
		fallback = c
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", cfg.Models.Provider)
	return multi
}

// mqttStatsAdapter supplies build info to the notifier's
// [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model string
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) DefaultModel() string  { return a.model }
