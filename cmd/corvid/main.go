// Package main provides the corvid daemon entry point: a local-first
// conversational agent runtime that wires the task runner, discovery
// loop, and their provider/memory/tool collaborators together and runs
// until signaled to stop.
//
// Usage:
//
//	corvid serve --config corvid.yaml
//
// Configuration is a single YAML file (see internal/runtimeconfig);
// secrets such as remote_provider.api_key are expected to arrive via
// environment variable expansion (e.g. api_key: "${ANTHROPIC_API_KEY}").
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localagent/corvid/internal/activity"
	"github.com/localagent/corvid/internal/agentloop"
	"github.com/localagent/corvid/internal/discovery"
	"github.com/localagent/corvid/internal/events"
	"github.com/localagent/corvid/internal/memstore"
	"github.com/localagent/corvid/internal/memtools"
	"github.com/localagent/corvid/internal/notify"
	"github.com/localagent/corvid/internal/obs"
	"github.com/localagent/corvid/internal/providers"
	"github.com/localagent/corvid/internal/routing"
	"github.com/localagent/corvid/internal/runner"
	"github.com/localagent/corvid/internal/runtimeconfig"
	"github.com/localagent/corvid/internal/taskstore"
	"github.com/localagent/corvid/internal/tokenize"
	"github.com/localagent/corvid/internal/toolsreg"
	"github.com/localagent/corvid/internal/workspace"
)

var version = "dev"

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "corvid",
		Short:        "corvid - local-first conversational agent runtime",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "corvid.yaml", "path to YAML configuration file")

	root.AddCommand(buildServeCmd(&configPath))
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task runner and discovery loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := runtimeconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	app, err := wire(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.Start(ctx)
	logger.Info("corvid started", "workspace", cfg.Workspace.Path)

	<-ctx.Done()
	logger.Info("shutting down")
	app.Stop()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// app bundles everything serve needs to start, stop, and close.
type app struct {
	runner     *runner.Runner
	discovery  *discovery.Discovery
	httpServer *http.Server
	taskStore  *taskstore.Store
	memStore   *memstore.Store
	logger     *slog.Logger
}

func (a *app) Start(ctx context.Context) {
	a.runner.Start(ctx)
	a.discovery.Start(ctx)
	if a.httpServer != nil {
		go func() {
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("webhook listener stopped", "error", err)
			}
		}()
	}
}

func (a *app) Stop() {
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}
	a.discovery.Stop()
	a.runner.Stop()
}

func (a *app) Close() {
	if a.taskStore != nil {
		_ = a.taskStore.Close()
	}
	if a.memStore != nil {
		_ = a.memStore.Close()
	}
}

// wire constructs every collaborator from cfg: providers, routing,
// tokenizer, tool registries (full for the main loop, restricted to
// propose_task for discovery's forced-local loop), stores, the runner,
// discovery, the metrics registry, and the webhook's own narrow HTTP
// listener.
func wire(cfg *runtimeconfig.Config, logger *slog.Logger) (*app, error) {
	if _, err := workspace.EnsureWorkspaceFiles(cfg.Workspace.Path, workspace.DefaultBootstrapFiles(), false); err != nil {
		return nil, fmt.Errorf("bootstrap workspace: %w", err)
	}

	metrics := obs.NewMetrics()

	local := providers.NewLocalProvider(providers.LocalConfig{
		BaseURL:       cfg.Local.BaseURL,
		Model:         cfg.Local.Model,
		ContextLength: cfg.Local.ContextLength,
		Timeout:       cfg.Local.Timeout,
	})

	var remote providers.LLMProvider
	if cfg.Remote.Enabled {
		rp, err := providers.NewRemoteProvider(providers.RemoteConfig{
			APIKey:        cfg.Remote.APIKey,
			BaseURL:       cfg.Remote.BaseURL,
			Model:         cfg.Remote.Model,
			ContextLength: cfg.Remote.ContextLength,
			MaxTokens:     cfg.Remote.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("construct remote provider: %w", err)
		}
		remote = rp
	}

	routingCfg := routing.Config{
		AlwaysLocalKeywords:  cfg.Routing.AlwaysLocalKeywords,
		AlwaysRemoteKeywords: cfg.Routing.AlwaysRemoteKeywords,
		Default:              routing.Target(cfg.Routing.Default),
	}
	counter := tokenize.NewCharRatioEstimator()

	taskStore, err := taskstore.Open(cfg.Runner.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	memStore, err := memstore.Open(memstore.Config{
		Path:             cfg.Memory.Path,
		WorkingMemoryTTL: cfg.Memory.WorkingMemoryTTL,
	})
	if err != nil {
		taskStore.Close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	tools := toolsreg.NewRegistry()
	tools.Register(memtools.NewSearchTool(memStore))
	tools.Register(memtools.NewSetTool(memStore))

	mainLoop := agentloop.New(local, remote, tools, routingCfg, counter, logger.With("component", "agent-loop"))

	tracker := activity.NewTracker()
	wsContext := workspace.NewContext(cfg.Workspace.Path, cfg.Workspace.HeartbeatFile)
	notifier := notify.NewLogNotifier(cfg.Workspace.Path, logger)

	taskRunner := runner.New(runner.Deps{
		Store:      taskStore,
		Memory:     memStore,
		Agent:      mainLoop,
		Workspace:  wsContext,
		Extraction: local,
		Notifier:   notifier,
		Metrics:    metrics,
	}, runner.Config{
		TickInterval:  cfg.Runner.TickInterval,
		EventDedupeMs: cfg.Runner.EventDedupeMs,
		TaskTimeout:   cfg.Runner.TaskTimeout,
		Logger:        logger.With("component", "task-runner"),
	})

	discoveryTools := toolsreg.NewRegistry()
	proposeTool := discovery.NewProposeTaskTool(taskStore, cfg.Discovery.MaxProposals)
	discoveryTools.Register(proposeTool)
	discoveryLoop := agentloop.New(local, nil, discoveryTools, routingCfg, counter, logger.With("component", "discovery-loop"))

	disc := discovery.New(discoveryLoop, tracker, taskRunner, proposeTool, discovery.Config{
		Interval:         cfg.Discovery.Interval,
		UserActiveWithin: cfg.Discovery.UserActiveWithin,
		IdleThresholdMs:  cfg.Discovery.IdleThresholdMs,
		MaxProposals:     cfg.Discovery.MaxProposals,
		Logger:           logger.With("component", "discovery"),
	})

	a := &app{
		runner:    taskRunner,
		discovery: disc,
		taskStore: taskStore,
		memStore:  memStore,
		logger:    logger,
	}

	if cfg.Webhook.Enabled {
		webhook := events.NewWebhook(events.WebhookConfig{Route: cfg.Webhook.Route, Secret: cfg.Webhook.Secret}, metrics)
		mux := http.NewServeMux()
		mux.HandleFunc("/"+cfg.Webhook.Route, webhook.Handler())
		a.httpServer = &http.Server{Addr: cfg.Webhook.ListenAddr, Handler: mux}
	}

	return a, nil
}
