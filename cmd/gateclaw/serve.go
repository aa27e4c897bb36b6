package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateclaw/gateclaw/pkg/agent"
	"github.com/gateclaw/gateclaw/pkg/approval"
	"github.com/gateclaw/gateclaw/pkg/config"
	"github.com/gateclaw/gateclaw/pkg/gateway"
	"github.com/gateclaw/gateclaw/pkg/heal"
	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/mcp"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/redaction"
	"github.com/gateclaw/gateclaw/pkg/session"
	"github.com/gateclaw/gateclaw/pkg/swarm"
	"github.com/gateclaw/gateclaw/pkg/tools"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

const shutdownGrace = 15 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			return serve(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func serve(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !debug {
		logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	}
	logger.ConfigureRedaction(redaction.DefaultConfig())
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			logger.WarnCF("main", "file logging unavailable", map[string]any{"error": err.Error()})
		}
	}

	if err := os.MkdirAll(cfg.Tools.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", cfg.Tools.Workspace, err)
	}

	// Tracing, with an optional OTLP mirror.
	traceOpts := trace.Options{
		Enabled:   cfg.Tracing.Enabled,
		MaxTraces: cfg.Tracing.MaxTraces,
		Persist:   cfg.Tracing.Persist,
		StorePath: cfg.Tracing.StorePath,
	}
	var mirror *trace.OTLPMirror
	if cfg.Tracing.OTLPEndpoint != "" {
		mirror, err = trace.NewOTLPMirror(ctx, cfg.Tracing.OTLPEndpoint, "gateclaw")
		if err != nil {
			logger.WarnCF("main", "otlp mirror unavailable", map[string]any{"error": err.Error()})
		} else {
			traceOpts.Mirror = mirror.Mirror
		}
	}
	recorder := trace.NewRecorder(traceOpts)

	// Providers.
	router, err := providers.NewFromConfig(cfg.Providers)
	if err != nil {
		return err
	}

	// Approval broker.
	overrides := make(map[string]approval.Level, len(cfg.Approval.Overrides))
	for tool, level := range cfg.Approval.Overrides {
		overrides[tool] = approval.ParseLevel(level)
	}
	broker := approval.NewBroker(approval.Options{
		AutoApproveSafe:     cfg.Approval.AutoApproveSafe,
		Timeout:             time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
		DefaultTrustMinutes: cfg.Approval.DefaultTrustMinutes,
		Overrides:           overrides,
	})

	// Builtin tools.
	policy := tools.NewPathPolicy(cfg.Tools.Workspace, cfg.Tools.BlockedPrefixes)
	shell := tools.NewShellTool(tools.ShellConfig{
		WorkingDir:     cfg.Tools.Workspace,
		TimeoutSeconds: cfg.Tools.ShellTimeoutSeconds,
		ExecOnly:       cfg.Tools.ExecOnly,
		DenyPatterns:   cfg.Tools.DenyPatterns,
	})
	registry := tools.NewRegistry()
	registry.Register(shell)
	registry.Register(tools.NewReadFileTool(policy, cfg.Tools.MaxReadBytes))
	registry.Register(tools.NewWriteFileTool(policy))
	registry.Register(tools.NewSearchFilesTool(policy, cfg.Tools.MaxSearchResults))
	registry.Register(tools.NewPatchFileTool(policy))

	healer := heal.NewHealer(shell, router, recorder, heal.Options{
		MaxAttempts: cfg.Heal.MaxAttempts,
		WorkDir:     cfg.Tools.Workspace,
	})
	registry.Register(heal.NewRunCodeTool(healer))

	// External MCP servers join the same registry.
	mcpManager := mcp.NewManager(registry)
	mcpManager.ConnectAll(ctx, cfg.MCP)

	executor := tools.NewExecutor(registry, policy, broker, recorder)
	sessions := session.NewManager(session.Options{
		Dir: filepath.Join(filepath.Dir(cfg.Tools.Workspace), "sessions"),
	})

	brain := agent.NewBrain(router, executor, sessions, recorder, agent.Options{
		TurnTimeout:           time.Duration(cfg.Gateway.TurnTimeoutSeconds) * time.Second,
		SerializeBusySessions: cfg.Gateway.SerializeBusySessions,
	})
	orchestrator := swarm.NewOrchestrator(brain, router, recorder, nil, swarm.Options{
		MaxIterations: cfg.Swarm.MaxIterations,
		RunTimeout:    time.Duration(cfg.Swarm.RunTimeoutSeconds) * time.Second,
	})

	hub := gateway.NewHub(broker, orchestrator.Hint)
	broker.SetObserver(hub)
	orchestrator.SetObserver(hub)

	server := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		ConfigPath: configPath,
		Brain:      brain,
		Swarm:      orchestrator,
		Router:     router,
		Recorder:   recorder,
		Broker:     broker,
		Sessions:   sessions,
		Hub:        hub,
	})
	if err := server.Start(); err != nil {
		return err
	}
	logger.InfoCF("main", "gateclaw ready", map[string]any{
		"addr":    cfg.Gateway.ListenAddr,
		"servers": mcpManager.Servers(),
	})

	// Block until interrupted, then drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	logger.InfoC("main", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WarnCF("main", "unclean server stop", map[string]any{"error": err.Error()})
	}
	if err := mcpManager.Close(); err != nil {
		logger.WarnCF("main", "unclean mcp shutdown", map[string]any{"error": err.Error()})
	}
	recorder.Shutdown()
	if mirror != nil {
		if err := mirror.Shutdown(shutdownCtx); err != nil {
			logger.WarnCF("main", "unclean otlp shutdown", map[string]any{"error": err.Error()})
		}
	}
	return nil
}
