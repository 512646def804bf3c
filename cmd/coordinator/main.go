// Package main is the entry point for the agent coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentcoord/agentcoord/internal/agent"
	"github.com/agentcoord/agentcoord/internal/codebase"
	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
	"github.com/agentcoord/agentcoord/internal/router"
	"github.com/agentcoord/agentcoord/internal/session"
	"github.com/agentcoord/agentcoord/internal/supervisor"
	"github.com/agentcoord/agentcoord/internal/task"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/internal/transport"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger (stderr: stdout belongs to the stdio transport)
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting agent coordinator...",
		zap.String("interface_mode", cfg.Server.InterfaceMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event log: JetStream when NATS is configured, in-memory otherwise
	var evlog eventlog.Log
	if cfg.NATS.Host != "" {
		jsLog, err := eventlog.NewJetStreamLog(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		evlog = jsLog
		log.Info("Connected to NATS JetStream event log", zap.String("url", cfg.NATS.URL()))
	} else {
		evlog = eventlog.NewMemoryLog(log)
		log.Warn("No NATS host configured; using in-memory event log, crash recovery will be lossy")
	}
	defer evlog.Close()

	// 4. Registries, restored from the event log
	sessions := session.NewManager(cfg.Session.TTLDuration(), log)
	sessions.Start()
	defer sessions.Stop()

	agents := agent.NewRegistry(cfg.Agents, evlog, log)
	if err := agents.Restore(ctx); err != nil {
		log.Fatal("Failed to restore agent registry", zap.Error(err))
	}
	agents.Start()
	defer agents.Stop()

	codebases := codebase.NewRegistry(evlog, log)
	if err := codebases.Restore(ctx); err != nil {
		log.Fatal("Failed to restore codebase registry", zap.Error(err))
	}

	tasks := task.NewRegistry(cfg.Tasks, cfg.Agents, agents, codebases, evlog, log)
	if err := tasks.Restore(ctx); err != nil {
		log.Fatal("Failed to restore task registry", zap.Error(err))
	}

	// 5. Tool registry and the external-server supervisor feeding it
	tools := toolregistry.NewRegistry(log)

	serverFile, err := supervisor.LoadFile(cfg.Backends.ConfigPath)
	if err != nil {
		log.Fatal("Failed to load external server config", zap.Error(err))
	}
	sup := supervisor.New(serverFile, cfg.Backends, tools, evlog, log)
	sup.Start(ctx)
	defer sup.Stop()

	// 6. Router over everything
	rt := router.New(cfg, sessions, agents, codebases, tasks, tools, sup, log)

	// 7. Transports per interface mode
	g, gctx := errgroup.WithContext(ctx)
	mode := strings.ToLower(cfg.Server.InterfaceMode)

	if mode == "stdio" || mode == "all" {
		stdio := transport.NewStdio(rt, log)
		g.Go(func() error { return stdio.Run(gctx) })
	}
	if mode == "http" || mode == "remote" || mode == "all" {
		httpSrv := transport.NewHTTPServer(rt, cfg, log)
		g.Go(func() error { return httpSrv.Run(gctx) })
	}
	if mode == "websocket" || mode == "remote" || mode == "all" {
		wsSrv := transport.NewWSServer(rt, cfg, log)
		g.Go(func() error { return wsSrv.Run(gctx) })
	}

	// 8. Wait for a signal or a transport failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error("Transport failed", zap.Error(err))
			cancel()
			os.Exit(1)
		}
	}

	cancel()
	log.Info("Agent coordinator stopped")
}
