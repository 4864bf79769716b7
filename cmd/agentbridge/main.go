package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/agent/transport"
	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/backup"
	"github.com/HyphaGroup/agentbridge/internal/cleanup"
	"github.com/HyphaGroup/agentbridge/internal/config"
	"github.com/HyphaGroup/agentbridge/internal/history"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/mcp"
	"github.com/HyphaGroup/agentbridge/internal/schedule"
	"github.com/HyphaGroup/agentbridge/internal/server"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			cmdToken(os.Args[2:])
			return
		case "backup":
			cmdBackup(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("agentbridge %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run the gateway
	runServer()
}

func printUsage() {
	fmt.Printf(`agentbridge %s - Task gateway for the GUI automation agent

Usage: agentbridge [command] [options]

Commands:
  (default)    Connect to the agent backend and start the gateway
  token        Manage gateway API tokens
  backup       Create, list and restore database archives

Server Options:
  --config <dir>     Directory containing agentbridge.jsonc

Config Precedence:
  1. --config flag
  2. ./config/agentbridge.jsonc
  3. ~/.agentbridge/config/agentbridge.jsonc

Examples:
  agentbridge                                  Start with auto-detected config
  agentbridge --config /etc/agentbridge        Start with a specific config directory
  agentbridge token create --name ci --scope operator
  agentbridge backup create --config /etc/agentbridge
`, Version)
}

func runServer() {
	configDir := flag.String("config", "", "Directory containing agentbridge.jsonc")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentbridge %s\n", Version)
		return
	}

	cfg, err := config.LoadAll(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Dir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(cfg.Logging.Dir, cfg.Logging.JSON); err != nil {
		logger.Fatalf("Failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Info("🌉 agentbridge %s", Version)
	logger.Info("📄 Config: %s", filepath.Join(cfg.ConfigDir, config.FileName))

	if err := run(cfg); err != nil {
		logger.Fatalf("agentbridge stopped: %v", err)
	}
	logger.Info("✅ Shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	ch, err := transport.New(transport.Config{
		Type:   transport.Type(cfg.Backend.Transport),
		URL:    cfg.Backend.URL,
		UserID: cfg.Backend.UserID,
		Retry: agent.RetryPolicy{
			MaxAttempts: cfg.Backend.ReconnectAttempts,
			Delay:       cfg.Backend.ReconnectDelay(),
		},
		PollInterval: cfg.Backend.HealthPollInterval(),
	})
	if err != nil {
		return fmt.Errorf("creating agent channel: %w", err)
	}

	client := taskclient.New(ch, taskclient.Options{
		UserID:          cfg.Backend.UserID,
		UseEnhanced:     cfg.Tasks.UseEnhanced,
		DefaultTimeout:  cfg.Tasks.DefaultTimeout(),
		Grace:           cfg.Tasks.TimeoutGrace(),
		CursorGrace:     cfg.Tasks.CursorGrace(),
		EventBufferSize: cfg.Tasks.EventBufferSize,
		TerminalMarks:   cfg.Tasks.TerminalMarks,
	})
	defer func() { _ = client.Close() }()
	logger.Info("🤖 Agent backend: %s (%s)", cfg.Backend.URL, cfg.Backend.Transport)

	var tokens *auth.Store
	if cfg.Server.AuthEnabled {
		tokens, err = auth.NewStore(cfg.Server.DataDir)
		if err != nil {
			return fmt.Errorf("opening auth store: %w", err)
		}
		defer func() { _ = tokens.Close() }()
		logger.Info("🔐 Auth database: %s", filepath.Join(cfg.Server.DataDir, "auth.db"))
	} else {
		logger.Warn("⚠️  Authentication disabled; every caller has operator access")
	}

	var store *history.Store
	if cfg.History.IsEnabled() {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer func() { _ = store.Close() }()
		recorder := history.NewRecorder(store, client.Registry())
		defer recorder.Close()
		logger.Info("🗂️  History database: %s", cfg.History.Path)
	}

	var (
		runner        *schedule.Runner
		scheduleStore *schedule.Store
	)
	if len(cfg.Schedules) > 0 {
		scheduleStore, err = schedule.NewStore(cfg.Server.DataDir)
		if err != nil {
			return fmt.Errorf("opening schedule store: %w", err)
		}
		defer func() { _ = scheduleStore.Close() }()

		runner, err = schedule.NewRunner(client, scheduleStore, schedule.FromConfig(cfg.Schedules))
		if err != nil {
			return fmt.Errorf("configuring schedules: %w", err)
		}
		runner.Start()
		defer runner.Stop()
		logger.Info("📅 %d schedule(s) loaded", len(cfg.Schedules))
	}

	var (
		targets   []cleanup.Target
		databases []backup.Database
	)
	if store != nil {
		targets = append(targets, cleanup.Target{Name: "history", Pruner: store})
		databases = append(databases, backup.Database{Name: "history.db", Source: store})
	}
	if scheduleStore != nil {
		targets = append(targets, cleanup.Target{Name: "schedule execution", Pruner: scheduleStore})
		databases = append(databases, backup.Database{Name: "schedules.db", Source: scheduleStore})
	}
	if tokens != nil {
		databases = append(databases, backup.Database{Name: "auth.db", Source: tokens})
	}

	cleaner := cleanup.New(cleanup.Config{
		DataDir:          cfg.Server.DataDir,
		Interval:         cfg.Retention.Interval(),
		Retention:        cfg.Retention.MaxAge(),
		DiskWarnPercent:  cfg.Retention.DiskWarnPercent,
		DiskErrorPercent: cfg.Retention.DiskErrorPercent,
	}, targets...)
	cleaner.Start()
	defer cleaner.Stop()

	if cfg.Backup.Enabled && len(databases) > 0 {
		backups, err := backup.New(backup.Config{
			BackupDir: cfg.Backup.Directory,
			Retention: cfg.Backup.Retention,
			Interval:  cfg.Backup.Interval(),
		}, databases...)
		if err != nil {
			return fmt.Errorf("configuring backups: %w", err)
		}
		backups.Start()
		defer backups.Stop()
	}

	mcpServer := mcp.NewServer(client, &mcp.ServerConfig{
		History:   store,
		Schedules: runner,
		Version:   Version,
	})

	deps := server.Deps{
		Tasks:     client,
		History:   store,
		Schedules: runner,
		MCP:       mcpServer,
	}
	if tokens != nil {
		deps.Tokens = tokens
	}
	gateway, err := server.New(server.Config{
		Address:           cfg.Server.Address,
		AuthEnabled:       cfg.Server.AuthEnabled,
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
	}, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.ListenAndServe(gctx)
	})
	g.Go(func() error {
		superviseConnection(gctx, client, cfg.Backend.ReconnectDelay())
		return nil
	})

	err = g.Wait()
	logger.Info("⚠️  Shutting down...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// superviseConnection keeps the client connected. The channel retries on
// its own; once it gives up, the whole connect sequence starts again after
// delay.
func superviseConnection(ctx context.Context, client *taskclient.Client, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}

	lost := make(chan struct{}, 1)
	sub := client.Registry().Connection.Subscribe(func(st agent.ConnState) {
		if st.Status == agent.ConnDisconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer client.Registry().Connection.Unsubscribe(sub)

	for {
		select {
		case <-lost:
		default:
		}
		if err := client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("⚠️  Agent backend unreachable: %v", err)
		} else {
			logger.Info("🔌 Connected to agent backend")
			select {
			case <-ctx.Done():
				return
			case <-lost:
				logger.Warn("⚠️  Lost connection to agent backend")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
