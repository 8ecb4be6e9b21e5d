package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/feldspar/overseer/internal/actorq"
	"github.com/feldspar/overseer/internal/bus"
	"github.com/feldspar/overseer/internal/config"
	"github.com/feldspar/overseer/internal/cron"
	"github.com/feldspar/overseer/internal/dispatch"
	"github.com/feldspar/overseer/internal/gitx"
	"github.com/feldspar/overseer/internal/monitor"
	otelPkg "github.com/feldspar/overseer/internal/otel"
	"github.com/feldspar/overseer/internal/pool"
	"github.com/feldspar/overseer/internal/store"
	"github.com/feldspar/overseer/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	home := flag.String("home", "", "overseer home directory (default: $OVERSEER_HOME or ~/.overseer)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("overseer", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet || cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	eventBus := bus.New()
	busSub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(busSub)
	go func() {
		for ev := range busSub.Ch() {
			logger.Debug("bus event", "topic", ev.Topic, "payload", fmt.Sprintf("%+v", ev.Payload))
		}
	}()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "overseer.db")
	}
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	// Tasks left running by a previous process did not survive it.
	reclaimed, err := st.ReclaimRunningAsStopped(ctx, store.ReasonRestart)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "reclaimed", reclaimed)

	pending, runningCount, err := st.TaskCounts(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("task backlog", "pending", pending, "running", runningCount)

	var branches *gitx.Manager
	if cfg.Git.RepoPath != "" {
		branches = gitx.New(logger, cfg.Git.RepoPath, cfg.Git.IntegrationBranch)
	}

	workers := pool.New(logger, metrics)
	workers.Start(ctx, cfg.WorkerCount)

	actors := actorq.New(logger)

	orch := dispatch.New(st, workers, actors, branches, defaultExecutor(), eventBus, metrics, logger, dispatch.Options{
		UseWorktrees: cfg.Git.UseWorktrees,
		WorktreeDir:  cfg.Git.WorktreeDir,
	})

	mon := monitor.New(st, eventBus, metrics, logger, monitor.Options{
		ScanInterval:  cfg.ScanInterval(),
		StaleTimeout:  cfg.StaleTimeout(),
		KillGrace:     cfg.KillGrace(),
		PendingMaxAge: cfg.PendingMaxAge(),
		Retention:     cfg.Retention(),
	})
	mon.Start(ctx)

	sched := cron.New(st, orch, metrics, logger, cfg.SchedulerInterval())
	sched.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				// Log level applies live; everything else needs a restart.
				fresh, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				logLevel.Set(telemetry.ParseLevel(fresh.LogLevel))
				logger.Info("config change detected", "log_level", fresh.LogLevel, "note", "other settings apply on restart")
			}
		}()
	}

	logger.Info("overseer running", "workers", cfg.WorkerCount)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown: stop intake, drain workers, reclaim survivors.
	actors.CleanupAll()
	workers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := st.ReclaimRunningAsStopped(shutdownCtx, store.ReasonShutdown); err != nil {
		logger.Error("shutdown reclamation failed", "error", err)
	} else if n > 0 {
		logger.Info("reclaimed running tasks", "count", n)
	}

	mon.Wait()
	sched.Wait()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
