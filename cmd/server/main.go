package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brisktest/brisk/internal/alloc"
	"github.com/brisktest/brisk/internal/config"
	"github.com/brisktest/brisk/internal/jobs"
	"github.com/brisktest/brisk/internal/lock"
	"github.com/brisktest/brisk/internal/logging"
	"github.com/brisktest/brisk/internal/logstore"
	"github.com/brisktest/brisk/internal/run"
	"github.com/brisktest/brisk/internal/server"
	"github.com/brisktest/brisk/internal/split"
	"github.com/brisktest/brisk/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to server config file (YAML)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	dbPath := flag.String("db", "", "Database path (overrides config; default ~/.brisk/brisk.db)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	db := cfg.DBPath
	if db == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".brisk")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		db = filepath.Join(dir, "brisk.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(db, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", db)

	// Allocation locks live in etcd when endpoints are configured,
	// otherwise in process memory. A multi-server fleet needs etcd.
	var locker lock.Locker
	if len(cfg.EtcdEndpoints) > 0 {
		etcdLocker, err := lock.NewEtcdLocker(cfg.EtcdEndpoints, cfg.Scheduling.LockTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect etcd: %v\n", err)
			os.Exit(1)
		}
		defer etcdLocker.Close()
		locker = etcdLocker
		logger.Info("etcd locking enabled", "endpoints", cfg.EtcdEndpoints)
	} else {
		locker = lock.NewLocalLocker(cfg.Scheduling.LockTimeout)
		logger.Info("in-process locking (single server)")
	}

	engine := alloc.NewEngine(st, locker, logger, cfg.Scheduling)
	runs := run.NewService(st, engine, logger, cfg.Scheduling)
	splitter := split.NewService(st, logger, cfg.Scheduling)
	learner := split.NewLearner(st, logger, cfg.Scheduling.StartupOverheadMS)

	serverOpts := []server.Option{}
	if cfg.Logs.Bucket != "" {
		issuer, err := logstore.NewS3Issuer(context.Background(), cfg.Logs, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configure log store: %v\n", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, server.WithLogIssuer(issuer))
		logger.Info("log store ready", "bucket", cfg.Logs.Bucket)
	} else {
		logger.Info("log store not configured", "hint", "set logs.bucket to enable presigned log URLs")
	}

	srv := server.New(cfg, st, engine, runs, splitter, logger, serverOpts...)

	sweeper := jobs.NewSweeper(st, runs, learner, cfg.Scheduling, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start sweeper in background.
	go func() {
		if err := sweeper.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
