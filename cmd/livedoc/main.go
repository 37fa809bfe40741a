// Command livedoc opens a document database, exposes it to other processes
// through the storage proxy and runs the configured replications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skshohagmiah/livedoc/internal/config"
	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/logging"
	"github.com/skshohagmiah/livedoc/internal/proxy"
	"github.com/skshohagmiah/livedoc/internal/replication"
	"github.com/skshohagmiah/livedoc/internal/storage"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "livedoc: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "", "Path to the YAML configuration (defaults are used without it)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides the config)")
	network := flag.String("network", "", "Listen network: tcp or unix (overrides the config)")
	address := flag.String("address", "", "Listen address (overrides the config)")
	dataDir := flag.String("data", "", "Data directory; enables persistence (overrides the config)")
	namespace := flag.String("namespace", "", "Database namespace (overrides the config)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *network != "" {
		cfg.Listen.Network = *network
	}
	if *address != "" {
		cfg.Listen.Address = *address
	}
	if *dataDir != "" {
		cfg.Database.DataDir = *dataDir
		cfg.Database.InMemory = false
	}
	if *namespace != "" {
		cfg.Database.Namespace = *namespace
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := logging.Setup(cfg.Log.Level); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	// Persistent backend
	var (
		backend     db.Backend
		checkpoints replication.CheckpointStore = replication.NewMemoryCheckpoints()
	)
	if !cfg.Database.InMemory {
		dir := filepath.Join(cfg.Database.DataDir, "db")
		slog.Info("Opening document storage", "dir", dir)
		docStorage, err := storage.NewDocStorage(dir)
		if err != nil {
			return fmt.Errorf("failed to open document storage: %w", err)
		}
		defer docStorage.Close()
		backend = docStorage
		checkpoints = replication.NewStoredCheckpoints(docStorage)
	}

	database, err := db.NewDatabase(cfg.Database.Name, db.Options{
		Namespace:          cfg.Database.Namespace,
		Backend:            backend,
		SubscriptionBuffer: cfg.Proxy.SubscriptionBuffer,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := startReplications(ctx, database, cfg.Replications, checkpoints)
	defer func() {
		for _, s := range sessions {
			s.Cancel()
		}
	}()
	if err != nil {
		return err
	}

	host := proxy.NewHost(database, proxy.HostOptions{
		Workers:            cfg.Proxy.Workers,
		RequestTimeout:     cfg.Proxy.RequestTimeout,
		SubscriptionBuffer: cfg.Proxy.SubscriptionBuffer,
	})
	defer host.Close()

	if cfg.Listen.Network == "unix" {
		// A socket left by a previous run blocks the listen
		if err := os.Remove(cfg.Listen.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen(cfg.Listen.Network, cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- host.Serve(listener)
	}()
	go logStats(ctx, host, cfg.Proxy.StatsInterval)

	slog.InfoContext(ctx, "livedoc started",
		"database", database.Name(),
		"network", cfg.Listen.Network,
		"address", listener.Addr().String(),
		"replications", len(sessions))

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		return nil
	case err := <-serveErr:
		return err
	}
}

func logStats(ctx context.Context, host *proxy.Host, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := host.Stats()
			slog.Info("Host stats",
				"connections", stats["active_connections"],
				"subscriptions", stats["active_subscriptions"],
				"requests", stats["requests"],
				"errors", stats["errors"],
				"active_workers", stats["active_workers"],
				"job_queue", stats["job_queue_len"])
		}
	}
}
