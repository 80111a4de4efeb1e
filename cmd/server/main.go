// FileHub Server
//
// Features:
// - Multi-client TCP file upload/download
// - Live catalog broadcast (NEW_FILE / OVERRIDE) with bootstrap snapshot
// - Directory watcher keeping the catalog in line with the backing directory
// - Prometheus metrics, structured logging (zap) and a websocket catalog feed
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filehub/internal/admin"
	"github.com/fruitsalade/filehub/internal/config"
	"github.com/fruitsalade/filehub/internal/events"
	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/session"
	"github.com/fruitsalade/filehub/internal/store"
	"github.com/fruitsalade/filehub/internal/transfer"
	"github.com/fruitsalade/filehub/internal/watcher"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP address for client connections")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP address for health, metrics and the catalog feed (empty disables)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Backing directory for stored files")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Transfer chunk size in bytes")
	flag.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Maximum concurrent sessions (0 = unlimited)")
	flag.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Catalog notices buffered per session")
	flag.BoolVar(&cfg.StrictNotFound, "strict-not-found", cfg.StrictNotFound, "Answer missing downloads with FILE_NOT_FOUND")
	flag.BoolVar(&cfg.Watch, "watch", cfg.Watch, "Watch the data directory for outside changes")
	flag.DurationVar(&cfg.WatchInterval, "watch-interval", cfg.WatchInterval, "Full rescan interval (0 = events only)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(2)
	}
	defer logging.Sync()

	logging.Info("FileHub server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("data_dir", cfg.DataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage and catalog
	fileStore, err := store.New(store.Config{RootPath: cfg.DataDir, CreateDirs: true})
	if err != nil {
		logging.Fatal("file store init failed", zap.Error(err))
	}
	logging.Info("catalog loaded", zap.String("dir", fileStore.Root()), zap.Int("entries", fileStore.Len()))

	broadcaster := events.NewBroadcaster(fileStore)
	fileStore.SetNotifier(broadcaster)

	engine := transfer.NewEngine(fileStore, transfer.Options{
		ChunkSize:      cfg.ChunkSize,
		StrictNotFound: cfg.StrictNotFound,
	})
	sessions := session.NewManager(engine, broadcaster, session.Config{
		QueueSize:      cfg.QueueSize,
		MaxConnections: cfg.MaxConnections,
	})

	// Directory watcher
	var dirWatcher *watcher.Watcher
	if cfg.Watch {
		dirWatcher = watcher.New(fileStore.Root(), fileStore, cfg.WatchInterval)
		if err := dirWatcher.Start(ctx); err != nil {
			logging.Fatal("directory watcher failed", zap.Error(err))
		}
		logging.Info("directory watching enabled", zap.Duration("interval", cfg.WatchInterval))
	}

	// Admin server: health, metrics, catalog, feed
	var adminServer *http.Server
	if cfg.MetricsAddr != "" {
		adminServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           admin.NewServer(fileStore, broadcaster, sessions, cfg.QueueSize).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("admin server listening", zap.String("addr", cfg.MetricsAddr))
			if err := adminServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("admin server error", zap.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logging.Fatal("listen failed", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logging.Warn("sessions did not stop in time", zap.Error(err))
		}
		broadcaster.CloseAll()
		if dirWatcher != nil {
			dirWatcher.Stop()
		}
		if adminServer != nil {
			adminServer.Shutdown(shutdownCtx)
		}
		cancel()
	}()

	if err := sessions.Serve(ctx, ln); err != nil && err != session.ErrClosed && err != context.Canceled {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
	logging.Info("server stopped")
}
