package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/framewell/watchfolder/internal/api"
	"github.com/framewell/watchfolder/internal/config"
	"github.com/framewell/watchfolder/internal/notify"
	"github.com/framewell/watchfolder/internal/observability"
	"github.com/framewell/watchfolder/internal/registry"
	"github.com/framewell/watchfolder/internal/trace"
)

var (
	configPath = flag.String("config", "config.json", "Path to config JSON file")
	logLevel   = flag.String("log-level", observability.EnvLogLevel("info"), "Log level: debug|info|warn|error")
	apiAddr    = flag.String("api-addr", "", "Override API listen address from config")
)

// Injected at build time with: -ldflags "-X 'main.version=1.2.3'"
var version = "dev"

func main() {
	flag.Parse()

	logger := observability.NewLogger(*logLevel)
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorw("failed to load config", "path", *configPath, "error", err)
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	logger.Infow("config loaded", "folders", len(cfg.Folders), "version", version)

	var sink trace.Sink = trace.Nop{}
	if cfg.Trace.DbPath != "" {
		boltSink, err := trace.OpenBolt(cfg.Trace.DbPath)
		if err != nil {
			logger.Errorw("failed to open trace store", "path", cfg.Trace.DbPath, "error", err)
			fmt.Fprintf(os.Stderr, "Trace store error: %v\n", err)
			os.Exit(1)
		}
		sink = boltSink
	}
	defer sink.Close()

	hub := notify.NewHub()
	reg := registry.New(logger, hub, sink, registry.Tuning{
		QuietWindow:  time.Duration(cfg.Watch.QuietWindowMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.Watch.PollIntervalMs) * time.Millisecond,
	})

	// Seed folders from config. A folder that fails to start only marks
	// itself; it never stops the daemon or its siblings.
	for _, spec := range cfg.Folders {
		folder, err := reg.AddWatchFolder(registry.FolderConfig{
			Path:              spec.Path,
			Enabled:           spec.Enabled,
			Recursive:         spec.Recursive,
			PresetID:          spec.PresetID,
			IncludeExtensions: spec.IncludeExtensions,
			ExcludePatterns:   spec.ExcludePatterns,
		})
		if err != nil {
			logger.Warnw("skipping configured folder", "path", spec.Path, "error", err)
			continue
		}
		logger.Infow("watch folder seeded", "folder", folder.ID, "path", folder.Path, "status", folder.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listen := cfg.API.Listen
	if *apiAddr != "" {
		listen = *apiAddr
	}
	apiSrv := api.New(logger, reg, hub, listen)
	if err := apiSrv.Start(ctx); err != nil {
		logger.Errorw("failed to start api server", "addr", listen, "error", err)
		fmt.Fprintf(os.Stderr, "API error: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("signal received, shutting down", "signal", sig.String())

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = apiSrv.Shutdown(shCtx)

	reg.Shutdown()
	cancel()

	logger.Infow("shutdown complete")
}
