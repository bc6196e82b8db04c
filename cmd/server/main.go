package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/cache"
	"github.com/brandon/mcp-jmap/internal/config"
	"github.com/brandon/mcp-jmap/internal/jmap"
	"github.com/brandon/mcp-jmap/internal/mcp"
	"github.com/brandon/mcp-jmap/internal/query"
	syncengine "github.com/brandon/mcp-jmap/internal/sync"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcp-jmap-server version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting MCP JMAP Server")

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Build the JMAP client
	creds := jmap.Credentials{
		BaseURL:     cfg.BaseURL,
		Username:    cfg.Username,
		AppPassword: cfg.AppPassword,
		Token:       cfg.Token,
	}
	resolver := jmap.NewSessionResolver(logger)
	transport := jmap.NewTransport(creds, resolver, logger)
	client := jmap.NewClient(transport, logger)

	var planner *query.Planner
	if cfg.CacheDisabled {
		logger.Info("Cache disabled, all queries answered live")
		planner = query.New(nil, nil, client, "", query.Options{
			CacheDisabled: true,
			SyncTimeout:   cfg.SyncTimeout,
		}, logger)
	} else {
		// The account signature binds cached rows to the active
		// credentials; resolving it requires one session round trip.
		signature, err := transport.Signature(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Failed to resolve JMAP session")
		}

		mailCache, err := cache.NewCache(cfg.CachePath, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize cache")
		}
		defer mailCache.Close()

		store := cache.NewStore(mailCache, logger)

		// Startup eviction keeps a long-lived cache inside its limits
		// before the first query arrives.
		if _, err := store.Evict(signature, cfg.RetentionDays, cfg.MaxCachedMessages); err != nil {
			logger.WithError(err).Warn("Startup eviction failed")
		}

		engine := syncengine.New(store, client, signature, syncengine.Options{
			RetentionDays: cfg.RetentionDays,
			MaxRows:       cfg.MaxCachedMessages,
			MinInterval:   cfg.SyncInterval,
		}, logger)

		planner = query.New(store, engine, client, signature, query.Options{
			SyncTimeout: cfg.SyncTimeout,
			CacheBodies: !cfg.MetadataOnly,
		}, logger)
	}

	// Create MCP server
	server, err := mcp.NewServer(cfg, planner, client, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create MCP server")
	}

	// Run server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	case err := <-errChan:
		logger.WithError(err).Error("Server error")
		cancel()
	}

	logger.Info("Shutting down MCP JMAP Server")
}
