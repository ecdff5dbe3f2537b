package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zimi/internal/zimi"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		help        = flag.Bool("h", false, "Show help")
		helpLong    = flag.Bool("help", false, "Show help")
		verbose     = flag.Bool("v", false, "Enable verbose logging (log successful HTTP requests)")
		verboseLong = flag.Bool("verbose", false, "Enable verbose logging (log successful HTTP requests)")
		debug       = flag.Bool("d", false, "Enable debug logging")
		debugLong   = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *help || *helpLong {
		// Help output to stdout - if this fails, the program is in a bad state anyway
		_, _ = fmt.Fprintf(os.Stdout, "Usage: %s [flags]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stdout, "Flags:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stdout, "\nEnvironment Variables:\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "Archive Configuration:\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_ARCHIVE_DIR\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Directory containing .zim archives (default: /zims)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_DATA_DIR\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Directory for indexes and state (default: <archive dir>/.zimi)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_ARCHIVE_REFRESH_INTERVAL\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Interval for rescanning the archive directory (default: 5m)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 5m, 30s, 1h)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "Search Configuration:\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_SEARCH_TIMEOUT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Overall budget for one search request (default: 12s)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 12s, 5s, 30s)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "Management Configuration:\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_MANAGE_ENABLED\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Enable the /manage endpoints (default: true)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_MANAGE_PASSWORD\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Management password; empty leaves management open (default: empty)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_CATALOG_URL\n")
		_, _ = fmt.Fprintf(os.Stdout, "    OPDS catalog endpoint for downloads and updates\n")
		_, _ = fmt.Fprintf(os.Stdout, "    (default: https://library.kiwix.org/catalog/v2/entries)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_AUTO_UPDATE\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Enable scheduled archive updates (default: false)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_AUTO_UPDATE_FREQ\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Update cadence: daily, weekly or monthly (default: weekly)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "HTTP Server Configuration:\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_PORT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Listen port (default: 8899)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_RATE_LIMIT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Requests per minute per client IP on the read endpoints;\n")
		_, _ = fmt.Fprintf(os.Stdout, "    0 disables limiting (default: 60)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_HTTP_READ_HEADER_TIMEOUT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Maximum time to read request headers (default: 5s)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 5s, 10s, 0 to disable)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_HTTP_IDLE_TIMEOUT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Maximum idle connection timeout (default: 60s)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 60s, 2m, 0 to disable)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_HTTP_MAX_HEADER_BYTES\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Maximum size of request headers in bytes (default: 8192)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Must be > 0\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_HTTP_WRITE_TIMEOUT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Maximum time to write response (default: 0, disabled)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 30s, 1m, 0 to disable)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  ZIMI_HTTP_READ_TIMEOUT\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Maximum time to read request body (default: 0, disabled)\n")
		_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 30s, 1m, 0 to disable)\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "For more details, see README.md\n")
		os.Exit(0)
	}

	verboseEnabled := *verbose || *verboseLong
	debugEnabled := *debug || *debugLong

	// Load configuration from environment
	cfg, err := zimi.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := zimi.NewLogger(zimi.LoggerOptions{
		Verbose: verboseEnabled,
		Debug:   debugEnabled,
	})

	// Initialize metrics
	promReg := prometheus.NewRegistry()
	metrics := zimi.NewMetrics(promReg)

	// Initialize persistent state (indexes directory, collections, history)
	state, err := zimi.OpenState(cfg.DataDir, cfg.ArchiveDir, logger)
	if err != nil {
		logger.Error("Failed to open state directory", "error", err)
		os.Exit(1)
	}

	auth, err := zimi.NewAuthenticator(state, cfg.ManagePassword)
	if err != nil {
		logger.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	// Initialize archive registry and title index store
	registry := zimi.NewRegistry(cfg.ArchiveDir, state, logger, metrics)
	store := zimi.NewIndexStore(state.TitlesDir(), logger, metrics)

	// Caches are invalidated whenever the archive set changes
	results := zimi.NewSearchCache(metrics)
	suggest := zimi.NewSuggestCache(metrics)
	registry.OnChange(results.Purge)
	registry.OnChange(suggest.Purge)

	reader := zimi.NewReader(registry, logger)
	engine := zimi.NewSearchEngine(registry, store, reader, results, suggest, cfg.SearchTimeout, logger)
	resolver := zimi.NewResolver(registry, store, logger)
	catalog := zimi.NewCatalog(cfg.CatalogURL, nil, logger)
	downloads := zimi.NewDownloadManager(cfg.ArchiveDir, nil, registry, store, state, logger, metrics)

	// Auto-update settings: persisted overrides win over the environment
	auEnabled, auFreq := cfg.AutoUpdate, cfg.AutoUpdateFreq
	if enabled, freq, ok := state.AutoUpdate(); ok {
		auEnabled, auFreq = enabled, freq
	}
	updater := zimi.NewAutoUpdater(auEnabled, auFreq, catalog, registry, downloads, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initial scan; the server starts even when the directory is empty
	if n, err := registry.Refresh(ctx); err != nil {
		logger.Error("Initial archive scan failed", "error", err, "dir", cfg.ArchiveDir)
	} else {
		logger.Info("Archive scan complete", "archives", n)
	}
	for _, a := range registry.List() {
		store.Ensure(ctx, registry, a)
	}
	downloads.SweepStale()
	go registry.PreWarm(ctx)

	// Periodic rescan picks up files added outside the download manager
	go func() {
		ticker := time.NewTicker(cfg.ArchiveRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := registry.Refresh(ctx); err != nil {
					logger.Warn("Archive rescan failed", "error", err)
					continue
				}
				for _, a := range registry.List() {
					store.Ensure(ctx, registry, a)
				}
			}
		}
	}()

	go updater.Run(ctx)

	server := zimi.NewServer(cfg, zimi.ServerDeps{
		Registry:  registry,
		Store:     store,
		Engine:    engine,
		Reader:    reader,
		Resolver:  resolver,
		Downloads: downloads,
		Catalog:   catalog,
		Updater:   updater,
		State:     state,
		Auth:      auth,
		Results:   results,
		Suggest:   suggest,
		PromReg:   promReg,
	}, logger, metrics)
	server.SetVerbose(verboseEnabled)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    cfg.HTTPMaxHeaderBytes,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel() // Stop refresh and update loops

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
	}()

	logger.Info("Starting zimi", "addr", httpServer.Addr, "archive_dir", cfg.ArchiveDir)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
