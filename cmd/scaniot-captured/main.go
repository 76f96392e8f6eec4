package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brendaschussler/scaniot-capture/config"
	"github.com/brendaschussler/scaniot-capture/internal/capture"
	collect_logs "github.com/brendaschussler/scaniot-capture/internal/collect_logs"
	"github.com/brendaschussler/scaniot-capture/internal/httpapi"
	"github.com/brendaschussler/scaniot-capture/internal/logger"
	"github.com/brendaschussler/scaniot-capture/internal/notify"
	"github.com/brendaschussler/scaniot-capture/internal/orchestrator"
	"github.com/brendaschussler/scaniot-capture/internal/retry"
	"github.com/brendaschussler/scaniot-capture/internal/shell"
	"github.com/brendaschussler/scaniot-capture/internal/store"
	"github.com/brendaschussler/scaniot-capture/internal/store/memory"
	"github.com/brendaschussler/scaniot-capture/internal/store/postgres"
	"github.com/brendaschussler/scaniot-capture/internal/sweep"
	"github.com/brendaschussler/scaniot-capture/internal/upload"
	"github.com/brendaschussler/scaniot-capture/internal/version"
)

func printHelp() {
	fmt.Print(`scaniot-captured - IoT Packet Capture Daemon

Usage: scaniot-captured [collect-logs] [--config <path>] [--version|-v] [--help|-h]

Serves the capture control API and supervises per-device tcpdump
captures in the elevated environment.

Options:
  collect-logs     Package logs, config, and diagnostics into a zip archive for support
  --config <path>  Path to the JSON config file
  --version, -v    Print version and exit
  --help, -h       Show this help message and exit

Configuration:
  Without --config the daemon looks for config.json in
  /etc/scaniot-capture and the working directory. Every option can be
  overridden through SCANIOT_* environment variables.
`)
}

func main() {
	configPath := ""
	collectLogs := false
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			fmt.Println(version.Version)
			return
		case "collect-logs":
			collectLogs = true
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a path")
				os.Exit(2)
			}
			i++
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "Unknown argument: %s\n", args[i])
			printHelp()
			os.Exit(2)
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if collectLogs {
		zipName := fmt.Sprintf("scaniot-logs-%s.zip", time.Now().Format("20060102-150405"))
		if err := collect_logs.CollectLogs(zipName, collect_logs.Bundle{
			LogFile:    cfg.Logging.File,
			CaptureDir: cfg.Capture.OutputDir,
			ConfigPath: configPath,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to collect logs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created %s with logs, config, and diagnostics.\n", zipName)
		return
	}

	if err := cfg.InitializeLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetLogger()
	log.Info("scaniot-captured %s starting", version.Version)

	if err := os.MkdirAll(cfg.Capture.OutputDir, 0755); err != nil {
		log.Error("Failed to create capture output directory: %v", err)
		os.Exit(1)
	}

	var recordStore store.Store
	if cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.NewStore(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Error("Failed to connect to Postgres: %v", err)
			os.Exit(1)
		}
		recordStore = pg
		log.Info("Using Postgres record store")
	} else {
		recordStore = memory.NewStore()
		log.Warn("No postgres_dsn configured, session records will not survive a restart")
	}

	notifier := notify.NewNotifier(recordStore, 256)
	defer notifier.Close()

	runner := shell.NewSuRunner()

	var uploader capture.Uploader
	if cfg.Upload.Enabled {
		if cfg.Upload.Server == "" {
			log.Warn("upload.server not set, finished captures stay local")
		} else {
			uploader = upload.NewHTTPUploader(upload.Config{
				Server:       cfg.Upload.Server,
				APIKey:       cfg.Upload.APIKey,
				MaxFileBytes: cfg.Upload.MaxFileMB * 1024 * 1024,
				Policy: retry.Policy{
					MaxAttempts: cfg.Upload.MaxAttempts,
					BaseDelay:   time.Duration(cfg.Upload.BaseDelaySeconds) * time.Second,
					Multiplier:  2,
				},
			}, recordStore)
		}
	}

	registry := capture.NewRegistry()
	supervisor := capture.NewSupervisor(capture.Config{
		OutputDir:      cfg.Capture.OutputDir,
		Interface:      cfg.Capture.Interface,
		MaxPacketCount: cfg.Capture.MaxPacketCount,
		MaxDuration:    time.Duration(cfg.Capture.MaxDurationMinutes) * time.Minute,
	}, runner, notifier, uploader, registry)

	orc := orchestrator.New(recordStore, supervisor, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if uploader != nil {
		// Pick up artifacts left behind by a crash.
		sweeper := sweep.New(sweep.Config{Dir: cfg.Capture.OutputDir}, uploader, registry.Live)
		go sweeper.Run(ctx)
	}

	if err := orc.CheckPreconditions(ctx); err != nil {
		// Captures will fail until the environment is fixed, but the
		// API stays up so operators can see existing sessions.
		log.Warn("Capture preconditions not met: %v", err)
	}

	api := httpapi.NewServer(orc, notifier)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}

	// Stop live captures and wait for their terminal writes to land.
	for _, sess := range listActive(ctx, recordStore, log) {
		supervisor.StopSession(ctx, sess)
	}
	supervisor.Wait()

	if u, ok := uploader.(*upload.HTTPUploader); ok && u != nil {
		u.Wait()
	}
	log.Info("Shutdown complete")
}

func listActive(ctx context.Context, recordStore store.Store, log *logger.Logger) []string {
	sessions, err := recordStore.ListSessions(ctx)
	if err != nil {
		log.Warn("Failed to list sessions during shutdown: %v", err)
		return nil
	}
	var active []string
	for _, s := range sessions {
		if s.IsActive {
			active = append(active, s.SessionID)
		}
	}
	return active
}
