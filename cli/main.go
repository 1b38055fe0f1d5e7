package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ytplaylist/internal/authui"
	"ytplaylist/internal/config"
	"ytplaylist/internal/logging"
	"ytplaylist/internal/manager"
	"ytplaylist/internal/metrics"
	"ytplaylist/internal/quota"
	"ytplaylist/internal/storage"
	"ytplaylist/internal/tracker"
	"ytplaylist/internal/youtube"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not read .env: %v\n", err)
	}

	command := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		os.Exit(cmdRun(args))
	case "auth":
		os.Exit(cmdAuth(args))
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ytplaylist - download videos from a YouTube "todo" playlist

Usage:
  ytplaylist [run] [flags]     Process the todo playlist once, or continuously with --daemon
  ytplaylist auth [flags]      Serve the OAuth web UI that writes the token file
  ytplaylist help              Show this help message

Examples:
  ytplaylist                                     # One processing cycle
  ytplaylist --daemon --poll-interval 600        # Poll every 10 minutes
  ytplaylist --download-path /srv/videos         # Override DOWNLOAD_PATH
  ytplaylist auth --port 5000                    # Authenticate in the browser

Configuration is read from ytplaylist.json, the environment and an optional
.env file. Required: TODO_PLAYLIST_ID, DONE_PLAYLIST_ID and a client secret
(CLIENT_SECRET_JSON or CREDENTIALS_FILE).

For help on specific command: ytplaylist <command> -h
`)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	daemon := fs.Bool("daemon", false, "Run continuously, polling every poll interval")
	downloadPath := fs.String("download-path", "", "Directory for downloaded videos (overrides DOWNLOAD_PATH)")
	pollInterval := fs.Int("poll-interval", 0, "Seconds between polls in daemon mode (overrides POLL_INTERVAL)")
	metricsPort := fs.Int("metrics-port", 0, "Port of the Prometheus metrics endpoint (overrides METRICS_PORT)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytplaylist [run] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if *downloadPath != "" {
		cfg.DownloadPath = *downloadPath
	}
	if *pollInterval > 0 {
		cfg.PollInterval = config.Duration(time.Duration(*pollInterval) * time.Second)
	}
	if *metricsPort > 0 {
		cfg.MetricsPort = *metricsPort
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log, closer, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *daemon, log); err != nil {
		log.Error("fatal error", logging.Err(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, daemon bool, log *slog.Logger) error {
	if err := cfg.CheckCredentials(); err != nil {
		log.Warn("no client secret configured, using client fields from the token file", logging.Err(err))
	}
	oauthCfg, err := youtube.LoadOAuthConfig(cfg.AuthConfig())
	if err != nil {
		return fmt.Errorf("load OAuth client: %w", err)
	}

	m := metrics.New()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr(), m, log)
	if err := metricsSrv.Start(); err != nil {
		log.Warn("could not start metrics server, continuing without it", logging.Err(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if _, err := youtube.WaitForToken(ctx, cfg.TokenFile, youtube.TokenWaitPolicy, log); err != nil {
		if ctx.Err() != nil {
			log.Info("stopped while waiting for credentials")
			return nil
		}
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	loc, err := quota.LoadLocation(cfg.QuotaTimezone)
	if err != nil {
		return err
	}
	q := quota.New(cfg.DailyQuotaLimit, loc, quota.WithOnChange(m.SetQuota))
	m.SetQuota(q.Used(), q.Remaining())

	service, err := youtube.NewService(ctx, oauthCfg, cfg.TokenFile, log)
	if err != nil {
		return err
	}
	clientCfg := youtube.DefaultClientConfig()
	clientCfg.RequestsPerSecond = cfg.APIRequestsPerSecond
	playlists := youtube.NewPlaylistClient(service, q, m, log, clientCfg)

	downloader := youtube.NewYtdlpDownloader(cfg.DownloadMode, m, log)
	downloader.Executable = cfg.YtdlpPath
	downloader.CookiesFile = cfg.CookiesFile

	tr := tracker.New(store, tracker.Config{
		InitialDelay:     cfg.InitialBackoff.D(),
		MaxBackoff:       cfg.MaxBackoff.D(),
		FailureThreshold: cfg.FailureThreshold,
	})
	log.Info("retry policy",
		slog.Int("failure_threshold", tr.Threshold()),
		slog.Duration("first_delay", tr.Delay(1)),
		slog.Duration("max_delay", tr.Delay(tr.Threshold())))

	mgr := manager.New(manager.Config{
		TodoPlaylistID:   cfg.TodoPlaylistID,
		DonePlaylistID:   cfg.DonePlaylistID,
		FailedPlaylistID: cfg.FailedPlaylistID,
		DownloadPath:     cfg.DownloadPath,
		PollInterval:     cfg.PollInterval.D(),
	}, manager.Deps{
		Playlists:  playlists,
		Downloader: downloader,
		Tracker:    tr,
		Quota:      q,
		Metrics:    m,
		Log:        log,
	})

	if !cfg.HasFailedPlaylist() {
		log.Info("no failed playlist configured, permanently failed videos stay in todo")
	}

	if daemon {
		return mgr.RunDaemon(ctx)
	}
	_, err = mgr.RunOnce(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func openStore(cfg *config.Config) (storage.TaskStore, error) {
	if cfg.InMemoryState() {
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewJSONStore(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	return store, nil
}

func cmdAuth(args []string) int {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	port := fs.Int("port", 0, "Port of the auth UI (overrides AUTH_PORT)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytplaylist auth [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := config.LoadAuth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if *port > 0 {
		cfg.AuthPort = *port
	}

	log, closer, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	if err := cfg.CheckCredentials(); err != nil {
		log.Error("no client secret configured", logging.Err(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := authui.New(authui.Config{Addr: cfg.AuthAddr(), Auth: cfg.AuthConfig()}, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("auth UI failed", logging.Err(err))
		return 1
	}
	return 0
}

func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	log, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return log, closer, nil
}
