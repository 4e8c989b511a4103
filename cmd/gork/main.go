// gork
//
// A small HTTP service that publishes key/value records to a Kafka topic and
// returns bounded snapshots of that topic:
//
//	POST /produce, /api/produce          →  publish one record
//	GET  /consume, /api/consume          →  records since the recent group's last read
//	GET  /old-messages, /api/old-messages →  records from the start of the log
//
// # Usage
//
//	gork [flags]
//
//	Flags:
//	  -config string   Path to config YAML file (default "config.yaml")
//	  -env string      Optional dotenv file loaded before config expansion (default ".env")
//	  -version         Print version information and exit
//
// # Architecture
//
// Each run starts the following components:
//
//  1. Observability server: /healthz, /readyz, /metrics
//  2. Kafka client factory, publisher and bounded poller over client.properties
//  3. Public web server (HTML pages and JSON API)
//
// All servers and the file watcher are managed via errgroup. Changes to
// config.yaml or the client properties file restart the run with the new
// settings; each run watches the properties file its own config names.
//
// # Signal Handling
//
//	SIGINT/SIGTERM → Cancel context → Servers drain → Pooled producer closes → Exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/RaikaSurendra/gork/internal/bridge"
	"github.com/RaikaSurendra/gork/internal/config"
	"github.com/RaikaSurendra/gork/internal/kafka"
	"github.com/RaikaSurendra/gork/internal/observability"
	"github.com/RaikaSurendra/gork/internal/web"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration YAML file")
	envPath := flag.String("env", ".env", "Optional dotenv file loaded before config expansion")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gork %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gork",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
	)

	if err := loadDotenv(*envPath); err != nil {
		logger.Error("failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reloadCh := make(chan struct{}, 1)

	for {
		runCtx, runCancel := context.WithCancel(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- run(runCtx, *configPath, reloadCh, logger)
		}()

		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			runCancel()
			cancel()
			<-errCh
			logger.Info("gork shutdown complete")
			return
		case <-reloadCh:
			logger.Info("reloading configuration")
			runCancel()
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("previous run exited with error on reload", "error", err)
			}
			logger.Info("restarting with new configuration")
		case err := <-errCh:
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("gork exited with error", "error", err)
				os.Exit(1)
			}
			logger.Info("gork shutdown complete")
			return
		}
	}
}

// loadDotenv loads path into the environment. A missing file is not an error.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// watchPaths lists the files whose changes restart a run. The properties path
// comes from the run's own config, so a reload that points
// kafka.properties_file elsewhere watches the new file.
func watchPaths(configPath string, cfg *config.Config) []string {
	paths := []string{configPath}
	if cfg.Kafka.PropertiesFile != "" {
		paths = append(paths, cfg.Kafka.PropertiesFile)
	}
	return paths
}

// watchFiles uses fsnotify to watch paths until ctx is cancelled.
func watchFiles(ctx context.Context, paths []string, reloadCh chan<- struct{}, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create file watcher", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			logger.Error("failed to watch file", "path", path, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Some editors replace the file instead of writing it.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				logger.Info("watched file changed", "event", event.Name)
				select {
				case reloadCh <- struct{}{}:
				default:
					// already queued
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("file watcher error", "error", err)
		}
	}
}

// writeTimeout allows a consume request to run for its whole retrieval
// deadline plus client setup and teardown. An unbounded deadline disables the
// write timeout.
func writeTimeout(cfg *config.Config) time.Duration {
	maxWait := cfg.Consumer.MaxWaitValue()
	if maxWait == 0 {
		return 0
	}
	return max(maxWait, cfg.Producer.Timeout.Duration) + 15*time.Second
}

// run loads configuration, builds the Kafka layer and serves until ctx is
// cancelled. Changes to the watched files are signalled on reloadCh.
func run(ctx context.Context, configPath string, reloadCh chan<- struct{}, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration from %s: %w", configPath, err)
	}

	props, err := config.LoadProperties(cfg.Kafka.PropertiesFile)
	if err != nil {
		return fmt.Errorf("loading client properties: %w", err)
	}
	logger.Debug("client properties loaded", "path", cfg.Kafka.PropertiesFile, "properties", props.String())

	obsSrv := observability.NewServer(cfg.Observability.Addr, logger)
	defer obsSrv.SetReady(false)

	factory := kafka.NewFactory(logger)
	obsSrv.AddCheck("kafka_properties", func() error {
		return factory.CheckProperties(props)
	})

	publisher := kafka.NewPublisher(factory, props, logger,
		kafka.WithProduceTimeout(cfg.Producer.Timeout.Duration),
		kafka.WithPooledClient(cfg.Producer.Pooled),
	)
	defer publisher.Close()

	poller := kafka.NewPoller(factory, props, logger)
	svc := bridge.NewService(publisher, poller, bridge.OptionsFromConfig(cfg), logger)

	webSrv := web.NewServer(cfg.Server.Addr, svc, logger,
		web.WithRateLimit(cfg.Server.RateLimitRPS),
		web.WithWriteTimeout(writeTimeout(cfg)),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		watchFiles(gCtx, watchPaths(configPath, cfg), reloadCh, logger)
		return nil
	})

	g.Go(func() error {
		return obsSrv.Start(gCtx)
	})
	g.Go(func() error {
		return webSrv.Start(gCtx)
	})

	obsSrv.SetReady(true)
	logger.Info("gork is ready",
		"topic", svc.Topic(),
		"addr", cfg.Server.Addr,
		"observability_addr", cfg.Observability.Addr,
		"pooled_producer", cfg.Producer.Pooled,
		"max_wait", cfg.Consumer.MaxWaitValue(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
