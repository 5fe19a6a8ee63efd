package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flaretrack/flaretrack/internal/api/health"
	"github.com/flaretrack/flaretrack/internal/delivery"
	"github.com/flaretrack/flaretrack/internal/evaluate"
	"github.com/flaretrack/flaretrack/internal/fingerprint"
	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/notifier"
	"github.com/flaretrack/flaretrack/internal/queue"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/server"
	"github.com/flaretrack/flaretrack/internal/storage"
	"github.com/flaretrack/flaretrack/internal/worker"
	"github.com/flaretrack/flaretrack/pkg/config"
)

var (
	configFile string
	httpAddr   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "flaretrack-server",
	Short: "FlareTrack Server - Error event ingestion and alerting",
	Long: `FlareTrack Server ingests error events from applications, groups
equivalent errors by stack fingerprint, and delivers notifications
according to configurable rules.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flaretrack-server %s\n", config.Version)
		fmt.Printf("  commit: %s\n", config.Commit)
		fmt.Printf("  built:  %s\n", config.BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&httpAddr, "address", "a", "", "HTTP listen address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var cfg *Config

	// Load configuration from file if provided
	if configFile != "" {
		var err error
		cfg, err = LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = DefaultConfig()
	}

	// Override with CLI flags
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	cfg.Verbose = verbose

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	// Auto-create data directory
	dbDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Initialize storage
	store := storage.NewSQLiteStorage(cfg.Database.Path)
	if err := store.Open(); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	logger.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	tasks := queue.NewSQLiteQueue(store.DB(), duration(cfg.Queue.Visibility, 2*time.Minute))

	// Notification rules
	ruleList, err := rules.LoadRulesFromFile(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	ruleSet := rules.NewRuleSet(ruleList)
	logger.Info().Str("path", cfg.Rules.Path).Int("rules", ruleSet.Len()).Msg("rules loaded")

	// Notification channels
	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build channels: %w", err)
	}
	defer registry.Close()

	// Delivery pipeline
	pipeline := delivery.NewPipeline(
		registry,
		store.Dispatches(),
		store.DeadLetters(),
		buildDeliveryConfig(cfg),
		logger,
	)
	pipeline.Start()
	defer pipeline.Close()

	// Optional analytical archive
	var archive *storage.ArchiveBuffer
	if cfg.ClickHouse.Enabled {
		ch := storage.NewClickHouseArchive(&storage.ClickHouseConfig{
			Addresses:     cfg.ClickHouse.Addresses,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.Username,
			Password:      cfg.ClickHouse.Password,
			Compression:   cfg.ClickHouse.Compression,
			RetentionDays: cfg.ClickHouse.RetentionDays,
		})
		if err := ch.Open(); err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer ch.Close()
		if err := ch.Migrate(); err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}
		archive = storage.NewArchiveBuffer(ch, &storage.ArchiveBufferConfig{
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: duration(cfg.ClickHouse.FlushInterval, 5*time.Second),
		}, logger)
		defer archive.Close()
		logger.Info().Strs("addresses", cfg.ClickHouse.Addresses).Msg("clickhouse archive enabled")
	}

	// Processing pool and sweeper
	evaluator := evaluate.NewEvaluator(store.Dispatches(), ruleSet, logger)
	fp := fingerprint.NewEngine(cfg.FingerprintEngineConfig())
	pool := worker.NewPool(store, tasks, fp, evaluator, pipeline, ruleSet, archive, buildWorkerConfig(cfg), logger)

	sweeper := worker.NewSweeper(store.Occurrences(), tasks, buildSweeperConfig(cfg), logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	// HTTP API
	srv, err := server.New(&server.Config{Address: cfg.Server.HTTPAddress}, store, tasks, pipeline, ruleSet, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.RegisterHealthChecker(health.CheckerFunc{
		CheckerName: "database",
		Fn: func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		},
	})

	metricsSrv := metrics.NewServer(cfg.Server.MetricsAddress, logger)
	if err := metricsSrv.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	// Setup signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", config.Version).
		Str("http", cfg.Server.HTTPAddress).
		Str("metrics", cfg.Server.MetricsAddress).
		Msg("starting flaretrack-server")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		// Operator alert feed for exhausted deliveries.
		for {
			select {
			case <-ctx.Done():
				return nil
			case entry, ok := <-pipeline.DeadLetterEvents():
				if !ok {
					return nil
				}
				logger.Warn().
					Str("dead_letter_id", entry.ID).
					Str("channel", entry.Channel).
					Str("reason", entry.Reason).
					Msg("notification dead lettered")
			}
		}
	})
	if cfg.Rules.Watch {
		watcher := rules.NewWatcher(cfg.Rules.Path, ruleSet, logger)
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run server: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}

func buildLogger(cfg *Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	if cfg.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	var logger zerolog.Logger
	if cfg.Logging.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

// buildRegistry constructs notification channels from configuration.
func buildRegistry(cfg *Config) (*notifier.Registry, error) {
	registry := notifier.NewRegistry()

	if c := cfg.Channels.Slack; c != nil {
		ch, err := notifier.NewSlackChannel(notifier.SlackConfig{WebhookURL: c.WebhookURL})
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		registry.Register(ch)
	}
	if c := cfg.Channels.Email; c != nil {
		ch, err := notifier.NewEmailChannel(notifier.EmailConfig{
			Host:       c.Host,
			Port:       c.Port,
			Username:   c.Username,
			Password:   c.Password,
			From:       c.From,
			Recipients: c.Recipients,
		})
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		registry.Register(ch)
	}
	if c := cfg.Channels.Webhook; c != nil {
		ch, err := notifier.NewWebhookChannel(notifier.WebhookConfig{
			URL:     c.URL,
			Headers: c.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
		registry.Register(ch)
	}
	return registry, nil
}

func buildDeliveryConfig(cfg *Config) delivery.Config {
	dc := delivery.DefaultConfig()
	if cfg.Delivery.Workers > 0 {
		dc.Workers = cfg.Delivery.Workers
	}
	if cfg.Delivery.MaxAttempts > 0 {
		dc.MaxAttempts = cfg.Delivery.MaxAttempts
	}
	if cfg.Delivery.BaseDelay != "" {
		dc.BaseDelay = duration(cfg.Delivery.BaseDelay, dc.BaseDelay)
	}
	if cfg.Delivery.Multiplier >= 1 {
		dc.Multiplier = cfg.Delivery.Multiplier
	}
	if cfg.Delivery.MaxElapsed != "" {
		dc.MaxElapsed = duration(cfg.Delivery.MaxElapsed, dc.MaxElapsed)
	}
	if cfg.Delivery.BreakerThreshold > 0 {
		dc.Breaker.Threshold = cfg.Delivery.BreakerThreshold
	}
	if cfg.Delivery.BreakerCooldown != "" {
		dc.Breaker.Cooldown = duration(cfg.Delivery.BreakerCooldown, dc.Breaker.Cooldown)
	}
	if cfg.Delivery.RatePerMinute > 0 {
		dc.RateLimit.PerMinute = cfg.Delivery.RatePerMinute
	}
	if cfg.Delivery.RateBurst > 0 {
		dc.RateLimit.Burst = cfg.Delivery.RateBurst
	}
	return dc
}

func buildWorkerConfig(cfg *Config) worker.Config {
	wc := worker.DefaultConfig()
	if cfg.Worker.Workers > 0 {
		wc.Workers = cfg.Worker.Workers
	}
	if cfg.Worker.MaxTaskAttempts > 0 {
		wc.MaxTaskAttempts = cfg.Worker.MaxTaskAttempts
	}
	if cfg.Worker.RetryDelay != "" {
		wc.RetryDelay = duration(cfg.Worker.RetryDelay, wc.RetryDelay)
	}
	return wc
}

func buildSweeperConfig(cfg *Config) worker.SweeperConfig {
	sc := worker.DefaultSweeperConfig()
	if cfg.Worker.SweepSchedule != "" {
		sc.Schedule = cfg.Worker.SweepSchedule
	}
	if cfg.Worker.SweepStaleAfter != "" {
		sc.StaleAfter = duration(cfg.Worker.SweepStaleAfter, sc.StaleAfter)
	}
	return sc
}
