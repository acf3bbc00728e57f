package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Go-routine-4595/devicesink/adapters/controller"
	"github.com/Go-routine-4595/devicesink/adapters/gateways"
	"github.com/Go-routine-4595/devicesink/adapters/storage"
	"github.com/Go-routine-4595/devicesink/internal/config"
	"github.com/Go-routine-4595/devicesink/internal/metrics"
	"github.com/Go-routine-4595/devicesink/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup context for cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFilePath)

	// print config parameters
	printConfig(*cfg, &logger)

	// Output directory must exist before the first message arrives
	var storeOpts []storage.FileStoreOption
	if cfg.AtomicWrite {
		storeOpts = append(storeOpts, storage.WithAtomicWrites())
	}
	store, err := storage.NewFileStore(cfg.OutputDir, storeOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare output directory")
	}

	var opts []usecase.Option
	if cfg.S3Bucket != "" {
		mirror, err := storage.NewS3Mirror(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to set up S3 mirror")
		}
		opts = append(opts, usecase.WithMirror(mirror))
	}

	if cfg.NATSUrl != "" {
		notifier, err := newNotifier(cfg, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect notifier")
		}
		opts = append(opts, usecase.WithNotifier(notifier))
	}

	// use case
	persister := usecase.NewPersister(*cfg, store, &logger, opts...)
	persister.Start(ctx)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg, persister.Stats()); err != nil {
			logger.Fatal().Err(err).Msg("Failed to register metrics")
		}
		metrics.Serve(ctx, cfg.MetricsAddr, reg, &logger)
	}

	// Setup MQTT controller
	ctl := controller.NewMqttController(cfg, persister, &logger)

	err = ctl.Run(ctx)
	cancel()
	persister.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("MQTT controller stopped")
	}
	logger.Info().Msg("Shut down gracefully")
}

func newNotifier(cfg *config.Config, logger *zerolog.Logger) (gateways.Notifier, error) {
	if cfg.NATSMode == config.NatsJetStream {
		return gateways.NewStreamConnector(cfg.NATSUrl, cfg.Subject, logger)
	}
	return gateways.NewNatsConnector(cfg.NATSUrl, cfg.Subject, logger)
}

func setupLogger(level string, logDir string) zerolog.Logger {
	// Create logs directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create log directory")
	}

	// Configure lumberjack for log rotation
	fileWriter := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "devicesink.log"),
		MaxSize:    4,  // megabytes
		MaxBackups: 5,  // number of backups
		MaxAge:     30, // days
		LocalTime:  true,
		Compress:   false, // compress rotated files
	}

	// Create multi-writer (console + file)
	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stdout},
		fileWriter,
	)

	// Set global log level
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return zerolog.New(multi).With().Timestamp().Logger()
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func printConfig(cfg config.Config, logger *zerolog.Logger) {
	logger.Info().Msg("Configuration:")
	logger.Info().Str("LOG_LEVEL", cfg.LogLevel).Msg("Log level")
	logger.Info().Str("LOG_FILE_PATH", cfg.LogFilePath).Msg("Log file path")
	logger.Info().Str("MQTT_BROKER", cfg.MqttHost).Msg("MQTT broker")
	logger.Info().Int("MQTT_PORT", cfg.MqttPort).Msg("MQTT port")
	logger.Info().Str("MQTT_TOPIC", cfg.SubscriptionTopic).Msg("Subscription topic")
	logger.Info().Str("MQTT_USERNAME", cfg.User).Msg("MQTT user")
	logger.Info().Str("MQTT_PASSWORD", redact(cfg.Password)).Msg("MQTT password")
	logger.Info().Bool("MQTT_TLS", cfg.MqttTLS).Msg("MQTT TLS")
	logger.Info().Dur("MQTT_KEEPALIVE", cfg.Keepalive).Msg("MQTT keepalive")
	logger.Info().Str("MQTT_RETRY_POLICY", cfg.RetryPolicy).Dur("MQTT_RETRY_MAX_ELAPSED", cfg.RetryMaxElapsed).Msg("Retry policy")
	logger.Info().Str("OUTPUT_DIR", cfg.OutputDir).Bool("OUTPUT_ATOMIC_WRITE", cfg.AtomicWrite).Msg("Output directory")
	logger.Info().Str("MALFORMED_POLICY", cfg.MalformedPolicy).Msg("Malformed message policy")
	logger.Info().Str("OUTPUT_S3_BUCKET", cfg.S3Bucket).Str("OUTPUT_S3_ENDPOINT", cfg.S3Endpoint).Msg("S3 mirror")
	logger.Info().Str("NATS_URL", cfg.NATSUrl).Str("NATS_SUBJECT", cfg.Subject).Str("NATS_MODE", cfg.NATSMode).Msg("NATS notifier")
	logger.Info().Str("METRICS_ADDR", cfg.MetricsAddr).Msg("Metrics address")
}
