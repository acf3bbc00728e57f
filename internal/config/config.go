package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Retry policies for the MQTT connect. internal/mqtt uses these too.
const (
	RetryNone    = "none"
	RetryBackoff = "backoff"

	MalformedSkip  = "skip"
	MalformedCrash = "crash"

	NatsCore      = "core"
	NatsJetStream = "jetstream"
)

// Config is built once at startup and is read-only afterwards.
type Config struct {
	MqttHost          string        `env:"MQTT_BROKER,required"`
	MqttPort          int           `env:"MQTT_PORT,required"`
	SubscriptionTopic string        `env:"MQTT_TOPIC,required"`
	MqttClientID      string        `env:"MQTT_CLIENT_ID,default=devicesink"`
	User              string        `env:"MQTT_USERNAME"`
	Password          string        `env:"MQTT_PASSWORD"`
	MqttTLS           bool          `env:"MQTT_TLS,default=false"`
	Keepalive         time.Duration `env:"MQTT_KEEPALIVE,default=60s"`
	RetryPolicy       string        `env:"MQTT_RETRY_POLICY,default=none"`
	RetryMaxElapsed   time.Duration `env:"MQTT_RETRY_MAX_ELAPSED,default=2m"`

	OutputDir       string `env:"OUTPUT_DIR,default=./data"`
	AtomicWrite     bool   `env:"OUTPUT_ATOMIC_WRITE,default=false"`
	MalformedPolicy string `env:"MALFORMED_POLICY,default=skip"`

	S3Bucket    string `env:"OUTPUT_S3_BUCKET"`
	S3Prefix    string `env:"OUTPUT_S3_PREFIX"`
	S3Endpoint  string `env:"OUTPUT_S3_ENDPOINT"`
	S3Region    string `env:"OUTPUT_S3_REGION,default=us-east-1"`
	S3AccessKey string `env:"OUTPUT_S3_ACCESS_KEY"`
	S3SecretKey string `env:"OUTPUT_S3_SECRET_KEY"`

	NATSUrl  string `env:"NATS_URL"`
	Subject  string `env:"NATS_SUBJECT,default=devicesink.persisted"`
	NATSMode string `env:"NATS_MODE,default=core"`

	MetricsAddr   string        `env:"METRICS_ADDR"`
	StatsInterval time.Duration `env:"STATS_INTERVAL,default=30s"`
	LogLevel      string        `env:"LOG_LEVEL,default=info"`
	LogFilePath   string        `env:"LOG_FILE_PATH,default=logs"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.StrictDecode(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if strings.TrimSpace(c.MqttHost) == "" {
		errs = append(errs, errors.New("MQTT_BROKER must not be empty"))
	}
	if strings.TrimSpace(c.SubscriptionTopic) == "" {
		errs = append(errs, errors.New("MQTT_TOPIC must not be empty"))
	}

	if c.MqttPort < 1 || c.MqttPort > 65535 {
		errs = append(errs, fmt.Errorf("MQTT_PORT %d is out of range", c.MqttPort))
	}

	c.RetryPolicy = strings.ToLower(c.RetryPolicy)
	if c.RetryPolicy != RetryNone && c.RetryPolicy != RetryBackoff {
		errs = append(errs, fmt.Errorf("MQTT_RETRY_POLICY %q must be %q or %q", c.RetryPolicy, RetryNone, RetryBackoff))
	}
	c.MalformedPolicy = strings.ToLower(c.MalformedPolicy)
	if c.MalformedPolicy != MalformedSkip && c.MalformedPolicy != MalformedCrash {
		errs = append(errs, fmt.Errorf("MALFORMED_POLICY %q must be %q or %q", c.MalformedPolicy, MalformedSkip, MalformedCrash))
	}
	c.NATSMode = strings.ToLower(c.NATSMode)
	if c.NATSMode != NatsCore && c.NATSMode != NatsJetStream {
		errs = append(errs, fmt.Errorf("NATS_MODE %q must be %q or %q", c.NATSMode, NatsCore, NatsJetStream))
	}
	if c.Keepalive <= 0 {
		errs = append(errs, errors.New("MQTT_KEEPALIVE must be positive"))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("STATS_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}
