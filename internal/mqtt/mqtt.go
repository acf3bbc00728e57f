package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Go-routine-4595/devicesink/internal/config"
	"github.com/Go-routine-4595/devicesink/usecase"
	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultKeepalive  = 60 * time.Second
	subscribeQoS      = byte(0)
	disconnectQuiesce = 250 // ms
)

// ErrConnectionLost is returned by Start when the broker connection drops and
// no retry policy is configured.
var ErrConnectionLost = errors.New("connection to MQTT broker lost")

// MQTTConfig holds configuration for MQTT connection
type MQTTConfig struct {
	Host            string
	Port            int
	Keepalive       time.Duration
	Username        *string
	Password        *string
	SubscribeTopic  *string
	ClientID        string
	TLS             bool
	RetryPolicy     string
	RetryMaxElapsed time.Duration
}

// NewMQTTConfig creates a default MQTT configuration
func NewMQTTConfig(host string, port int, clientid string) *MQTTConfig {
	return &MQTTConfig{
		Host:           host,
		Port:           port,
		Keepalive:      defaultKeepalive,
		Username:       nil,
		Password:       nil,
		SubscribeTopic: nil,
		ClientID:       clientid,
		RetryPolicy:    config.RetryNone,
	}
}

func (c *MQTTConfig) WithUsername(username string) *MQTTConfig {
	c.Username = &username
	return c
}

func (c *MQTTConfig) WithPassword(password string) *MQTTConfig {
	c.Password = &password
	return c
}

func (c *MQTTConfig) WithSubscribeTopic(topic string) *MQTTConfig {
	c.SubscribeTopic = &topic
	return c
}

func (c *MQTTConfig) WithRetry(policy string, maxElapsed time.Duration) *MQTTConfig {
	c.RetryPolicy = policy
	c.RetryMaxElapsed = maxElapsed
	return c
}

// BrokerURL returns the paho broker address for the config.
func (c *MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// MQTTConnector subscribes to one topic filter and hands every delivered
// message to the persister, one at a time.
type MQTTConnector struct {
	config      *MQTTConfig
	client      mqtt.Client
	logger      *zerolog.Logger
	processData usecase.ISubmit
	lost        chan error
	halt        func(error)
}

// NewMQTTConnector creates a new MQTT connector instance
func NewMQTTConnector(cfg *MQTTConfig, l *zerolog.Logger) *MQTTConnector {
	var logger zerolog.Logger

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	connector := &MQTTConnector{
		config: cfg,
		logger: &logger,
		lost:   make(chan error, 1),
	}
	connector.halt = func(err error) {
		connector.logger.Fatal().Err(err).Msg("Message processing halted")
	}

	connector.setupClient()
	return connector
}

func (m *MQTTConnector) WithSubscription(usecase usecase.ISubmit) *MQTTConnector {
	m.processData = usecase
	return m
}

func (m *MQTTConnector) WithLogger(logger *zerolog.Logger) *MQTTConnector {
	m.logger = logger
	return m
}

func (m *MQTTConnector) retrying() bool {
	return m.config.RetryPolicy == config.RetryBackoff
}

// setupClient configures MQTT client with callbacks and authentication
func (m *MQTTConnector) setupClient() {
	// Generate unique client ID
	clientID := fmt.Sprintf("%s.%s", m.config.ClientID, uuid.New().String())

	keepalive := m.config.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.BrokerURL())
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepalive)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(m.retrying())
	opts.SetConnectRetry(false)

	if m.config.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Set authentication if provided
	if m.config.Username != nil && m.config.Password != nil {
		opts.SetUsername(*m.config.Username)
		opts.SetPassword(*m.config.Password)
	}

	// Set callbacks
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onDisconnect)

	m.client = mqtt.NewClient(opts)
}

// onConnect subscribes on every successful connect, so auto-reconnect
// restores the subscription.
func (m *MQTTConnector) onConnect(client mqtt.Client) {
	m.logger.Info().Msg("Connected to MQTT broker successfully")

	if m.config.SubscribeTopic == nil {
		return
	}
	token := client.Subscribe(*m.config.SubscribeTopic, subscribeQoS, m.onMessage)
	if token.Wait() && token.Error() != nil {
		m.logger.Error().Msgf("Failed to subscribe to %s: %v", *m.config.SubscribeTopic, token.Error())
		return
	}

	m.logger.Info().Msgf("Subscribed to %s", *m.config.SubscribeTopic)
}

func (m *MQTTConnector) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if m.processData == nil {
		m.logger.Warn().Str("topic", msg.Topic()).Msg("No processor attached, message dropped")
		return
	}

	// the persister logs its own failures
	err := m.processData.Submit(msg.Topic(), msg.Payload())
	if errors.Is(err, usecase.ErrHalt) {
		m.halt(err)
	}
}

// onDisconnect callback for MQTT disconnection
func (m *MQTTConnector) onDisconnect(_ mqtt.Client, err error) {
	if m.retrying() {
		m.logger.Warn().Msgf("Unexpected disconnection from MQTT broker: %v. Reconnecting...", err)
		return
	}

	m.logger.Error().Msgf("Unexpected disconnection from MQTT broker: %v", err)
	select {
	case m.lost <- errors.Join(ErrConnectionLost, err):
	default:
	}
}

// Connect makes a single connection attempt.
func (m *MQTTConnector) Connect() error {
	token := m.client.Connect()
	if token.Wait() && token.Error() != nil {
		m.logger.Error().Err(token.Error()).Str("broker", m.config.BrokerURL()).Msg("Connection to MQTT broker failed")
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

func (m *MQTTConnector) connect(ctx context.Context) error {
	if !m.retrying() {
		return m.Connect()
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = m.config.RetryMaxElapsed

	return backoff.RetryNotify(m.Connect, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		m.logger.Warn().Err(err).Msgf("Retrying MQTT connection in %s", next)
	})
}

// Start connects, subscribes and blocks until ctx is cancelled or the
// connection is lost without a retry policy.
func (m *MQTTConnector) Start(ctx context.Context) error {
	m.logger.Info().Msgf("Connecting to MQTT broker at %s:%d", m.config.Host, m.config.Port)

	if err := m.connect(ctx); err != nil {
		return fmt.Errorf("error starting MQTT client: %w", err)
	}

	select {
	case <-ctx.Done():
		m.logger.Info().Msgf("Received signal %v. Shutting down gracefully...", ctx.Err())
		m.Stop()
		return nil
	case err := <-m.lost:
		m.Stop()
		return err
	}
}

// Stop gracefully stops the MQTT client
func (m *MQTTConnector) Stop() {
	m.logger.Info().Msg("Stopping MQTT client...")
	if m.client.IsConnected() && m.config.SubscribeTopic != nil {
		if token := m.client.Unsubscribe(*m.config.SubscribeTopic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			m.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown")
		}
	}
	m.client.Disconnect(disconnectQuiesce)
}
