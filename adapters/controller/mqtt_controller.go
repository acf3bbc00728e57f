package controller

import (
	"context"
	"os"

	"github.com/Go-routine-4595/devicesink/internal/config"
	"github.com/Go-routine-4595/devicesink/internal/mqtt"
	"github.com/Go-routine-4595/devicesink/usecase"

	"github.com/rs/zerolog"
)

type MqttController struct {
	controller *mqtt.MQTTConnector
	useCase    usecase.ISubmit
	logger     *zerolog.Logger
}

// NewMQTTConfig maps the service configuration onto the transport configuration.
func NewMQTTConfig(cfg *config.Config) *mqtt.MQTTConfig {
	mcfg := mqtt.NewMQTTConfig(cfg.MqttHost, cfg.MqttPort, cfg.MqttClientID).
		WithSubscribeTopic(cfg.SubscriptionTopic).
		WithRetry(cfg.RetryPolicy, cfg.RetryMaxElapsed)

	if cfg.User != "" {
		mcfg.WithUsername(cfg.User).WithPassword(cfg.Password)
	}
	mcfg.Keepalive = cfg.Keepalive
	mcfg.TLS = cfg.MqttTLS

	return mcfg
}

func NewMqttController(cfg *config.Config, useCase usecase.ISubmit, logger *zerolog.Logger) *MqttController {
	var l zerolog.Logger

	if logger == nil {
		l = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		l = *logger
	}

	controller := mqtt.NewMQTTConnector(NewMQTTConfig(cfg), &l).WithSubscription(useCase)

	return &MqttController{
		controller: controller,
		useCase:    useCase,
		logger:     &l,
	}
}

// Run blocks until ctx is cancelled or the broker connection ends for good.
func (c *MqttController) Run(ctx context.Context) error {
	return c.controller.Start(ctx)
}
