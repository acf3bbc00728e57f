package gateways

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Go-routine-4595/devicesink/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const publishDrainTimeout = 2 * time.Second

type StreamConnector struct {
	js      jetstream.JetStream
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewStreamConnector(url string, subject string, l *zerolog.Logger) (*StreamConnector, error) {
	var (
		logger zerolog.Logger
	)

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream connect failed: %w", err)
	}
	return &StreamConnector{
		logger:  logger,
		js:      js,
		nc:      nc,
		subject: subject,
	}, nil
}

// Notify publishes rec and waits for the stream ack until ctx is done.
func (s *StreamConnector) Notify(ctx context.Context, rec domain.Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.PublishAsyncWithCheck(ctx, Subject(s.subject, rec.DeviceID), b)
}

func (s *StreamConnector) PublishAsync(subject string, b []byte) error {
	_, err := s.js.PublishAsync(subject, b)

	if err != nil {
		return errors.Join(errors.New("streamconnector failed to publish async"), err)
	}
	return nil
}

func (s *StreamConnector) PublishAsyncWithCheck(ctx context.Context, subject string, b []byte) error {
	ack, err := s.js.PublishAsync(subject, b)

	if err != nil {
		return errors.Join(errors.New("streamconnector failed to publish async"), err)
	}
	select {
	case <-ack.Ok():
	// success
	case err := <-ack.Err():
		return errors.Join(errors.New("streamconnector failed to receive publish ack"), err)
	case <-ctx.Done():
		return errors.Join(errors.New("streamconnector gave up waiting for publish ack"), ctx.Err())
	}
	return nil
}

// Close waits briefly for pending acks before closing the connection.
func (s *StreamConnector) Close() {
	select {
	case <-s.js.PublishAsyncComplete():
	case <-time.After(publishDrainTimeout):
		s.logger.Warn().Int("pending", s.js.PublishAsyncPending()).Msg("jetstream closing with pending acks")
	}
	s.nc.Close()
}
