package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Go-routine-4595/devicesink/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// nats connection string example
// "nats://localhost:4222"

const (
	messageBatchSize    = 1000
	messageBatchTimeout = time.Millisecond * 250
)

// Notifier announces persisted records to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, rec domain.Record) error
	Close()
}

// Subject returns the per-device subject a record is published on.
func Subject(base string, deviceID string) string {
	return base + "." + deviceID
}

func encodeRecord(rec domain.Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record for %s: %w", rec.DeviceID, err)
	}
	return b, nil
}

type NatsConnector struct {
	nats          *nats.Conn
	subject       string
	logger        zerolog.Logger
	batchSize     int
	lastBatchTime time.Time
}

func NewNatsConnector(url string, subject string, l *zerolog.Logger) (*NatsConnector, error) {
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

	return &NatsConnector{
		logger:        logger,
		nats:          nc,
		subject:       subject,
		lastBatchTime: time.Now(),
	}, nil
}

func (n *NatsConnector) Notify(ctx context.Context, rec domain.Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return n.Publish(ctx, Subject(n.subject, rec.DeviceID), b)
}

func (n *NatsConnector) Publish(ctx context.Context, subject string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("nats publish skipped: %w", err)
	}

	msg := &nats.Msg{Subject: subject, Data: b}
	err := n.nats.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}
	n.batchSize += 1

	return n.Flush(ctx)
}

// Flush pushes buffered messages once the batch is full or stale.
// A ctx deadline bounds the round trip to the server.
func (n *NatsConnector) Flush(ctx context.Context) error {
	if n.batchSize < messageBatchSize && time.Since(n.lastBatchTime) < messageBatchTimeout {
		return nil
	}

	n.batchSize = 0
	var err error
	if _, ok := ctx.Deadline(); ok {
		err = n.nats.FlushWithContext(ctx)
	} else {
		err = n.nats.Flush()
	}
	n.lastBatchTime = time.Now()
	if err != nil {
		return fmt.Errorf("nats flush failed: %w", err)
	}
	return nil
}

func (n *NatsConnector) Close() {
	if err := n.nats.Flush(); err != nil {
		n.logger.Error().Err(err).Msg("nats flush failed on close")
	}
	n.nats.Close()
}
