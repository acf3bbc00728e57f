package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Go-routine-4595/devicesink/internal/config"
	"github.com/Go-routine-4595/devicesink/usecase"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMessage) Duplicate() bool   { return false }
func (f *fakeMessage) Qos() byte         { return 0 }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return 1 }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

type submitCall struct {
	topic   string
	payload []byte
}

type mockSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

func (m *mockSubmitter) Submit(topic string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, submitCall{topic: topic, payload: msg})
	return m.err
}

func newTestConnector(t *testing.T, cfg *MQTTConfig) *MQTTConnector {
	t.Helper()
	logger := zerolog.Nop()
	return NewMQTTConnector(cfg, &logger)
}

// --- Tests ---

func TestBrokerURL(t *testing.T) {
	cfg := NewMQTTConfig("broker.local", 1883, "devicesink")
	assert.Equal(t, "tcp://broker.local:1883", cfg.BrokerURL())

	cfg.TLS = true
	cfg.Port = 8883
	assert.Equal(t, "ssl://broker.local:8883", cfg.BrokerURL())
}

func TestNewMQTTConfigDefaults(t *testing.T) {
	cfg := NewMQTTConfig("h", 1, "id").WithSubscribeTopic("site/#").WithUsername("u").WithPassword("p")

	assert.Equal(t, 60*time.Second, cfg.Keepalive)
	assert.Equal(t, config.RetryNone, cfg.RetryPolicy)
	require.NotNil(t, cfg.SubscribeTopic)
	assert.Equal(t, "site/#", *cfg.SubscribeTopic)
	assert.Equal(t, "u", *cfg.Username)
	assert.Equal(t, "p", *cfg.Password)
}

func TestOnMessageForwardsDeliveryTopicAndPayload(t *testing.T) {
	sub := &mockSubmitter{}
	c := newTestConnector(t, NewMQTTConfig("localhost", 1883, "test")).WithSubscription(sub)

	payload := []byte(`{"topic":"site/gateway/sensor-7","value":42}`)
	c.onMessage(nil, &fakeMessage{topic: "site/gateway/sensor-7", payload: payload})

	require.Len(t, sub.calls, 1)
	assert.Equal(t, "site/gateway/sensor-7", sub.calls[0].topic)
	assert.Equal(t, payload, sub.calls[0].payload)
}

func TestOnMessageHalt(t *testing.T) {
	t.Run("halts on ErrHalt", func(t *testing.T) {
		sub := &mockSubmitter{err: errors.Join(usecase.ErrHalt, errors.New("bad json"))}
		c := newTestConnector(t, NewMQTTConfig("localhost", 1883, "test")).WithSubscription(sub)

		var halted error
		c.halt = func(err error) { halted = err }

		c.onMessage(nil, &fakeMessage{topic: "t", payload: []byte("x")})
		assert.ErrorIs(t, halted, usecase.ErrHalt)
	})

	t.Run("keeps running on skipped messages", func(t *testing.T) {
		sub := &mockSubmitter{err: errors.New("bad json")}
		c := newTestConnector(t, NewMQTTConfig("localhost", 1883, "test")).WithSubscription(sub)

		halted := false
		c.halt = func(error) { halted = true }

		c.onMessage(nil, &fakeMessage{topic: "t", payload: []byte("x")})
		assert.False(t, halted)
	})
}

func TestOnMessageWithoutProcessor(t *testing.T) {
	c := newTestConnector(t, NewMQTTConfig("localhost", 1883, "test"))
	assert.NotPanics(t, func() {
		c.onMessage(nil, &fakeMessage{topic: "t", payload: []byte("{}")})
	})
}

func TestOnDisconnectSignalsLossWithoutRetry(t *testing.T) {
	c := newTestConnector(t, NewMQTTConfig("localhost", 1883, "test"))

	c.onDisconnect(nil, errors.New("EOF"))
	c.onDisconnect(nil, errors.New("EOF again")) // must not block

	select {
	case err := <-c.lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	default:
		t.Fatal("expected connection loss to be signalled")
	}
}

func TestOnDisconnectWithRetryDoesNotSignal(t *testing.T) {
	c := newTestConnector(t, NewMQTTConfig("localhost", 1883, "test").WithRetry(config.RetryBackoff, time.Second))

	c.onDisconnect(nil, errors.New("EOF"))

	select {
	case <-c.lost:
		t.Fatal("auto-reconnect should handle the loss")
	default:
	}
}

// Port 1 on loopback refuses connections immediately.
func TestStartFailsWithoutRetry(t *testing.T) {
	c := newTestConnector(t, NewMQTTConfig("127.0.0.1", 1, "test").WithSubscribeTopic("site/#"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := c.Start(ctx)
	assert.Error(t, err)
}

func TestStartGivesUpAfterBackoff(t *testing.T) {
	c := newTestConnector(t, NewMQTTConfig("127.0.0.1", 1, "test").
		WithSubscribeTopic("site/#").
		WithRetry(config.RetryBackoff, 500*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := c.Start(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)
}
