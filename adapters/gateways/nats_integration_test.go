//go:build integration

package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Go-routine-4595/devicesink/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupNatsContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, mappedPort.Port())
}

func testRecord() domain.Record {
	return domain.Record{
		DeviceID:    "sensor-7",
		Path:        "data/sensor-7",
		SourceTopic: "site/gateway/sensor-7",
		Size:        12,
		PersistedAt: time.Now().UTC(),
	}
}

func TestNatsConnector_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := setupNatsContainer(t, ctx)
	logger := zerolog.Nop()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("devicesink.persisted.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	conn, err := NewNatsConnector(url, "devicesink.persisted", &logger)
	require.NoError(t, err)

	require.NoError(t, conn.Notify(ctx, testRecord()))
	conn.Close()

	select {
	case msg := <-msgs:
		assert.Equal(t, "devicesink.persisted.sensor-7", msg.Subject)
		var rec domain.Record
		require.NoError(t, json.Unmarshal(msg.Data, &rec))
		assert.Equal(t, "sensor-7", rec.DeviceID)
	case <-time.After(10 * time.Second):
		t.Fatal("record not received")
	}
}

func TestStreamConnector_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := setupNatsContainer(t, ctx)
	logger := zerolog.Nop()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "DEVICESINK",
		Subjects: []string{"devicesink.persisted.>"},
	})
	require.NoError(t, err)

	conn, err := NewStreamConnector(url, "devicesink.persisted", &logger)
	require.NoError(t, err)

	require.NoError(t, conn.Notify(ctx, testRecord()))
	require.NoError(t, conn.PublishAsyncWithCheck(ctx, "devicesink.persisted.sensor-8", []byte(`{}`)))
	conn.Close()

	require.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 2
	}, 10*time.Second, 100*time.Millisecond)
}
