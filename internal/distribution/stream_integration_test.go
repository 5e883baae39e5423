package distribution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/correlator-io/seeder/internal/record"
)

func TestStreamTransportIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("seeder-test"))
	require.NoError(t, err, "Failed to start kafka container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	transport := NewStreamTransport(brokers)

	t.Cleanup(func() { _ = transport.Close() })

	sendCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	err = transport.Send(sendCtx, Delivery{
		Engine:      "trend-detector",
		Destination: "seeder.deliveries",
		Records:     posts(5, true),
		SentAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     "seeder.deliveries",
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
	})

	t.Cleanup(func() { _ = reader.Close() })

	readCtx, cancelRead := context.WithTimeout(ctx, 30*time.Second)
	defer cancelRead()

	seen := map[string]bool{}

	for len(seen) < 5 {
		msg, err := reader.ReadMessage(readCtx)
		require.NoError(t, err)

		var r record.Record
		require.NoError(t, json.Unmarshal(msg.Value, &r))
		assert.Equal(t, string(msg.Key), r.ID())

		seen[r.ID()] = true
	}

	assert.Len(t, seen, 5)
}
