package publisher

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestEncodeEnvelope(t *testing.T) {
	event := inventory.UnitTransitionedEvent{
		UnitID:    7,
		ProductID: 3,
		From:      inventory.UnitStatusPendingStockIn,
		To:        inventory.UnitStatusInStock,
		Kind:      "stock_in",
	}

	data, err := EncodeEnvelope("UnitTransitioned", event)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "UnitTransitioned", env.Type)

	var decoded inventory.UnitTransitionedEvent
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, int64(7), decoded.UnitID)
	assert.Equal(t, inventory.UnitStatusInStock, decoded.To)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "serialstock:unit.transitioned", NewRedisPublisher(nil, "serialstock", nil).Channel(ChannelUnitTransitioned))
	assert.Equal(t, "unit.transitioned", NewRedisPublisher(nil, "", nil).Channel(ChannelUnitTransitioned))
}

func TestPublishUnitTransitioned(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	prefix := "test-" + uuid.NewString()
	pub := NewRedisPublisher(client, prefix, nil)

	sub := pub.Subscribe(ctx, ChannelUnitTransitioned)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	event := inventory.UnitTransitionedEvent{
		UnitID:    1,
		ProductID: 2,
		From:      inventory.UnitStatusInStock,
		To:        inventory.UnitStatusSold,
		Kind:      "stock_out",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, pub.PublishUnitTransitioned(ctx, event))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "UnitTransitioned", env.Type)
}

func TestPublishAvailabilityChangedCachesValue(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	prefix := "test-" + uuid.NewString()
	pub := NewRedisPublisher(client, prefix, nil)
	defer client.Del(ctx, pub.Channel(availabilityKey))

	_, err := client.HGet(ctx, pub.Channel(availabilityKey), "42").Result()
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, pub.PublishAvailabilityChanged(ctx, inventory.AvailabilityChangedEvent{
		ProductID:       42,
		OldAvailability: inventory.AvailabilityOutOfStock,
		NewAvailability: inventory.AvailabilityAvailable,
		InStock:         1,
	}))

	availability, err := client.HGet(ctx, pub.Channel(availabilityKey), "42").Result()
	require.NoError(t, err)
	assert.Equal(t, string(inventory.AvailabilityAvailable), availability)
}
