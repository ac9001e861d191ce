// Package publisher delivers committed inventory events to subscribers
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

// Channel names, relative to the configured prefix
const (
	ChannelUnitTransitioned    = "unit.transitioned"
	ChannelAvailabilityChanged = "product.availability"
	availabilityKey            = "availability"
)

// Envelope is the JSON message published on every channel
// 発行メッセージの共通形式
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisPublisher implements inventory.EventPublisher with Redis pub/sub. It also keeps
// the latest availability of each product in a hash so readers can skip the database.
// Redis Pub/Subを使用したイベント発行者
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ inventory.EventPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a new Redis publisher
// 新しいRedisイベント発行者を作成
func NewRedisPublisher(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Channel returns the fully qualified channel name
func (p *RedisPublisher) Channel(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + ":" + name
}

// PublishUnitTransitioned publishes a committed unit status change
// 個体ステータス変更イベントを発行
func (p *RedisPublisher) PublishUnitTransitioned(ctx context.Context, event inventory.UnitTransitionedEvent) error {
	return p.publish(ctx, ChannelUnitTransitioned, "UnitTransitioned", event)
}

// PublishAvailabilityChanged publishes a committed availability change and records
// it in the availability hash, keyed by product ID, for consumers that start late
// 製品可用性変更イベントを発行
func (p *RedisPublisher) PublishAvailabilityChanged(ctx context.Context, event inventory.AvailabilityChangedEvent) error {
	field := strconv.FormatInt(event.ProductID, 10)
	if err := p.client.HSet(ctx, p.Channel(availabilityKey), field, string(event.NewAvailability)).Err(); err != nil {
		return fmt.Errorf("可用性キャッシュ更新に失敗しました: %w", err)
	}
	return p.publish(ctx, ChannelAvailabilityChanged, "AvailabilityChanged", event)
}

// Subscribe opens a subscription to the given channels (names without prefix)
func (p *RedisPublisher) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	full := make([]string, len(channels))
	for i, c := range channels {
		full[i] = p.Channel(c)
	}
	return p.client.Subscribe(ctx, full...)
}

func (p *RedisPublisher) publish(ctx context.Context, channel, eventType string, payload interface{}) error {
	message, err := EncodeEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(channel), message).Err(); err != nil {
		return fmt.Errorf("イベント発行に失敗しました (%s): %w", channel, err)
	}

	p.logger.Debug("イベントを発行しました",
		zap.String("channel", p.Channel(channel)),
		zap.String("type", eventType),
	)
	return nil
}

// EncodeEnvelope wraps payload in an Envelope and marshals it
func EncodeEnvelope(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}
