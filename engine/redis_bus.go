package engine

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/n3n-io/n3n/common"
)

const (
	eventChannelPrefix = "n3n:events:"
	firehoseChannel    = "n3n:events"
)

// RedisBus distributes execution events over Redis pub/sub so a
// horizontally scaled deployment can stream progress from any node. Every
// event is published to its execution topic and to the firehose channel.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps a Redis client as an event bus.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		common.Logger.Errorf("failed to marshal execution event: %v", err)
		return
	}

	ctx := context.Background()
	if err := b.client.Publish(ctx, eventChannelPrefix+event.ExecutionID, payload).Err(); err != nil {
		common.Logger.Errorf("failed to publish execution event: %v", err)
	}
	if err := b.client.Publish(ctx, firehoseChannel, payload).Err(); err != nil {
		common.Logger.Errorf("failed to publish firehose event: %v", err)
	}
}

func (b *RedisBus) subscribe(channel string) (<-chan Event, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel)

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				common.Logger.Warnf("dropping malformed execution event: %v", err)
				continue
			}
			select {
			case out <- event:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	stop := func() {
		cancel()
		_ = pubsub.Close()
	}
	return out, stop
}

func (b *RedisBus) Subscribe(executionID string) (<-chan Event, func()) {
	return b.subscribe(eventChannelPrefix + executionID)
}

func (b *RedisBus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe(firehoseChannel)
}

func (b *RedisBus) Close() error {
	return nil
}
