package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"snippet-sync/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes on one channel per room and listens on a single
// PubSub connection for every room this process serves.
type RedisBus struct {
	rdb     *redis.Client
	origin  string
	handler Handler
	pubsub  *redis.PubSub

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRedisBus(ctx context.Context, rdb *redis.Client, origin string, handler Handler) *RedisBus {
	b := &RedisBus{
		rdb:     rdb,
		origin:  origin,
		handler: handler,
		pubsub:  rdb.Subscribe(ctx),
	}

	b.wg.Add(1)
	go b.listen()
	return b
}

func (b *RedisBus) listen() {
	defer b.wg.Done()

	for msg := range b.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Warn("[Bus] dropping undecodable message on %s: %v", msg.Channel, err)
			continue
		}
		if env.Origin == b.origin || env.Event == nil {
			continue
		}
		b.handler(env)
	}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.origin
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(env.Room), payload).Err(); err != nil {
		return fmt.Errorf("publish to room %s: %w", env.Room, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, room string) error {
	if err := b.pubsub.Subscribe(ctx, channelFor(room)); err != nil {
		return fmt.Errorf("subscribe to room %s: %w", room, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, room string) error {
	if err := b.pubsub.Unsubscribe(ctx, channelFor(room)); err != nil {
		return fmt.Errorf("unsubscribe from room %s: %w", room, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		b.wg.Wait()
	})
	return err
}
