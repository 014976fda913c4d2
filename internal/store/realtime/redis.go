package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

const channelPrefix = "eugeniagram:realtime:"

// RedisBroker shares events between API instances. Publishing goes through Redis and every
// instance, this one included, dispatches what it receives to its local subscriptions.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *LocalBroker
	log    *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRedisBroker(ctx context.Context, client *redis.Client, log *slog.Logger) (*RedisBroker, error) {
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	// wait for the subscription to be confirmed so early publishes are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to realtime channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		client: client,
		pubsub: pubsub,
		local:  NewLocalBroker(log),
		log:    log,
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.run(runCtx)
	return b, nil
}

func (b *RedisBroker) run(ctx context.Context) {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event store.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("dropping malformed realtime payload", "channel", msg.Channel, "error", err)
				continue
			}
			if event.Table == "" {
				event.Table = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			b.local.dispatch(event)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, event store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+event.Table, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Table, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, filter store.EventFilter, handler func(store.Event)) (store.Subscription, error) {
	return b.local.Subscribe(ctx, channel, filter, handler)
}

// Subscriptions returns the number of live local subscriptions
func (b *RedisBroker) Subscriptions() int {
	return b.local.Subscriptions()
}

func (b *RedisBroker) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.local.Close()
	return err
}
