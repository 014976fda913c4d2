// Package realtime fans row insert events out to subscribers, in process or across
// instances through Redis pub/sub.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

const subscriberBuffer = 64

// Broker publishes events and delivers them to matching subscriptions
type Broker interface {
	store.Realtime
	Publish(ctx context.Context, event store.Event) error
	Close() error
}

type subscriber struct {
	id      string
	channel string
	filter  store.EventFilter
	events  chan store.Event
	done    chan struct{}
	once    sync.Once
	broker  *LocalBroker
}

func (s *subscriber) Unsubscribe() error {
	s.broker.remove(s.id)
	return nil
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// LocalBroker delivers events within one process. Each subscription gets its own
// goroutine so a slow handler only delays its own events.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	log    *slog.Logger
	closed bool
}

func NewLocalBroker(log *slog.Logger) *LocalBroker {
	return &LocalBroker{subs: make(map[string]*subscriber), log: log}
}

func (b *LocalBroker) Subscribe(ctx context.Context, channel string, filter store.EventFilter, handler func(store.Event)) (store.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s := &subscriber{
		id:      uuid.NewString(),
		channel: channel,
		filter:  filter,
		events:  make(chan store.Event, subscriberBuffer),
		done:    make(chan struct{}),
		broker:  b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	b.subs[s.id] = s
	total := len(b.subs)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-s.events:
				handler(ev)
			case <-s.done:
				return
			}
		}
	}()

	b.log.Debug("realtime subscription added", "channel", channel, "table", filter.Table, "filter", filter.Filter, "subscriptions", total)
	return s, nil
}

// Publish delivers event to every matching subscription
func (b *LocalBroker) Publish(ctx context.Context, event store.Event) error {
	b.dispatch(event)
	return nil
}

func (b *LocalBroker) dispatch(event store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.filter.Matches(event) {
			continue
		}
		select {
		case s.events <- event:
		default:
			b.log.Warn("realtime subscriber is behind, dropping event", "channel", s.channel, "table", event.Table)
		}
	}
}

func (b *LocalBroker) remove(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Subscriptions returns the number of live subscriptions
func (b *LocalBroker) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}
