package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/eugeniagram/eugeniagram/internal/common/logger"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

func messageEvent(conversationID, id string) store.Event {
	return store.Event{
		Type:   store.EventInsert,
		Table:  store.TableMessages,
		Record: store.Row{"id": id, "conversation_id": conversationID},
	}
}

func waitEvent(t *testing.T, ch <-chan store.Event) store.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return store.Event{}
}

func expectNone(t *testing.T, ch <-chan store.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func exerciseBroker(t *testing.T, b Broker) {
	ctx := context.Background()
	got := make(chan store.Event, 8)

	sub, err := b.Subscribe(ctx, "conversation:c1", store.EventFilter{
		Event:  store.EventInsert,
		Table:  store.TableMessages,
		Filter: "conversation_id=eq.c1",
	}, func(ev store.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, messageEvent("c2", "m0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, messageEvent("c1", "m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := waitEvent(t, got); ev.Record["id"] != "m1" {
		t.Fatalf("expected m1, got %+v", ev)
	}
	expectNone(t, got)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	b.Publish(ctx, messageEvent("c1", "m2"))
	expectNone(t, got)
}

func TestLocalBroker(t *testing.T) {
	b := NewLocalBroker(logger.Discard())
	defer b.Close()
	exerciseBroker(t, b)
	if b.Subscriptions() != 0 {
		t.Fatalf("expected no subscriptions left, got %d", b.Subscriptions())
	}
}

func TestLocalBrokerRejectsBadFilter(t *testing.T) {
	b := NewLocalBroker(logger.Discard())
	defer b.Close()
	_, err := b.Subscribe(context.Background(), "x", store.EventFilter{Table: "messages", Filter: "id=gt.3"}, func(store.Event) {})
	if err == nil {
		t.Fatalf("expected filter validation error")
	}
}

func TestLocalBrokerClosed(t *testing.T) {
	b := NewLocalBroker(logger.Discard())
	b.Close()
	if _, err := b.Subscribe(context.Background(), "x", store.EventFilter{Table: "messages"}, func(store.Event) {}); err == nil {
		t.Fatalf("expected subscribe on closed broker to fail")
	}
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b, err := NewRedisBroker(context.Background(), client, logger.Discard())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.Close()

	exerciseBroker(t, b)
}

func TestRedisBrokerSharesEventsBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()

	a, err := NewRedisBroker(ctx, clientA, logger.Discard())
	if err != nil {
		t.Fatalf("broker a: %v", err)
	}
	defer a.Close()
	b, err := NewRedisBroker(ctx, clientB, logger.Discard())
	if err != nil {
		t.Fatalf("broker b: %v", err)
	}
	defer b.Close()

	got := make(chan store.Event, 1)
	if _, err := b.Subscribe(ctx, "c", store.EventFilter{Table: store.TableMessages}, func(ev store.Event) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := a.Publish(ctx, messageEvent("c9", "m9")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := waitEvent(t, got); ev.Record["conversation_id"] != "c9" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
