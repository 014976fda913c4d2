package app

import (
	"context"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// onMessageEvent merges a pushed message insert into the active conversation. An echo of the
// viewer's own send replaces the first provisional message with the same content, and is
// dropped when the insert response got there first. Messages from the other side are
// appended after resolving the sender.
func (a *App) onMessageEvent(conversationID string, ev store.Event) {
	if ev.Type != store.EventInsert || ev.Table != store.TableMessages {
		return
	}
	var msg Message
	if err := store.Decode(ev.Record, &msg); err != nil {
		a.log.Warn("bad message event", "error", err)
		realtimeEvents.WithLabelValues("invalid").Inc()
		return
	}

	a.mu.Lock()
	if !a.acceptsEvent(conversationID, msg) {
		a.mu.Unlock()
		realtimeEvents.WithLabelValues("dropped").Inc()
		return
	}

	if msg.SenderID == a.viewerID() {
		if i := a.pendingIndex(msg.SenderID, msg.Content); i >= 0 {
			if msg.Sender == nil {
				msg.Sender = a.messages[i].Sender
			}
			a.messages[i] = msg
			a.mu.Unlock()
			realtimeEvents.WithLabelValues("echo_replaced").Inc()
			return
		}
		// sent from another session of the same account
		if msg.Sender == nil {
			msg.Sender = cloneProfile(a.profile)
		}
		a.messages = insertByTime(a.messages, msg)
		a.touchConversation(conversationID, msg.CreatedAt)
		a.mu.Unlock()
		realtimeEvents.WithLabelValues("echo_appended").Inc()
		return
	}

	sender := msg.Sender
	if sender == nil && a.interlocutor != nil && a.interlocutor.ID == msg.SenderID && a.interlocutor.Username != "" {
		sender = cloneProfile(a.interlocutor)
	}
	a.mu.Unlock()

	if sender == nil {
		p, err := a.fetchProfile(context.Background(), msg.SenderID)
		if err != nil {
			a.log.Debug("sender lookup failed", "sender_id", msg.SenderID, "error", err)
		}
		sender = p
	}
	msg.Sender = sender

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acceptsEvent(conversationID, msg) {
		realtimeEvents.WithLabelValues("dropped").Inc()
		return
	}
	a.messages = append(a.messages, msg)
	a.touchConversation(conversationID, msg.CreatedAt)
	realtimeEvents.WithLabelValues("appended").Inc()
}

// acceptsEvent drops events for a conversation that is no longer selected and rows already in
// the cache. Callers hold a.mu.
func (a *App) acceptsEvent(conversationID string, msg Message) bool {
	if a.active != conversationID || msg.ConversationID != conversationID {
		return false
	}
	return msg.ID != "" && a.messageIndex(msg.ID) < 0
}

// pendingIndex is the first provisional message from sender with content. Callers hold a.mu.
func (a *App) pendingIndex(sender, content string) int {
	for i, m := range a.messages {
		if m.Pending() && m.SenderID == sender && m.Content == content {
			return i
		}
	}
	return -1
}

// insertByTime places m after every message not newer than it
func insertByTime(list []Message, m Message) []Message {
	i := len(list)
	for j := range list {
		if list[j].CreatedAt.After(m.CreatedAt) {
			i = j
			break
		}
	}
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

func (a *App) dropSubscription(sub store.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		a.log.Debug("unsubscribe failed", "error", err)
	}
}
