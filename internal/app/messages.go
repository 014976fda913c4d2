package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// FetchMessages loads the messages of conversationID oldest first. The result is dropped when
// another conversation was selected meanwhile.
func (a *App) FetchMessages(ctx context.Context, conversationID string) {
	const key = "messages"
	a.mu.Lock()
	gen := a.beginFetch(key)
	a.mu.Unlock()

	var list []Message
	err := a.store.Select(ctx, store.TableMessages, store.Query{
		Columns: []string{"id", "conversation_id", "sender_id", "content", "created_at"},
		Embeds:  []store.Embed{{Table: store.TableProfiles, Alias: "sender", Columns: profileColumns}},
		Filters: []store.Filter{store.Eq("conversation_id", conversationID)},
		Order:   []store.Order{{Column: "created_at"}},
	}, &list)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) || a.active != conversationID {
		return
	}
	if err != nil {
		a.messages = []Message{}
		a.fetchFailed(key, err)
		return
	}

	seen := make(map[string]bool, len(list))
	for _, m := range list {
		seen[m.ID] = true
	}
	var pending []Message
	for _, m := range a.messages {
		switch {
		case m.Pending():
			pending = append(pending, m)
		case !seen[m.ID]:
			// pushed while the select was running
			list = insertByTime(list, m)
		}
	}
	a.messages = append(list, pending...)
}

func (a *App) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.messages...)
}

func (a *App) Draft() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draft
}

func (a *App) SetDraft(text string) {
	a.mu.Lock()
	a.draft = text
	a.mu.Unlock()
}

// messageIndex finds id in the message cache. Callers hold a.mu.
func (a *App) messageIndex(id string) int {
	for i := range a.messages {
		if a.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SendMessage appends a provisional message and clears the draft, then inserts it. The
// server row replaces the provisional one unless the realtime echo already did. On failure
// the provisional message is removed and the draft restored.
func (a *App) SendMessage(ctx context.Context, text string) error {
	content := strings.TrimSpace(text)
	if content == "" {
		return ErrEmptyText
	}

	a.mu.Lock()
	viewer := a.viewerID()
	if viewer == "" {
		a.mu.Unlock()
		a.notifier.PromptSignIn()
		return ErrAuthRequired
	}
	conversationID := a.active
	if conversationID == "" {
		a.mu.Unlock()
		return ErrNoConversation
	}
	now := a.now()
	temp := Message{
		ID:             newTempID(),
		ConversationID: conversationID,
		SenderID:       viewer,
		Content:        content,
		CreatedAt:      now,
		Sender:         cloneProfile(a.profile),
	}
	a.messages = append(a.messages, temp)
	a.draft = ""
	a.touchConversation(conversationID, now)
	var recipient string
	if a.interlocutor != nil {
		recipient = a.interlocutor.ID
	}
	a.mu.Unlock()

	var rows []Message
	err := a.store.Insert(ctx, store.TableMessages, store.Row{
		"conversation_id": conversationID,
		"sender_id":       viewer,
		"content":         content,
	}, &rows)
	if err == nil && len(rows) == 0 {
		err = fmt.Errorf("%w: insert returned no row", store.ErrNotFound)
	}
	if err != nil {
		a.mu.Lock()
		if i := a.messageIndex(temp.ID); i >= 0 {
			a.messages = append(a.messages[:i], a.messages[i+1:]...)
		}
		if a.active == conversationID && a.draft == "" {
			a.draft = text
		}
		a.mu.Unlock()
		a.mutationFailed("send_message", "Message not sent, please try again", err)
		return fmt.Errorf("send message: %w", err)
	}
	a.mutationOK("send_message")

	confirmed := rows[0]
	a.mu.Lock()
	a.confirmMessage(temp, confirmed)
	a.mu.Unlock()

	err = a.store.Update(ctx, store.TableConversations,
		store.Row{"updated_at": confirmed.CreatedAt},
		[]store.Filter{store.Eq("id", conversationID)}, nil)
	if err != nil {
		a.log.Warn("failed to bump conversation", "conversation_id", conversationID, "error", err)
	}

	if recipient != "" {
		a.notifyRecipient(recipient, conversationID, content)
	}
	return nil
}

// confirmMessage swaps the provisional message for the server row, unless the echo already
// put the row in place. When an echo of an identical send took the provisional slot, the row
// takes the next provisional message with the same content, or is inserted. Callers hold a.mu.
func (a *App) confirmMessage(temp, confirmed Message) {
	if confirmed.Sender == nil {
		confirmed.Sender = temp.Sender
	}
	i := a.messageIndex(temp.ID)
	if a.messageIndex(confirmed.ID) >= 0 {
		if i >= 0 {
			a.messages = append(a.messages[:i], a.messages[i+1:]...)
		}
		return
	}
	if i < 0 {
		i = a.pendingIndex(confirmed.SenderID, confirmed.Content)
	}
	if i >= 0 {
		a.messages[i] = confirmed
		return
	}
	a.messages = insertByTime(a.messages, confirmed)
}

func (a *App) notifyRecipient(recipient, conversationID, preview string) {
	a.background("email_notification", func() {
		var result map[string]any
		err := a.store.RPC(context.Background(), store.ProcSendEmailNotification, map[string]string{
			"recipient_id":    recipient,
			"conversation_id": conversationID,
			"message_preview": preview,
		}, &result)
		if err != nil {
			a.log.Debug("email notification failed", "conversation_id", conversationID, "error", err)
		}
	})
}
