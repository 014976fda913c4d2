package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// FetchConversations loads the viewer's conversations, most recently active first
func (a *App) FetchConversations(ctx context.Context) {
	const key = "conversations"
	a.mu.Lock()
	gen := a.beginFetch(key)
	viewer := a.viewerID()
	a.mu.Unlock()

	var list []Conversation
	var err error
	if viewer != "" {
		err = a.store.RPC(ctx, store.ProcListUserConversations, nil, &list)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) {
		return
	}
	if err != nil {
		a.conversations = []Conversation{}
		a.fetchFailed(key, err)
		return
	}
	for i := range list {
		list[i].Interlocutor = otherParticipant(list[i], viewer)
	}
	sortConversations(list)
	a.conversations = list
}

// otherParticipant is the non-viewer participant's profile, or a stub with only the id when
// the profile did not come back
func otherParticipant(c Conversation, viewer string) *Profile {
	for _, p := range c.Participants {
		if p.UserID == viewer {
			continue
		}
		if p.Profile != nil {
			return cloneProfile(p.Profile)
		}
		return &Profile{ID: p.UserID}
	}
	return nil
}

func sortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

func (a *App) Conversations() []Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Conversation, len(a.conversations))
	for i, c := range a.conversations {
		c.Participants = append([]Participant(nil), c.Participants...)
		c.Interlocutor = cloneProfile(c.Interlocutor)
		out[i] = c
	}
	return out
}

// ActiveConversation is the selected conversation id, "" when none
func (a *App) ActiveConversation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Interlocutor is the other participant of the selected conversation
func (a *App) Interlocutor() *Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneProfile(a.interlocutor)
}

func (a *App) conversationIndex(id string) int {
	for i := range a.conversations {
		if a.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// ResolveInterlocutor finds the other participant of conversationID: from the conversation
// list when it carries a full profile, else through resolve_other_participant and a profile
// lookup, else whatever partial data the list entry has. While one resolution is in flight,
// calls for the same conversation return immediately.
func (a *App) ResolveInterlocutor(ctx context.Context, conversationID string) {
	a.mu.Lock()
	if a.resolving == conversationID {
		a.mu.Unlock()
		return
	}
	var partial *Profile
	if i := a.conversationIndex(conversationID); i >= 0 {
		if p := a.conversations[i].Interlocutor; p != nil {
			if p.Username != "" {
				a.setInterlocutor(conversationID, p)
				a.mu.Unlock()
				return
			}
			partial = cloneProfile(p)
		}
	}
	a.resolving = conversationID
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.resolving == conversationID {
			a.resolving = ""
		}
		a.mu.Unlock()
	}()

	profile, err := a.lookupInterlocutor(ctx, conversationID)
	if err != nil {
		a.log.Warn("interlocutor lookup failed, using partial data",
			"conversation_id", conversationID, "error", err)
		profile = partial
	}

	a.mu.Lock()
	a.setInterlocutor(conversationID, profile)
	if profile != nil && err == nil {
		if i := a.conversationIndex(conversationID); i >= 0 {
			a.conversations[i].Interlocutor = cloneProfile(profile)
		}
	}
	a.mu.Unlock()
}

func (a *App) lookupInterlocutor(ctx context.Context, conversationID string) (*Profile, error) {
	var otherID *string
	err := a.store.RPC(ctx, store.ProcResolveOtherParticipant, map[string]string{"conversation_id": conversationID}, &otherID)
	if err != nil {
		return nil, err
	}
	if otherID == nil || *otherID == "" {
		return nil, fmt.Errorf("%w: no other participant", store.ErrNotFound)
	}
	return a.fetchProfile(ctx, *otherID)
}

// setInterlocutor applies p when conversationID is still selected. Callers hold a.mu.
func (a *App) setInterlocutor(conversationID string, p *Profile) {
	if a.active == conversationID {
		a.interlocutor = cloneProfile(p)
	}
}

// StartConversation returns the existing conversation with otherID or creates it, then
// selects it
func (a *App) StartConversation(ctx context.Context, otherID string) (string, error) {
	viewer, err := a.requireViewer()
	if err != nil {
		return "", err
	}
	if otherID == "" || otherID == viewer {
		return "", ErrSelfConversation
	}

	params := map[string]string{"other_user_id": otherID}
	var existing *string
	if err := a.store.RPC(ctx, store.ProcCheckExistingConversation, params, &existing); err != nil {
		a.mutationFailed("start_conversation", "Could not open conversation", err)
		return "", fmt.Errorf("check existing conversation: %w", err)
	}

	id := ""
	if existing != nil {
		id = *existing
	} else {
		if err := a.store.RPC(ctx, store.ProcCreateConversation, params, &id); err != nil {
			a.mutationFailed("start_conversation", "Could not start conversation", err)
			return "", fmt.Errorf("create conversation: %w", err)
		}
		a.mutationOK("start_conversation")
	}

	a.FetchConversations(ctx)
	if err := a.SelectConversation(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// SelectConversation switches the active conversation: the previous subscription is dropped,
// new message inserts are subscribed, then messages are fetched and the interlocutor resolved.
// Subscribing first means a message inserted while the fetch runs still arrives.
func (a *App) SelectConversation(ctx context.Context, id string) error {
	a.mu.Lock()
	old := a.msgSub
	a.msgSub = nil
	a.active = id
	a.messages = []Message{}
	a.interlocutor = nil
	a.draft = ""
	a.mu.Unlock()

	a.dropSubscription(old)
	if id == "" {
		return nil
	}

	sub, subErr := a.store.Subscribe(ctx, "messages:"+id, store.EventFilter{
		Event:  store.EventInsert,
		Table:  store.TableMessages,
		Filter: "conversation_id=eq." + id,
	}, func(ev store.Event) {
		a.onMessageEvent(id, ev)
	})
	if subErr != nil {
		a.log.Warn("message subscription failed", "conversation_id", id, "error", subErr)
	} else {
		a.mu.Lock()
		if a.active != id {
			a.mu.Unlock()
			a.dropSubscription(sub)
			return nil
		}
		a.msgSub = sub
		a.mu.Unlock()
	}

	a.FetchMessages(ctx, id)
	a.ResolveInterlocutor(ctx, id)

	if subErr != nil {
		return fmt.Errorf("subscribe to messages: %w", subErr)
	}
	return nil
}

// touchConversation moves id to the top with updated_at = at. Callers hold a.mu.
func (a *App) touchConversation(id string, at time.Time) {
	i := a.conversationIndex(id)
	if i < 0 {
		return
	}
	c := a.conversations[i]
	c.UpdatedAt = at
	a.conversations = append(a.conversations[:i], a.conversations[i+1:]...)
	a.conversations = append([]Conversation{c}, a.conversations...)
}
