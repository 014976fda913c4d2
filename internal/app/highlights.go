package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// FetchHighlights loads userID's highlights, newest first
func (a *App) FetchHighlights(ctx context.Context, userID string) {
	const key = "highlights"
	a.mu.Lock()
	gen := a.beginFetch(key)
	a.mu.Unlock()

	var list []Highlight
	err := a.store.Select(ctx, store.TableHighlights, store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		Order:   []store.Order{{Column: "created_at", Desc: true}},
	}, &list)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) {
		return
	}
	a.highOwner = userID
	if err != nil {
		a.highlights = []Highlight{}
		a.fetchFailed(key, err)
		return
	}
	for i := range list {
		if list[i].Stories == nil {
			list[i].Stories = []HighlightStory{}
		}
	}
	a.highlights = list
}

// Highlights returns the cached highlights and whose they are
func (a *App) Highlights() ([]Highlight, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Highlight(nil), a.highlights...), a.highOwner
}

func snapshot(s Story) HighlightStory {
	hs := HighlightStory{
		ID:          s.ID,
		MediaURL:    s.MediaURL,
		MediaType:   s.MediaType,
		Description: s.Description,
	}
	if s.MediaType == MediaImage {
		hs.Image = s.MediaURL
	}
	return hs
}

// CreateHighlight copies the selected stories of the viewer into a new highlight. The copies
// outlive the stories they came from.
func (a *App) CreateHighlight(ctx context.Context, title, cover string, storyIDs []string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(storyIDs) == 0 {
		return "", fmt.Errorf("%w: select at least one story", ErrInvalidInput)
	}

	a.mu.Lock()
	viewer := a.viewerID()
	if viewer == "" {
		a.mu.Unlock()
		a.notifier.PromptSignIn()
		return "", ErrAuthRequired
	}
	byID := make(map[string]Story, len(a.stories))
	for _, s := range a.stories {
		byID[s.ID] = s
	}
	copies := make([]HighlightStory, 0, len(storyIDs))
	for _, id := range storyIDs {
		s, ok := byID[id]
		if !ok || s.UserID != viewer {
			a.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrStoryNotFound, id)
		}
		copies = append(copies, snapshot(s))
	}
	a.mu.Unlock()

	if cover == "" {
		cover = copies[0].Image
		if cover == "" {
			cover = copies[0].MediaURL
		}
	}

	var rows []idRef
	err := a.store.Insert(ctx, store.TableHighlights, store.Row{
		"user_id":     viewer,
		"title":       title,
		"cover_image": cover,
		"stories":     copies,
	}, &rows)
	if err != nil {
		a.mutationFailed("create_highlight", "Could not create highlight", err)
		return "", fmt.Errorf("create highlight: %w", err)
	}
	a.mutationOK("create_highlight")

	a.FetchHighlights(ctx, viewer)
	return firstID(rows), nil
}

func (a *App) DeleteHighlight(ctx context.Context, id string) error {
	viewer, err := a.requireViewer()
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, store.TableHighlights, []store.Filter{store.Eq("id", id)}); err != nil {
		a.mutationFailed("delete_highlight", "Could not delete highlight", err)
		return fmt.Errorf("delete highlight: %w", err)
	}
	a.mutationOK("delete_highlight")

	a.FetchHighlights(ctx, viewer)
	return nil
}
