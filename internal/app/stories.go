package app

import (
	"context"
	"fmt"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

// FetchStories loads stories oldest first and keeps only unexpired ones. When expired rows
// come back a background delete of expired stories is started; its failure is ignored.
func (a *App) FetchStories(ctx context.Context) {
	const key = "stories"
	a.mu.Lock()
	gen := a.beginFetch(key)
	a.mu.Unlock()

	var rows []Story
	err := a.store.Select(ctx, store.TableStories, store.Query{
		Columns: []string{"id", "user_id", "media_url", "media_type", "description", "created_at", "expires_at"},
		Embeds:  []store.Embed{{Table: store.TableProfiles, Alias: "author", Columns: profileColumns}},
		Order:   []store.Order{{Column: "created_at"}},
	}, &rows)

	now := a.now()
	a.mu.Lock()
	if !a.latest(key, gen) {
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.stories = []Story{}
		a.mu.Unlock()
		a.fetchFailed(key, err)
		return
	}
	active := ActiveStories(rows, now)
	a.stories = active
	a.mu.Unlock()

	if expired := len(rows) - len(active); expired > 0 {
		a.purgeExpiredStories(now, expired)
	}
}

func (a *App) purgeExpiredStories(now time.Time, seen int) {
	a.background("purge_expired_stories", func() {
		err := a.store.Delete(context.Background(), store.TableStories, []store.Filter{
			store.Lt("expires_at", now.Format(time.RFC3339Nano)),
		})
		if err != nil {
			a.log.Debug("expired story cleanup failed", "seen", seen, "error", err)
			return
		}
		a.log.Debug("expired stories cleaned up", "seen", seen)
	})
}

// Stories is the active story cache
func (a *App) Stories() []Story {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Story(nil), a.stories...)
}

// GroupedStories is recomputed from the story cache on every call
func (a *App) GroupedStories() []StoryGroup {
	a.mu.Lock()
	stories := append([]Story(nil), a.stories...)
	a.mu.Unlock()
	return GroupStories(stories)
}

// CreateStory uploads the media and inserts a story that expires after StoryLifetime
func (a *App) CreateStory(ctx context.Context, in StoryInput) (string, error) {
	viewer, err := a.requireViewer()
	if err != nil {
		return "", err
	}
	if err := utils.ValidateStruct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Media.Body == nil {
		return "", fmt.Errorf("%w: story media is required", ErrInvalidInput)
	}

	url, err := a.upload(ctx, store.BucketStories, viewer, in.Media)
	if err != nil {
		a.mutationFailed("create_story", "Could not upload story", err)
		return "", err
	}

	// created_at and expires_at are stamped by the backend
	var rows []idRef
	err = a.store.Insert(ctx, store.TableStories, store.Row{
		"user_id":     viewer,
		"media_url":   url,
		"media_type":  string(in.MediaType),
		"description": in.Description,
	}, &rows)
	if err != nil {
		a.mutationFailed("create_story", "Could not publish story", err)
		return "", fmt.Errorf("create story: %w", err)
	}
	a.mutationOK("create_story")

	a.FetchStories(ctx)
	return firstID(rows), nil
}

// DeleteStory removes one of the viewer's stories. Highlights made from it keep their copy.
func (a *App) DeleteStory(ctx context.Context, id string) error {
	if _, err := a.requireViewer(); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, store.TableStories, []store.Filter{store.Eq("id", id)}); err != nil {
		a.mutationFailed("delete_story", "Could not delete story", err)
		return fmt.Errorf("delete story: %w", err)
	}
	a.mutationOK("delete_story")

	a.mu.Lock()
	kept := a.stories[:0:0]
	for _, s := range a.stories {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	a.stories = kept
	a.mu.Unlock()
	return nil
}
