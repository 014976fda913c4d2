package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

func seedStory(fs *fakeStore, owner, url string, media MediaType, created time.Time) string {
	row := fs.seed(store.TableStories, store.Row{
		"user_id":     owner,
		"media_url":   url,
		"media_type":  string(media),
		"description": "",
		"created_at":  created,
		"expires_at":  created.Add(StoryLifetime),
	})[0]
	return row["id"].(string)
}

func TestFetchStoriesFiltersAndPurgesExpired(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	now := time.Now().UTC()
	seedStory(fs, "bob", "https://cdn.test/old.jpg", MediaImage, now.Add(-25*time.Hour))
	seedStory(fs, "bob", "https://cdn.test/new.jpg", MediaImage, now.Add(-time.Hour))

	a.FetchStories(context.Background())
	stories := a.Stories()
	if len(stories) != 1 || stories[0].MediaURL != "https://cdn.test/new.jpg" {
		t.Fatalf("stories = %+v", stories)
	}
	if stories[0].Author == nil || stories[0].Author.Username != "bob" {
		t.Fatalf("author = %+v", stories[0].Author)
	}

	a.Wait()
	if c := fs.callCount("delete", store.TableStories); c != 1 {
		t.Fatalf("deletes = %d", c)
	}
	if left := fs.rows(store.TableStories); len(left) != 1 {
		t.Fatalf("rows left = %d", len(left))
	}
}

func TestFetchStoriesSkipsPurgeWhenNothingExpired(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	seedStory(fs, "bob", "https://cdn.test/new.jpg", MediaImage, time.Now().UTC().Add(-time.Hour))

	a.FetchStories(context.Background())
	a.Wait()
	if c := fs.callCount("delete", store.TableStories); c != 0 {
		t.Fatalf("deletes = %d", c)
	}
}

func TestPurgeFailureIsIgnored(t *testing.T) {
	a, fs, n := newStartedApp(t)
	seedStory(fs, "bob", "https://cdn.test/old.jpg", MediaImage, time.Now().UTC().Add(-48*time.Hour))
	fs.fail("delete", store.TableStories, store.ErrForbidden)

	a.FetchStories(context.Background())
	a.Wait()
	if len(a.Stories()) != 0 {
		t.Fatal("expired story shown")
	}
	if _, alerts := n.counts(); alerts != 0 {
		t.Fatal("cleanup failure raised an alert")
	}
}

func TestCreateStoryExpiresAfterLifetime(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")

	_, err := a.CreateStory(ctx, StoryInput{Media: Upload{Name: "s.jpg", Body: strings.NewReader("x")}, MediaType: "gif"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad media type: err = %v", err)
	}

	id, err := a.CreateStory(ctx, StoryInput{
		Media:     Upload{Name: "s.jpg", ContentType: "image/jpeg", Body: strings.NewReader("x")},
		MediaType: MediaImage,
	})
	if err != nil {
		t.Fatal(err)
	}
	var s Story
	if err := store.DecodeRows(fs.rows(store.TableStories, store.Eq("id", id)), &s); err != nil {
		t.Fatal(err)
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != StoryLifetime {
		t.Fatalf("lifetime = %v", got)
	}
	if stories := a.Stories(); len(stories) != 1 || stories[0].ID != id {
		t.Fatalf("stories = %+v", stories)
	}
}

func TestHighlightOutlivesSourceStories(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")
	now := time.Now().UTC()
	img := seedStory(fs, "alice", "https://cdn.test/stories/a.jpg", MediaImage, now.Add(-2*time.Hour))
	vid := seedStory(fs, "alice", "https://cdn.test/stories/b.mp4", MediaVideo, now.Add(-time.Hour))
	a.FetchStories(ctx)

	if _, err := a.CreateHighlight(ctx, "Trip", "", []string{img, vid}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{img, vid} {
		if err := a.DeleteStory(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if len(a.Stories()) != 0 {
		t.Fatal("deleted stories still cached")
	}

	a.FetchHighlights(ctx, "alice")
	list, owner := a.Highlights()
	if owner != "alice" || len(list) != 1 {
		t.Fatalf("owner=%s highlights=%+v", owner, list)
	}
	h := list[0]
	if h.CoverImage != "https://cdn.test/stories/a.jpg" || len(h.Stories) != 2 {
		t.Fatalf("highlight = %+v", h)
	}
	if h.Stories[0].Image != "https://cdn.test/stories/a.jpg" {
		t.Fatalf("image copy = %+v", h.Stories[0])
	}
	if h.Stories[1].Image != "" || h.Stories[1].MediaURL != "https://cdn.test/stories/b.mp4" || h.Stories[1].MediaType != MediaVideo {
		t.Fatalf("video copy = %+v", h.Stories[1])
	}
}

func TestCreateHighlightRejectsOtherUsersStory(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")
	id := seedStory(fs, "bob", "https://cdn.test/stories/b.jpg", MediaImage, time.Now().UTC().Add(-time.Hour))
	a.FetchStories(ctx)

	if _, err := a.CreateHighlight(ctx, "Not mine", "", []string{id}); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("err = %v", err)
	}
	if rows := fs.rows(store.TableHighlights); len(rows) != 0 {
		t.Fatalf("highlight inserted: %+v", rows)
	}
}
