package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

func seedPost(fs *fakeStore, owner, title string, likers ...string) string {
	row := fs.seed(store.TablePosts, store.Row{
		"user_id":     owner,
		"title":       title,
		"description": "",
		"images":      []string{"https://cdn.test/posts/p.jpg"},
		"tags":        []string{"campus"},
	})[0]
	id := row["id"].(string)
	for _, u := range likers {
		fs.seed(store.TableLikes, store.Row{"user_id": u, "post_id": id})
	}
	return id
}

func seedReel(fs *fakeStore, owner, title string) string {
	row := fs.seed(store.TableReels, store.Row{
		"user_id":   owner,
		"title":     title,
		"video_url": "https://cdn.test/reels/r.mp4",
		"tags":      []string{},
	})[0]
	return row["id"].(string)
}

func mustItem(t *testing.T, a *App, ref ItemRef) FeedItem {
	t.Helper()
	item, ok := a.Item(ref)
	if !ok {
		t.Fatalf("%v not cached", ref)
	}
	return item
}

func TestToggleLikeTwiceRestoresCounts(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")
	id := seedPost(fs, "bob", "Lab day", "bob", "carol", "dave")
	a.FetchPosts(ctx)
	ref := ItemRef{Kind: KindPost, ID: id}

	if err := a.ToggleLike(ctx, ref); err != nil {
		t.Fatalf("like: %v", err)
	}
	if item := mustItem(t, a, ref); item.Likes != 4 || !item.LikedByUser {
		t.Fatalf("after like: likes=%d liked=%v", item.Likes, item.LikedByUser)
	}

	if err := a.ToggleLike(ctx, ref); err != nil {
		t.Fatalf("unlike: %v", err)
	}
	if item := mustItem(t, a, ref); item.Likes != 3 || item.LikedByUser {
		t.Fatalf("after unlike: likes=%d liked=%v", item.Likes, item.LikedByUser)
	}
	if n := len(fs.rows(store.TableLikes, store.Eq("post_id", id))); n != 3 {
		t.Fatalf("like rows = %d, want 3", n)
	}
}

func TestToggleLikeFailureKeepsOptimisticState(t *testing.T) {
	a, fs, n := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")
	id := seedPost(fs, "bob", "Lab day", "bob", "carol", "dave")
	a.FetchPosts(ctx)
	fs.fail("insert", store.TableLikes, store.ErrUnavailable)

	ref := ItemRef{Kind: KindPost, ID: id}
	err := a.ToggleLike(ctx, ref)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if item := mustItem(t, a, ref); item.Likes != 4 || !item.LikedByUser {
		t.Fatalf("likes=%d liked=%v, want the optimistic 4/true", item.Likes, item.LikedByUser)
	}
	if _, alerts := n.counts(); alerts != 1 {
		t.Fatalf("alerts = %d", alerts)
	}
}

func TestToggleLikeSignedOutPrompts(t *testing.T) {
	a, fs, n := newStartedApp(t)
	ctx := context.Background()
	id := seedPost(fs, "bob", "Lab day", "bob")
	a.FetchPosts(ctx)

	ref := ItemRef{Kind: KindPost, ID: id}
	if err := a.ToggleLike(ctx, ref); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v", err)
	}
	if prompts, _ := n.counts(); prompts != 1 {
		t.Fatalf("prompts = %d", prompts)
	}
	if item := mustItem(t, a, ref); item.Likes != 1 || item.LikedByUser {
		t.Fatalf("item changed while signed out: %+v", item)
	}
	if c := fs.callCount("insert", store.TableLikes); c != 0 {
		t.Fatalf("like inserts = %d", c)
	}
}

func TestFetchPostsComputesViewerFlags(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")
	liked := seedPost(fs, "bob", "Liked", "alice", "bob")
	other := seedPost(fs, "bob", "Other", "bob")
	fs.seed(store.TableComments, store.Row{"post_id": other, "user_id": "carol", "text": "hi"})
	fs.seed(store.TableSavedPosts, store.Row{"post_id": other, "user_id": "alice"})
	a.FetchPosts(ctx)

	posts := a.Posts()
	if len(posts) != 2 || posts[0].ID != other {
		t.Fatalf("posts not newest first: %+v", posts)
	}
	if p := mustItem(t, a, ItemRef{KindPost, liked}); !p.LikedByUser || p.Likes != 2 || p.SavedByUser {
		t.Fatalf("liked post: %+v", p)
	}
	p := mustItem(t, a, ItemRef{KindPost, other})
	if p.LikedByUser || !p.SavedByUser || p.Comments != 1 || p.Saves != 1 {
		t.Fatalf("other post: %+v", p)
	}
	if p.Author == nil || p.Author.Username != "bob" {
		t.Fatalf("author = %+v", p.Author)
	}
}

func TestToggleSaveRefreshesPopulatedSavedList(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")
	post := seedPost(fs, "bob", "Poster")
	reel := seedReel(fs, "carol", "Clip")
	a.FetchPosts(ctx)
	a.FetchReels(ctx)

	if err := a.ToggleSave(ctx, ItemRef{KindPost, post}); err != nil {
		t.Fatal(err)
	}
	if n := len(a.SavedItems()); n != 0 {
		t.Fatalf("empty saved list was refreshed: %d", n)
	}
	a.FetchSavedItems(ctx)
	if n := len(a.SavedItems()); n != 1 {
		t.Fatalf("saved = %d", n)
	}

	if err := a.ToggleSave(ctx, ItemRef{KindReel, reel}); err != nil {
		t.Fatal(err)
	}
	saved := a.SavedItems()
	if len(saved) != 2 || saved[0].ID != reel || saved[1].ID != post {
		t.Fatalf("saved order = %+v", saved)
	}
	if p := mustItem(t, a, ItemRef{KindPost, post}); !p.SavedByUser || p.Saves != 1 {
		t.Fatalf("post = %+v", p)
	}
}

func TestStaleFeedResponseIsDiscarded(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	seedPost(fs, "bob", "First")

	g := fs.hold("select", store.TablePosts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.FetchPosts(ctx)
	}()
	<-g.entered

	seedPost(fs, "bob", "Second")
	a.FetchPosts(ctx)
	close(g.release)
	<-done

	if n := len(a.Posts()); n != 2 {
		t.Fatalf("posts = %d, the older response won", n)
	}
}

func TestFeedFetchFailureEmptiesList(t *testing.T) {
	a, fs, n := newStartedApp(t)
	ctx := context.Background()
	seedPost(fs, "bob", "First")
	a.FetchPosts(ctx)

	fs.fail("select", store.TablePosts, store.ErrUnavailable)
	a.FetchPosts(ctx)
	if len(a.Posts()) != 0 {
		t.Fatal("posts kept after failed fetch")
	}
	if _, alerts := n.counts(); alerts != 0 {
		t.Fatal("read failure raised an alert")
	}
}

func TestCreatePostUploadsImages(t *testing.T) {
	a, _, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")

	_, err := a.CreatePost(ctx, PostInput{Images: []Upload{{Name: "a.png", Body: strings.NewReader("x")}}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing title: err = %v", err)
	}

	id, err := a.CreatePost(ctx, PostInput{
		Title:  "Poster",
		Images: []Upload{{Name: "a.png", ContentType: "image/png", Body: strings.NewReader("png")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := mustItem(t, a, ItemRef{KindPost, id})
	if len(p.Images) != 1 || !strings.HasPrefix(p.Images[0], "https://cdn.test/posts/alice/") || !strings.HasSuffix(p.Images[0], ".png") {
		t.Fatalf("images = %v", p.Images)
	}
	if p.UserID != "alice" || p.Tags == nil {
		t.Fatalf("post = %+v", p)
	}
}
