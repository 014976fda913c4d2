package app

import (
	"context"
	"testing"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

func TestFollowTwiceKeepsOneEdge(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")

	for i := 0; i < 2; i++ {
		if err := a.Follow(ctx, "bob"); err != nil {
			t.Fatalf("follow %d: %v", i, err)
		}
	}
	if rows := fs.rows(store.TableFollows); len(rows) != 1 {
		t.Fatalf("edges = %d", len(rows))
	}
	if s := a.ViewerStats(); s.Following != 1 {
		t.Fatalf("following = %d", s.Following)
	}
	if !a.IsFollowing("bob") {
		t.Fatal("not following bob")
	}

	for i := 0; i < 2; i++ {
		if err := a.Unfollow(ctx, "bob"); err != nil {
			t.Fatalf("unfollow %d: %v", i, err)
		}
	}
	if rows := fs.rows(store.TableFollows); len(rows) != 0 {
		t.Fatalf("edges = %d", len(rows))
	}
	if s := a.ViewerStats(); s.Following != 0 {
		t.Fatalf("following = %d", s.Following)
	}
}

func TestUnfollowWhenNotFollowingIsNoop(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	fs.seed(store.TableFollows, store.Row{"follower_id": "alice", "following_id": "bob"})
	signIn(t, a, "alice@test.dev")

	if err := a.Unfollow(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	if s := a.ViewerStats(); s.Following != 1 {
		t.Fatalf("following = %d", s.Following)
	}
}

func TestFollowSelfIsNoop(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	signIn(t, a, "alice@test.dev")

	if err := a.Follow(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if c := fs.callCount("insert", store.TableFollows); c != 0 {
		t.Fatalf("inserts = %d", c)
	}
}

func TestFollowUpdatesOpenProfile(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	fs.seed(store.TableFollows, store.Row{"follower_id": "carol", "following_id": "bob"})
	seedPost(fs, "bob", "Poster")
	signIn(t, a, "alice@test.dev")

	a.OpenProfile(ctx, "bob")
	v := a.OpenedProfile()
	if v == nil || v.Profile.Username != "bob" || v.Followers != 1 || v.Posts != 1 || v.IsFollowing {
		t.Fatalf("view = %+v", v)
	}

	if err := a.ToggleFollow(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if v := a.OpenedProfile(); v.Followers != 2 || !v.IsFollowing {
		t.Fatalf("after follow = %+v", v)
	}
	if err := a.ToggleFollow(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if v := a.OpenedProfile(); v.Followers != 1 || v.IsFollowing {
		t.Fatalf("after unfollow = %+v", v)
	}
}

func TestFollowCountsBeforeServerConfirms(t *testing.T) {
	a, fs, _ := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")

	g := fs.hold("insert", store.TableFollows)
	done := make(chan error, 1)
	go func() { done <- a.Follow(ctx, "bob") }()

	<-g.entered
	if s := a.ViewerStats(); s.Following != 1 || !a.IsFollowing("bob") {
		t.Errorf("while pending: following = %d, is following = %v", s.Following, a.IsFollowing("bob"))
	}
	close(g.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestFollowFailureKeepsOptimisticState(t *testing.T) {
	a, fs, n := newStartedApp(t)
	ctx := context.Background()
	signIn(t, a, "alice@test.dev")

	fs.fail("insert", store.TableFollows, store.ErrUnavailable)
	if err := a.Follow(ctx, "bob"); err == nil {
		t.Fatal("expected follow to fail")
	}
	if s := a.ViewerStats(); s.Following != 1 || !a.IsFollowing("bob") {
		t.Fatalf("following = %d, is following = %v", s.Following, a.IsFollowing("bob"))
	}
	if _, alerts := n.counts(); alerts != 1 {
		t.Fatalf("alerts = %d", alerts)
	}

	fs.fail("delete", store.TableFollows, store.ErrUnavailable)
	if err := a.Unfollow(ctx, "bob"); err == nil {
		t.Fatal("expected unfollow to fail")
	}
	if s := a.ViewerStats(); s.Following != 0 || a.IsFollowing("bob") {
		t.Fatalf("after unfollow: following = %d", s.Following)
	}
	if _, alerts := n.counts(); alerts != 2 {
		t.Fatalf("alerts = %d", alerts)
	}
}
