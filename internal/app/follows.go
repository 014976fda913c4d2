package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// IsFollowing reports whether the viewer follows target, as last loaded
func (a *App) IsFollowing(target string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.following[target]
}

// Follow marks target as followed and bumps the counters, then inserts the edge. Following
// oneself is a no-op and an edge that already exists counts as success. A failed write is
// reported with an alert and the optimistic state is kept.
func (a *App) Follow(ctx context.Context, target string) error {
	viewer, err := a.requireViewer()
	if err != nil {
		return err
	}
	if target == viewer {
		return nil
	}

	a.mu.Lock()
	a.setFollowing(target, true)
	a.mu.Unlock()

	err = a.store.Insert(ctx, store.TableFollows, store.Row{"follower_id": viewer, "following_id": target}, nil)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		a.mutationFailed("follow", "Could not follow, please try again", err)
		return fmt.Errorf("follow: %w", err)
	}
	a.mutationOK("follow")
	return nil
}

// Unfollow is the reverse of Follow. Unfollowing someone not followed leaves the counters alone.
func (a *App) Unfollow(ctx context.Context, target string) error {
	viewer, err := a.requireViewer()
	if err != nil {
		return err
	}
	if target == viewer {
		return nil
	}

	a.mu.Lock()
	a.setFollowing(target, false)
	a.mu.Unlock()

	err = a.store.Delete(ctx, store.TableFollows, []store.Filter{
		store.Eq("follower_id", viewer),
		store.Eq("following_id", target),
	})
	if err != nil {
		a.mutationFailed("unfollow", "Could not unfollow, please try again", err)
		return fmt.Errorf("unfollow: %w", err)
	}
	a.mutationOK("unfollow")
	return nil
}

// setFollowing moves the counters only when the follow state changes. Callers hold a.mu.
func (a *App) setFollowing(target string, follow bool) {
	if a.following[target] == follow {
		return
	}
	v := a.openView
	if v != nil && v.Profile.ID != target {
		v = nil
	}
	if follow {
		a.following[target] = true
		a.stats.Following++
		if v != nil {
			v.IsFollowing = true
			v.Followers++
		}
		return
	}
	delete(a.following, target)
	if a.stats.Following > 0 {
		a.stats.Following--
	}
	if v != nil {
		v.IsFollowing = false
		if v.Followers > 0 {
			v.Followers--
		}
	}
}

func (a *App) ToggleFollow(ctx context.Context, target string) error {
	if a.IsFollowing(target) {
		return a.Unfollow(ctx, target)
	}
	return a.Follow(ctx, target)
}
