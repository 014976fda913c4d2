package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

func (a *App) fetchProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := a.store.Select(ctx, store.TableProfiles, store.Query{
		Filters: []store.Filter{store.Eq("id", id)},
		Limit:   1,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type followCounts struct {
	posts     int
	followers []string
	following []string
}

func (a *App) countsFor(ctx context.Context, userID string) (followCounts, error) {
	var c followCounts

	var posts []idRef
	if err := a.store.Select(ctx, store.TablePosts, store.Query{
		Columns: []string{"id"},
		Filters: []store.Filter{store.Eq("user_id", userID)},
	}, &posts); err != nil {
		return c, err
	}
	c.posts = len(posts)

	var followers []struct {
		FollowerID string `json:"follower_id"`
	}
	if err := a.store.Select(ctx, store.TableFollows, store.Query{
		Columns: []string{"follower_id"},
		Filters: []store.Filter{store.Eq("following_id", userID)},
	}, &followers); err != nil {
		return c, err
	}
	for _, f := range followers {
		c.followers = append(c.followers, f.FollowerID)
	}

	var following []struct {
		FollowingID string `json:"following_id"`
	}
	if err := a.store.Select(ctx, store.TableFollows, store.Query{
		Columns: []string{"following_id"},
		Filters: []store.Filter{store.Eq("follower_id", userID)},
	}, &following); err != nil {
		return c, err
	}
	for _, f := range following {
		c.following = append(c.following, f.FollowingID)
	}
	return c, nil
}

// OpenProfile loads userID's profile and counters as the profile on screen
func (a *App) OpenProfile(ctx context.Context, userID string) {
	const key = "profile_view"
	a.mu.Lock()
	gen := a.beginFetch(key)
	viewer := a.viewerID()
	a.mu.Unlock()

	p, err := a.fetchProfile(ctx, userID)
	var counts followCounts
	if err == nil {
		counts, err = a.countsFor(ctx, userID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) {
		return
	}
	if err != nil {
		a.openView = nil
		a.fetchFailed(key, err)
		return
	}
	view := &ProfileView{
		Profile:   *p,
		Posts:     counts.posts,
		Followers: len(counts.followers),
		Following: len(counts.following),
	}
	for _, f := range counts.followers {
		if f == viewer && viewer != "" {
			view.IsFollowing = true
		}
	}
	a.openView = view
}

// OpenedProfile is the profile on screen, nil when none is loaded
func (a *App) OpenedProfile() *ProfileView {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openView == nil {
		return nil
	}
	v := *a.openView
	return &v
}

// FetchViewerStats loads the viewer's counters and the set of profiles they follow
func (a *App) FetchViewerStats(ctx context.Context) {
	const key = "viewer_stats"
	a.mu.Lock()
	gen := a.beginFetch(key)
	viewer := a.viewerID()
	a.mu.Unlock()
	if viewer == "" {
		return
	}

	counts, err := a.countsFor(ctx, viewer)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) || a.viewerID() != viewer {
		return
	}
	if err != nil {
		a.stats = ViewerStats{}
		a.following = make(map[string]bool)
		a.fetchFailed(key, err)
		return
	}
	a.stats = ViewerStats{Posts: counts.posts, Followers: len(counts.followers), Following: len(counts.following)}
	a.following = make(map[string]bool, len(counts.following))
	for _, id := range counts.following {
		a.following[id] = true
	}
}

func (a *App) ViewerStats() ViewerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ViewerProfile is the signed in user's profile, nil when signed out or not created yet
func (a *App) ViewerProfile() *Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneProfile(a.profile)
}

func (a *App) loadViewerProfile(ctx context.Context, viewer string) {
	p, err := a.fetchProfile(ctx, viewer)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.fetchFailed("viewer_profile", err)
		}
		p = nil
	}
	a.mu.Lock()
	if a.viewerID() == viewer {
		a.profile = p
	}
	a.mu.Unlock()
}

// UpdateProfile writes the viewer's editable profile fields
func (a *App) UpdateProfile(ctx context.Context, in ProfileInput) error {
	viewer, err := a.requireViewer()
	if err != nil {
		return err
	}
	in.Username = strings.TrimSpace(in.Username)
	if err := utils.ValidateStruct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	values, err := store.ToRows(in)
	if err != nil {
		return err
	}
	return a.writeProfile(ctx, viewer, values[0], "update_profile", "Could not save profile")
}

// UploadAvatar stores a new avatar and points the viewer's profile at it
func (a *App) UploadAvatar(ctx context.Context, u Upload) error {
	viewer, err := a.requireViewer()
	if err != nil {
		return err
	}
	if u.Body == nil {
		return fmt.Errorf("%w: avatar is required", ErrInvalidInput)
	}
	url, err := a.upload(ctx, store.BucketAvatars, viewer, u)
	if err != nil {
		a.mutationFailed("upload_avatar", "Could not upload avatar", err)
		return err
	}
	return a.writeProfile(ctx, viewer, store.Row{"avatar_url": url}, "upload_avatar", "Could not save avatar")
}

func (a *App) writeProfile(ctx context.Context, viewer string, values store.Row, op, alert string) error {
	var updated Profile
	err := a.store.Update(ctx, store.TableProfiles, values, []store.Filter{store.Eq("id", viewer)}, &updated)
	if err != nil {
		a.mutationFailed(op, alert, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	a.mutationOK(op)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.viewerID() == viewer {
		a.profile = &updated
	}
	if v := a.openView; v != nil && v.Profile.ID == viewer {
		v.Profile = updated
	}
	return nil
}

// SearchProfiles matches username or full name, usernames first
func (a *App) SearchProfiles(ctx context.Context, query string) ([]Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Profile{}, nil
	}
	pattern := "%" + query + "%"

	var out []Profile
	seen := map[string]bool{}
	for _, column := range []string{"username", "full_name"} {
		var found []Profile
		err := a.store.Select(ctx, store.TableProfiles, store.Query{
			Columns: profileColumns,
			Filters: []store.Filter{store.ILike(column, pattern)},
			Order:   []store.Order{{Column: "username"}},
			Limit:   20,
		}, &found)
		if err != nil {
			a.fetchFailed("profile_search", err)
			return nil, fmt.Errorf("search profiles: %w", err)
		}
		for _, p := range found {
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}
