package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

var profileColumns = []string{"id", "username", "full_name", "avatar_url"}

type userRef struct {
	UserID string `json:"user_id"`
}

type idRef struct {
	ID string `json:"id"`
}

// feedRow is a post or reel row with its embedded join rows
type feedRow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Images      []string  `json:"images"`
	VideoURL    string    `json:"video_url"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	Author      *Profile  `json:"author"`
	Likes       []userRef `json:"likes"`
	Comments    []idRef   `json:"comments"`
	Saves       []userRef `json:"saves"`
}

func feedQuery(kind Kind) store.Query {
	columns := []string{"id", "user_id", "title", "description", "tags", "created_at"}
	if kind == KindReel {
		columns = append(columns, "video_url")
	} else {
		columns = append(columns, "images")
	}
	return store.Query{
		Columns: columns,
		Embeds: []store.Embed{
			{Table: store.TableProfiles, Alias: "author", Columns: profileColumns},
			{Table: store.TableLikes, Columns: []string{"user_id"}},
			{Table: store.TableComments, Columns: []string{"id"}},
			{Table: store.TableSavedPosts, Alias: "saves", Columns: []string{"user_id"}},
		},
		Order: []store.Order{{Column: "created_at", Desc: true}},
	}
}

func kindTable(kind Kind) string {
	if kind == KindReel {
		return store.TableReels
	}
	return store.TablePosts
}

// toFeedItems computes counts and viewer flags from the join rows
func toFeedItems(rows []feedRow, kind Kind, viewer string) []FeedItem {
	items := make([]FeedItem, 0, len(rows))
	for _, r := range rows {
		item := FeedItem{
			Kind:        kind,
			ID:          r.ID,
			UserID:      r.UserID,
			Author:      r.Author,
			Title:       r.Title,
			Description: r.Description,
			Images:      r.Images,
			VideoURL:    r.VideoURL,
			Tags:        r.Tags,
			CreatedAt:   r.CreatedAt,
			Likes:       len(r.Likes),
			Comments:    len(r.Comments),
			Saves:       len(r.Saves),
		}
		if viewer != "" {
			for _, l := range r.Likes {
				if l.UserID == viewer {
					item.LikedByUser = true
					break
				}
			}
			for _, s := range r.Saves {
				if s.UserID == viewer {
					item.SavedByUser = true
					break
				}
			}
		}
		items = append(items, item)
	}
	return items
}

func (a *App) FetchPosts(ctx context.Context) {
	a.fetchFeed(ctx, KindPost)
}

func (a *App) FetchReels(ctx context.Context) {
	a.fetchFeed(ctx, KindReel)
}

func (a *App) fetchFeed(ctx context.Context, kind Kind) {
	key := kindTable(kind)
	a.mu.Lock()
	gen := a.beginFetch(key)
	viewer := a.viewerID()
	a.mu.Unlock()

	var rows []feedRow
	err := a.store.Select(ctx, key, feedQuery(kind), &rows)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) {
		return
	}
	if err != nil {
		a.setFeed(kind, []FeedItem{})
		a.fetchFailed(key, err)
		return
	}
	a.setFeed(kind, toFeedItems(rows, kind, viewer))
}

func (a *App) setFeed(kind Kind, items []FeedItem) {
	if kind == KindReel {
		a.reels = items
	} else {
		a.posts = items
	}
}

// FetchSavedItems loads the viewer's saved posts and reels, most recently saved first
func (a *App) FetchSavedItems(ctx context.Context) {
	const key = "saved"
	a.mu.Lock()
	gen := a.beginFetch(key)
	viewer := a.viewerID()
	a.mu.Unlock()

	items, err := a.loadSaved(ctx, viewer)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) {
		return
	}
	if err != nil {
		a.saved = []FeedItem{}
		a.fetchFailed(key, err)
		return
	}
	a.saved = items
}

func (a *App) loadSaved(ctx context.Context, viewer string) ([]FeedItem, error) {
	if viewer == "" {
		return []FeedItem{}, nil
	}

	var marks []struct {
		PostID *string `json:"post_id"`
		ReelID *string `json:"reel_id"`
	}
	err := a.store.Select(ctx, store.TableSavedPosts, store.Query{
		Columns: []string{"post_id", "reel_id"},
		Filters: []store.Filter{store.Eq("user_id", viewer)},
		Order:   []store.Order{{Column: "created_at", Desc: true}},
	}, &marks)
	if err != nil {
		return nil, err
	}

	var order []ItemRef
	var postIDs, reelIDs []string
	for _, m := range marks {
		switch {
		case m.PostID != nil:
			order = append(order, ItemRef{Kind: KindPost, ID: *m.PostID})
			postIDs = append(postIDs, *m.PostID)
		case m.ReelID != nil:
			order = append(order, ItemRef{Kind: KindReel, ID: *m.ReelID})
			reelIDs = append(reelIDs, *m.ReelID)
		}
	}

	byRef := make(map[string]FeedItem, len(order))
	for _, batch := range []struct {
		kind Kind
		ids  []string
	}{{KindPost, postIDs}, {KindReel, reelIDs}} {
		if len(batch.ids) == 0 {
			continue
		}
		q := feedQuery(batch.kind)
		q.Filters = []store.Filter{store.In("id", batch.ids)}
		var rows []feedRow
		if err := a.store.Select(ctx, kindTable(batch.kind), q, &rows); err != nil {
			return nil, err
		}
		for _, item := range toFeedItems(rows, batch.kind, viewer) {
			byRef[item.Ref().key()] = item
		}
	}

	items := make([]FeedItem, 0, len(order))
	for _, ref := range order {
		if item, ok := byRef[ref.key()]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (a *App) Posts() []FeedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FeedItem(nil), a.posts...)
}

func (a *App) Reels() []FeedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FeedItem(nil), a.reels...)
}

func (a *App) SavedItems() []FeedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FeedItem(nil), a.saved...)
}

// Item returns the cached copy of ref from the posts, reels or saved cache
func (a *App) Item(ref ItemRef) (FeedItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var found FeedItem
	ok := a.eachCopy(ref, func(f *FeedItem) { found = *f }) > 0
	return found, ok
}

// eachCopy applies fn to every cached copy of ref and returns how many there were.
// Callers hold a.mu.
func (a *App) eachCopy(ref ItemRef, fn func(*FeedItem)) int {
	n := 0
	lists := [][]FeedItem{a.saved}
	if ref.Kind == KindReel {
		lists = append(lists, a.reels)
	} else {
		lists = append(lists, a.posts)
	}
	for _, list := range lists {
		for i := range list {
			if list[i].ID == ref.ID && list[i].Kind == ref.Kind {
				fn(&list[i])
				n++
			}
		}
	}
	return n
}

// ToggleLike flips the viewer's like on ref before the remote write. A failed write is
// reported with an alert and the optimistic state is kept.
func (a *App) ToggleLike(ctx context.Context, ref ItemRef) error {
	a.mu.Lock()
	viewer := a.viewerID()
	if viewer == "" {
		a.mu.Unlock()
		a.notifier.PromptSignIn()
		return ErrAuthRequired
	}
	var liked bool
	var seen bool
	n := a.eachCopy(ref, func(f *FeedItem) {
		if !seen {
			liked = !f.LikedByUser
			seen = true
		}
		f.LikedByUser = liked
		if liked {
			f.Likes++
		} else if f.Likes > 0 {
			f.Likes--
		}
	})
	a.mu.Unlock()
	if n == 0 {
		return ErrItemNotFound
	}

	var err error
	if liked {
		err = a.store.Insert(ctx, store.TableLikes, store.Row{"user_id": viewer, ref.column(): ref.ID}, nil)
		if errors.Is(err, store.ErrConflict) {
			err = nil
		}
	} else {
		err = a.store.Delete(ctx, store.TableLikes, []store.Filter{store.Eq("user_id", viewer), store.Eq(ref.column(), ref.ID)})
	}
	if err != nil {
		a.mutationFailed("like", "Could not update like, please try again", err)
		return fmt.Errorf("toggle like: %w", err)
	}
	a.mutationOK("like")
	return nil
}

// ToggleSave flips the viewer's save on ref. On success the saved list is refreshed when it
// is currently populated.
func (a *App) ToggleSave(ctx context.Context, ref ItemRef) error {
	a.mu.Lock()
	viewer := a.viewerID()
	if viewer == "" {
		a.mu.Unlock()
		a.notifier.PromptSignIn()
		return ErrAuthRequired
	}
	var saved, seen bool
	n := a.eachCopy(ref, func(f *FeedItem) {
		if !seen {
			saved = !f.SavedByUser
			seen = true
		}
		f.SavedByUser = saved
		if saved {
			f.Saves++
		} else if f.Saves > 0 {
			f.Saves--
		}
	})
	a.mu.Unlock()
	if n == 0 {
		return ErrItemNotFound
	}

	var err error
	if saved {
		err = a.store.Insert(ctx, store.TableSavedPosts, store.Row{"user_id": viewer, ref.column(): ref.ID}, nil)
		if errors.Is(err, store.ErrConflict) {
			err = nil
		}
	} else {
		err = a.store.Delete(ctx, store.TableSavedPosts, []store.Filter{store.Eq("user_id", viewer), store.Eq(ref.column(), ref.ID)})
	}
	if err != nil {
		a.mutationFailed("save", "Could not update saved items, please try again", err)
		return fmt.Errorf("toggle save: %w", err)
	}
	a.mutationOK("save")

	a.mu.Lock()
	populated := len(a.saved) > 0
	a.mu.Unlock()
	if populated {
		a.FetchSavedItems(ctx)
	}
	return nil
}

// CreatePost uploads the images, inserts the post and refreshes the posts cache
func (a *App) CreatePost(ctx context.Context, in PostInput) (string, error) {
	viewer, err := a.requireViewer()
	if err != nil {
		return "", err
	}
	if err := utils.ValidateStruct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	urls := make([]string, 0, len(in.Images))
	for _, img := range in.Images {
		url, err := a.upload(ctx, store.BucketPosts, viewer, img)
		if err != nil {
			a.mutationFailed("create_post", "Could not upload image", err)
			return "", err
		}
		urls = append(urls, url)
	}

	var created []idRef
	err = a.store.Insert(ctx, store.TablePosts, store.Row{
		"user_id":     viewer,
		"title":       in.Title,
		"description": in.Description,
		"images":      urls,
		"tags":        nonNil(in.Tags),
	}, &created)
	if err != nil {
		a.mutationFailed("create_post", "Could not publish post", err)
		return "", fmt.Errorf("create post: %w", err)
	}
	a.mutationOK("create_post")

	a.FetchPosts(ctx)
	return firstID(created), nil
}

// CreateReel uploads the video, inserts the reel and refreshes the reels cache
func (a *App) CreateReel(ctx context.Context, in ReelInput) (string, error) {
	viewer, err := a.requireViewer()
	if err != nil {
		return "", err
	}
	if err := utils.ValidateStruct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Video.Body == nil {
		return "", fmt.Errorf("%w: a video is required", ErrInvalidInput)
	}

	url, err := a.upload(ctx, store.BucketReels, viewer, in.Video)
	if err != nil {
		a.mutationFailed("create_reel", "Could not upload video", err)
		return "", err
	}

	var created []idRef
	err = a.store.Insert(ctx, store.TableReels, store.Row{
		"user_id":     viewer,
		"title":       in.Title,
		"description": in.Description,
		"video_url":   url,
		"tags":        nonNil(in.Tags),
	}, &created)
	if err != nil {
		a.mutationFailed("create_reel", "Could not publish reel", err)
		return "", fmt.Errorf("create reel: %w", err)
	}
	a.mutationOK("create_reel")

	a.FetchReels(ctx)
	return firstID(created), nil
}

func (a *App) upload(ctx context.Context, bucket, owner string, u Upload) (string, error) {
	contentType := u.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := a.store.Upload(ctx, bucket, store.ObjectPath(owner, u.Name), u.Body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", bucket, err)
	}
	return url, nil
}

// Trending is the top ten posts and reels by interaction score
func (a *App) Trending() []FeedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return RankTrending(a.posts, a.reels, TrendingLimit)
}

// Search filters the cached posts and reels
func (a *App) Search(query string) []FeedItem {
	a.mu.Lock()
	items := MergeFeed(a.posts, a.reels)
	a.mu.Unlock()
	return SearchItems(items, query)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func firstID(rows []idRef) string {
	if len(rows) == 0 {
		return ""
	}
	return rows[0].ID
}
