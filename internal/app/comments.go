package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

func commentsQuery(ref ItemRef) store.Query {
	return store.Query{
		Columns: []string{"id", "post_id", "reel_id", "user_id", "text", "created_at"},
		Embeds:  []store.Embed{{Table: store.TableProfiles, Alias: "author", Columns: profileColumns}},
		Filters: []store.Filter{store.Eq(ref.column(), ref.ID)},
		Order:   []store.Order{{Column: "created_at"}},
	}
}

// FetchComments replaces the comment list of ref with the server's and aligns the cached
// comment counts with it
func (a *App) FetchComments(ctx context.Context, ref ItemRef) {
	key := "comments:" + ref.key()
	a.mu.Lock()
	gen := a.beginFetch(key)
	a.mu.Unlock()

	var list []Comment
	err := a.store.Select(ctx, store.TableComments, commentsQuery(ref), &list)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.latest(key, gen) {
		return
	}
	if err != nil {
		a.comments[ref.key()] = []Comment{}
		a.fetchFailed("comments", err)
		return
	}
	a.comments[ref.key()] = list
	a.eachCopy(ref, func(f *FeedItem) { f.Comments = len(list) })
}

func (a *App) Comments(ref ItemRef) []Comment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Comment(nil), a.comments[ref.key()]...)
}

// AddComment shows a provisional comment at once, inserts it and re-fetches the list after
// CommentRefreshDelay. A failed insert removes the provisional entry.
func (a *App) AddComment(ctx context.Context, ref ItemRef, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	a.mu.Lock()
	viewer := a.viewerID()
	if viewer == "" {
		a.mu.Unlock()
		a.notifier.PromptSignIn()
		return ErrAuthRequired
	}
	temp := Comment{
		ID:        newTempID(),
		UserID:    viewer,
		Text:      text,
		CreatedAt: a.now(),
		Author:    cloneProfile(a.profile),
	}
	if ref.Kind == KindReel {
		temp.ReelID = ref.ID
	} else {
		temp.PostID = ref.ID
	}
	a.comments[ref.key()] = append(a.comments[ref.key()], temp)
	a.eachCopy(ref, func(f *FeedItem) { f.Comments++ })
	a.mu.Unlock()

	err := a.store.Insert(ctx, store.TableComments, store.Row{
		ref.column(): ref.ID,
		"user_id":    viewer,
		"text":       text,
	}, nil)
	if err != nil {
		a.mu.Lock()
		a.comments[ref.key()] = removeComment(a.comments[ref.key()], temp.ID)
		a.eachCopy(ref, func(f *FeedItem) {
			if f.Comments > 0 {
				f.Comments--
			}
		})
		a.mu.Unlock()
		a.mutationFailed("comment", "Could not post comment, please try again", err)
		return fmt.Errorf("add comment: %w", err)
	}
	a.mutationOK("comment")

	delay := a.opts.CommentRefreshDelay
	a.background("comment_refresh", func() {
		time.Sleep(delay)
		a.FetchComments(context.Background(), ref)
	})
	return nil
}

func removeComment(list []Comment, id string) []Comment {
	out := list[:0:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
