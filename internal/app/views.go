package app

import (
	"sort"
	"strings"
	"time"
)

// TrendingLimit is how many items the trending view keeps
const TrendingLimit = 10

// StoryLifetime is fixed when a story is created
const StoryLifetime = 24 * time.Hour

// ActiveStories drops stories whose expiry is not after now
func ActiveStories(stories []Story, now time.Time) []Story {
	active := make([]Story, 0, len(stories))
	for _, s := range stories {
		if s.ExpiresAt.After(now) {
			active = append(active, s)
		}
	}
	return active
}

// GroupStories groups stories by author. Each group is sorted oldest first; groups are
// ordered by their newest story, newest group first.
func GroupStories(stories []Story) []StoryGroup {
	index := make(map[string]int)
	var groups []StoryGroup
	for _, s := range stories {
		i, ok := index[s.UserID]
		if !ok {
			i = len(groups)
			index[s.UserID] = i
			groups = append(groups, StoryGroup{UserID: s.UserID})
		}
		g := &groups[i]
		if g.Author == nil && s.Author != nil {
			g.Author = cloneProfile(s.Author)
		}
		g.Stories = append(g.Stories, s)
	}

	for i := range groups {
		g := &groups[i]
		sort.SliceStable(g.Stories, func(x, y int) bool {
			return g.Stories[x].CreatedAt.Before(g.Stories[y].CreatedAt)
		})
		g.HasMultiple = len(g.Stories) > 1
	}
	sort.SliceStable(groups, func(x, y int) bool {
		return newest(groups[x]).After(newest(groups[y]))
	})
	return groups
}

func newest(g StoryGroup) time.Time {
	return g.Stories[len(g.Stories)-1].CreatedAt
}

// MergeFeed is posts in cache order followed by reels in cache order
func MergeFeed(posts, reels []FeedItem) []FeedItem {
	items := make([]FeedItem, 0, len(posts)+len(reels))
	items = append(items, posts...)
	return append(items, reels...)
}

// RankTrending orders the merged feed by score, highest first, keeping merge order on ties
func RankTrending(posts, reels []FeedItem, limit int) []FeedItem {
	items := MergeFeed(posts, reels)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score() > items[j].Score()
	})
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// SearchItems matches query case-insensitively against title, description, tags and the
// author's username. An empty query matches everything.
func SearchItems(items []FeedItem, query string) []FeedItem {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return append([]FeedItem(nil), items...)
	}

	var out []FeedItem
	for _, item := range items {
		if matches(item, q) {
			out = append(out, item)
		}
	}
	return out
}

func matches(item FeedItem, q string) bool {
	if strings.Contains(strings.ToLower(item.Title), q) ||
		strings.Contains(strings.ToLower(item.Description), q) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return item.Author != nil && strings.Contains(strings.ToLower(item.Author.Username), q)
}
