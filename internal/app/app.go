// Package app keeps the client's local view of the social graph consistent with the remote
// store: entity caches, optimistic mutations, realtime message reconciliation, interlocutor
// resolution and derived views.
//
// One *App is built at the root of the program and handed to every consumer. All cache
// state sits behind a single mutex that is never held across a remote call.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

var (
	ErrAuthRequired     = errors.New("sign in required")
	ErrItemNotFound     = errors.New("item not found")
	ErrEmptyText        = errors.New("text is empty")
	ErrNoConversation   = errors.New("no conversation selected")
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrStoryNotFound    = errors.New("story not found")
	ErrInvalidInput     = errors.New("invalid input")
)

const tempPrefix = "temp-"

func newTempID() string { return tempPrefix + uuid.NewString() }

func isTemp(id string) bool { return strings.HasPrefix(id, tempPrefix) }

type Options struct {
	// CommentRefreshDelay is how long after a comment insert the list is re-fetched
	CommentRefreshDelay time.Duration
	// AuthLoadingTimeout forces AuthLoading to false when the session read is slow
	AuthLoadingTimeout time.Duration
	// Workers bounds concurrent background tasks
	Workers int
	// Now overrides the clock in tests
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		CommentRefreshDelay: 500 * time.Millisecond,
		AuthLoadingTimeout:  3 * time.Second,
		Workers:             8,
		Now:                 time.Now,
	}
}

type App struct {
	store    store.Client
	notifier Notifier
	log      *slog.Logger
	opts     Options
	pool     *ants.Pool
	wg       sync.WaitGroup

	mu sync.Mutex

	// session
	viewer       *store.User
	profile      *Profile
	stats        ViewerStats
	following    map[string]bool
	authLoading  bool
	recoveryMode bool
	unsubAuth    func()

	// caches
	posts      []FeedItem
	reels      []FeedItem
	saved      []FeedItem
	comments   map[string][]Comment
	stories    []Story
	highlights []Highlight
	highOwner  string
	openView   *ProfileView

	// messaging
	conversations []Conversation
	messages      []Message
	active        string
	interlocutor  *Profile
	resolving     string
	draft         string
	msgSub        store.Subscription

	gens map[string]uint64
}

func New(client store.Client, notifier Notifier, log *slog.Logger, opts Options) (*App, error) {
	def := DefaultOptions()
	if opts.CommentRefreshDelay <= 0 {
		opts.CommentRefreshDelay = def.CommentRefreshDelay
	}
	if opts.AuthLoadingTimeout <= 0 {
		opts.AuthLoadingTimeout = def.AuthLoadingTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &App{
		store:     client,
		notifier:  notifier,
		log:       log,
		opts:      opts,
		pool:      pool,
		following: make(map[string]bool),
		comments:  make(map[string][]Comment),
		gens:      make(map[string]uint64),
	}, nil
}

func (a *App) now() time.Time { return a.opts.Now().UTC() }

// background runs fn on the worker pool without blocking the caller. Failures inside fn
// are the task's own business; they are never surfaced.
func (a *App) background(task string, fn func()) {
	a.wg.Add(1)
	err := a.pool.Submit(func() {
		defer a.wg.Done()
		fn()
		backgroundTasks.WithLabelValues(task).Inc()
	})
	if err != nil {
		a.wg.Done()
		a.log.Warn("failed to submit background task", "task", task, "error", err)
	}
}

// Wait blocks until every background task has finished
func (a *App) Wait() {
	a.wg.Wait()
}

// Close drops the realtime subscription and the auth listener, then drains background work
func (a *App) Close() {
	a.mu.Lock()
	sub := a.msgSub
	a.msgSub = nil
	unsubAuth := a.unsubAuth
	a.unsubAuth = nil
	a.mu.Unlock()

	a.dropSubscription(sub)
	if unsubAuth != nil {
		unsubAuth()
	}
	a.Wait()
	a.pool.Release()
}

// viewerID returns the signed in user id, or "" when signed out. Callers hold a.mu.
func (a *App) viewerID() string {
	if a.viewer == nil {
		return ""
	}
	return a.viewer.ID
}

// requireViewer prompts for sign in when nobody is signed in
func (a *App) requireViewer() (string, error) {
	a.mu.Lock()
	id := a.viewerID()
	a.mu.Unlock()
	if id == "" {
		a.notifier.PromptSignIn()
		return "", ErrAuthRequired
	}
	return id, nil
}

// beginFetch tags a fetch of key with a new generation. Callers hold a.mu.
func (a *App) beginFetch(key string) uint64 {
	a.gens[key]++
	return a.gens[key]
}

// latest reports whether gen is still the newest fetch of key. Callers hold a.mu.
func (a *App) latest(key string, gen uint64) bool {
	if a.gens[key] != gen {
		staleResponses.WithLabelValues(strings.SplitN(key, ":", 2)[0]).Inc()
		return false
	}
	return true
}

// fetchFailed records a read failure. Reads never return errors to the caller.
func (a *App) fetchFailed(entity string, err error) {
	fetchFailures.WithLabelValues(entity).Inc()
	a.log.Warn("fetch failed", "entity", entity, "error", err)
}

// mutationFailed records a write failure and alerts the user
func (a *App) mutationFailed(op, message string, err error) {
	mutations.WithLabelValues(op, "error").Inc()
	a.log.Warn("mutation failed", "op", op, "error", err)
	a.notifier.Alert(message)
}

func (a *App) mutationOK(op string) {
	mutations.WithLabelValues(op, "ok").Inc()
}

func cloneProfile(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
