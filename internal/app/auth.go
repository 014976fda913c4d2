package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

type signUpInput struct {
	credentials
	Username string `validate:"required,min=3,max=30,alphanum"`
	FullName string `validate:"max=100"`
}

// Start subscribes to auth state changes and reads the current session. It returns when the
// session is known or AuthLoadingTimeout has passed, whichever comes first; a late session
// is still applied when it arrives.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	a.authLoading = true
	a.mu.Unlock()

	unsub := a.store.OnAuthStateChange(func(event store.AuthEvent, session *store.Session) {
		// the initial session is read below, under the loading timeout
		if event == store.EventInitialSession {
			return
		}
		a.handleAuthEvent(context.Background(), event, session)
	})
	a.mu.Lock()
	a.unsubAuth = unsub
	a.mu.Unlock()

	done := make(chan struct{})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(done)
		session, err := a.store.Session(ctx)
		if err != nil {
			a.log.Warn("failed to read session", "error", err)
			return
		}
		a.applySession(ctx, session)
	}()

	timer := time.NewTimer(a.opts.AuthLoadingTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.log.Warn("session check is slow, continuing without it", "timeout", a.opts.AuthLoadingTimeout)
	}

	a.mu.Lock()
	a.authLoading = false
	a.mu.Unlock()
}

// AuthLoading is true while Start waits for the session
func (a *App) AuthLoading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authLoading
}

// RecoveryMode is true after a password recovery link was verified and until the password
// is changed
func (a *App) RecoveryMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recoveryMode
}

// Viewer is the signed in user, nil when signed out
func (a *App) Viewer() *store.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.viewer == nil {
		return nil
	}
	u := *a.viewer
	return &u
}

func (a *App) handleAuthEvent(ctx context.Context, event store.AuthEvent, session *store.Session) {
	a.log.Debug("auth state changed", "event", event)
	switch event {
	case store.EventSignedIn, store.EventInitialSession:
		a.applySession(ctx, session)
	case store.EventSignedOut:
		a.clear()
	case store.EventPasswordRecovery:
		a.mu.Lock()
		a.recoveryMode = true
		a.mu.Unlock()
		a.applySession(ctx, session)
	case store.EventUserUpdated:
		a.mu.Lock()
		a.recoveryMode = false
		a.mu.Unlock()
	}
}

// applySession makes session's user the viewer and loads their profile and counters. A
// session for the current viewer is ignored.
func (a *App) applySession(ctx context.Context, session *store.Session) {
	if session == nil {
		return
	}
	a.mu.Lock()
	if a.viewer != nil && a.viewer.ID == session.User.ID {
		a.mu.Unlock()
		return
	}
	switched := a.viewer != nil
	u := session.User
	a.viewer = &u
	a.profile = nil
	a.mu.Unlock()

	if switched {
		a.resetCaches()
	}
	a.loadViewerProfile(ctx, u.ID)
	a.FetchViewerStats(ctx)
}

// clear forgets the viewer and empties every cache
func (a *App) clear() {
	a.mu.Lock()
	a.viewer = nil
	a.profile = nil
	a.recoveryMode = false
	a.mu.Unlock()
	a.resetCaches()
}

func (a *App) resetCaches() {
	a.mu.Lock()
	sub := a.msgSub
	a.msgSub = nil
	a.stats = ViewerStats{}
	a.following = make(map[string]bool)
	a.posts = nil
	a.reels = nil
	a.saved = nil
	a.comments = make(map[string][]Comment)
	a.stories = nil
	a.highlights = nil
	a.highOwner = ""
	a.openView = nil
	a.conversations = nil
	a.messages = nil
	a.active = ""
	a.interlocutor = nil
	a.resolving = ""
	a.draft = ""
	// in-flight fetches from the previous session must not land
	for k := range a.gens {
		a.gens[k]++
	}
	a.mu.Unlock()

	a.dropSubscription(sub)
}

func (a *App) SignIn(ctx context.Context, email, password string) error {
	in := credentials{Email: strings.TrimSpace(email), Password: password}
	if err := utils.ValidateStruct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	session, err := a.store.SignIn(ctx, in.Email, in.Password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	a.applySession(ctx, session)
	return nil
}

// SignUp creates the account and its profile row
func (a *App) SignUp(ctx context.Context, email, password, username, fullName string) error {
	in := signUpInput{
		credentials: credentials{Email: strings.TrimSpace(email), Password: password},
		Username:    strings.TrimSpace(username),
		FullName:    strings.TrimSpace(fullName),
	}
	if err := utils.ValidateStruct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	session, err := a.store.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return fmt.Errorf("sign up: %w", err)
	}

	var created Profile
	err = a.store.Insert(ctx, store.TableProfiles, store.Row{
		"id":        session.User.ID,
		"username":  in.Username,
		"full_name": in.FullName,
	}, &created)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	a.applySession(ctx, session)
	a.mu.Lock()
	if a.viewerID() == session.User.ID {
		a.profile = &created
	}
	a.mu.Unlock()
	return nil
}

func (a *App) SignOut(ctx context.Context) error {
	err := a.store.SignOut(ctx)
	a.clear()
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (a *App) UpdatePassword(ctx context.Context, password string) error {
	if _, err := a.requireViewer(); err != nil {
		return err
	}
	if len(password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}
	if err := a.store.UpdatePassword(ctx, password); err != nil {
		a.mutationFailed("update_password", "Could not update password", err)
		return fmt.Errorf("update password: %w", err)
	}
	a.mutationOK("update_password")

	a.mu.Lock()
	a.recoveryMode = false
	a.mu.Unlock()
	return nil
}

func (a *App) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if err := a.store.ResetPasswordForEmail(ctx, email); err != nil {
		return fmt.Errorf("request password reset: %w", err)
	}
	return nil
}

// VerifyRecovery exchanges an emailed recovery token for a session in recovery mode
func (a *App) VerifyRecovery(ctx context.Context, token string) error {
	session, err := a.store.VerifyRecovery(ctx, strings.TrimSpace(token))
	if err != nil {
		return fmt.Errorf("verify recovery: %w", err)
	}
	a.mu.Lock()
	a.recoveryMode = true
	a.mu.Unlock()
	a.applySession(ctx, session)
	return nil
}
