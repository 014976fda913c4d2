package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	reader, err := jsonBody(body)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, request{method: http.MethodPost, path: path, body: reader, contentType: "application/json"})
}

func (c *Client) startSession(ctx context.Context, path string, body any, event store.AuthEvent) (*store.Session, error) {
	data, err := c.postJSON(ctx, path, body)
	if err != nil {
		return nil, err
	}
	var session store.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()

	// a new identity needs a new realtime connection
	c.Close()
	c.emit(event, &session)
	return &session, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*store.Session, error) {
	return c.startSession(ctx, "/auth/v1/signup", credentials{Email: email, Password: password}, store.EventSignedIn)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*store.Session, error) {
	return c.startSession(ctx, "/auth/v1/token", credentials{Email: email, Password: password}, store.EventSignedIn)
}

// SignOut revokes the token remotely when possible and always clears the local session
func (c *Client) SignOut(ctx context.Context) error {
	if c.token() != "" {
		if _, err := c.send(ctx, request{method: http.MethodPost, path: "/auth/v1/logout"}); err != nil {
			c.log.Warn("remote sign out failed", "error", err)
		}
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	c.Close()
	c.emit(store.EventSignedOut, nil)
	return nil
}

// Session returns the current session, or nil when signed out or expired
func (c *Client) Session(ctx context.Context) (*store.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, nil
	}
	if !c.session.ExpiresAt.IsZero() && time.Now().After(c.session.ExpiresAt) {
		return nil, nil
	}
	s := *c.session
	return &s, nil
}

// SetSession installs a session obtained elsewhere, such as a saved token
func (c *Client) SetSession(session *store.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Client) UpdatePassword(ctx context.Context, password string) error {
	reader, err := jsonBody(map[string]string{"password": password})
	if err != nil {
		return err
	}
	data, err := c.send(ctx, request{method: http.MethodPut, path: "/auth/v1/user", body: reader, contentType: "application/json"})
	if err != nil {
		return err
	}

	var user store.User
	if err := json.Unmarshal(data, &user); err != nil {
		return fmt.Errorf("decode user: %w", err)
	}
	c.mu.Lock()
	var session *store.Session
	if c.session != nil {
		c.session.User = user
		s := *c.session
		session = &s
	}
	c.mu.Unlock()

	c.emit(store.EventUserUpdated, session)
	return nil
}

func (c *Client) ResetPasswordForEmail(ctx context.Context, email string) error {
	_, err := c.postJSON(ctx, "/auth/v1/recover", map[string]string{"email": email})
	return err
}

func (c *Client) VerifyRecovery(ctx context.Context, token string) (*store.Session, error) {
	return c.startSession(ctx, "/auth/v1/verify", map[string]string{"type": "recovery", "token": token}, store.EventPasswordRecovery)
}

// OnAuthStateChange registers listener and calls it at once with INITIAL_SESSION.
// Listeners run on the goroutine that caused the transition.
func (c *Client) OnAuthStateChange(listener store.AuthListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()

	session, _ := c.Session(context.Background())
	listener(store.EventInitialSession, session)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(event store.AuthEvent, session *store.Session) {
	c.mu.RLock()
	listeners := make([]store.AuthListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()

	var snapshot *store.Session
	if session != nil {
		s := *session
		snapshot = &s
	}
	for _, l := range listeners {
		l(event, snapshot)
	}
}
