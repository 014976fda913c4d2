// Package store defines the call contract of the backend used by the app: row access with
// embedded relations, object uploads, remote procedures, authentication and realtime inserts.
package store

import (
	"context"
	"io"
	"time"
)

// Row is a single record as returned by the backend
type Row = map[string]any

// Collections
const (
	TableProfiles                 = "profiles"
	TablePosts                    = "posts"
	TableReels                    = "reels"
	TableComments                 = "comments"
	TableLikes                    = "likes"
	TableSavedPosts               = "saved_posts"
	TableStories                  = "stories"
	TableHighlights               = "highlights"
	TableFollows                  = "follows"
	TableConversations            = "conversations"
	TableConversationParticipants = "conversation_participants"
	TableMessages                 = "messages"
)

// Remote procedures
const (
	ProcResolveOtherParticipant   = "resolve_other_participant"
	ProcCheckExistingConversation = "check_existing_conversation"
	ProcCreateConversation        = "create_conversation_with_participants"
	ProcAddParticipant            = "add_participant"
	ProcListUserConversations     = "list_user_conversations"
	ProcSendEmailNotification     = "send_email_notification"
)

// Storage buckets
const (
	BucketPosts   = "posts"
	BucketReels   = "reels"
	BucketStories = "stories"
	BucketAvatars = "avatars"
)

// Tables is row level access to collections. dest is a pointer to a slice (or a struct for
// single row results) and is filled by JSON decoding; a nil dest discards the result.
type Tables interface {
	Select(ctx context.Context, table string, q Query, dest any) error
	Insert(ctx context.Context, table string, values any, dest any) error
	Update(ctx context.Context, table string, values Row, filters []Filter, dest any) error
	Delete(ctx context.Context, table string, filters []Filter) error
}

// Storage uploads objects and returns their public URL
type Storage interface {
	Upload(ctx context.Context, bucket, path string, body io.Reader, contentType string) (string, error)
}

// Procedures invokes named server side functions
type Procedures interface {
	RPC(ctx context.Context, name string, params any, dest any) error
}

// AuthEvent is a session state transition
type AuthEvent string

const (
	EventInitialSession   AuthEvent = "INITIAL_SESSION"
	EventSignedIn         AuthEvent = "SIGNED_IN"
	EventSignedOut        AuthEvent = "SIGNED_OUT"
	EventUserUpdated      AuthEvent = "USER_UPDATED"
	EventPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)

// User is the account behind a session
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an authenticated session
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// AuthListener receives session transitions. session is nil after sign out.
type AuthListener func(event AuthEvent, session *Session)

// Auth manages the client session
type Auth interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	// Session returns the current session or nil when signed out.
	Session(ctx context.Context) (*Session, error)
	UpdatePassword(ctx context.Context, password string) error
	ResetPasswordForEmail(ctx context.Context, email string) error
	VerifyRecovery(ctx context.Context, token string) (*Session, error)
	OnAuthStateChange(listener AuthListener) (unsubscribe func())
}

// Subscription is a live realtime subscription
type Subscription interface {
	Unsubscribe() error
}

// Realtime delivers row change events
type Realtime interface {
	Subscribe(ctx context.Context, channel string, filter EventFilter, handler func(Event)) (Subscription, error)
}

// Client is everything the app needs from the backend
type Client interface {
	Tables
	Storage
	Procedures
	Auth
	Realtime
}
