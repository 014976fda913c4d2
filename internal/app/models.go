package app

import (
	"io"
	"time"
)

// Profile is a user's public identity
type Profile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	AvatarURL    string    `json:"avatar_url"`
	Bio          string    `json:"bio"`
	Course       string    `json:"course"`
	InstagramURL string    `json:"instagram_url"`
	LinkedinURL  string    `json:"linkedin_url"`
	GithubURL    string    `json:"github_url"`
	WebsiteURL   string    `json:"website_url"`
	CreatedAt    time.Time `json:"created_at"`
}

type Kind string

const (
	KindPost Kind = "post"
	KindReel Kind = "reel"
)

// ItemRef names a post or a reel
type ItemRef struct {
	Kind Kind
	ID   string
}

func (r ItemRef) key() string { return string(r.Kind) + ":" + r.ID }

// column is the join table column referencing the item
func (r ItemRef) column() string {
	if r.Kind == KindReel {
		return "reel_id"
	}
	return "post_id"
}

// FeedItem is a post or a reel with viewer relative projections. Likes, Comments, Saves,
// LikedByUser and SavedByUser are computed per fetch and never stored on the item.
type FeedItem struct {
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Author      *Profile  `json:"author,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Images      []string  `json:"images,omitempty"`
	VideoURL    string    `json:"video_url,omitempty"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`

	Likes       int  `json:"likes"`
	Comments    int  `json:"comments"`
	Saves       int  `json:"saves"`
	LikedByUser bool `json:"liked_by_user"`
	SavedByUser bool `json:"saved_by_user"`
}

func (f FeedItem) Ref() ItemRef { return ItemRef{Kind: f.Kind, ID: f.ID} }

// Score is the trending interaction score
func (f FeedItem) Score() int { return f.Likes + f.Comments + f.Saves }

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id,omitempty"`
	ReelID    string    `json:"reel_id,omitempty"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Author    *Profile  `json:"author,omitempty"`
}

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

type Story struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	MediaURL    string    `json:"media_url"`
	MediaType   MediaType `json:"media_type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Author      *Profile  `json:"author,omitempty"`
}

// StoryGroup is one author's active stories, oldest first
type StoryGroup struct {
	UserID      string
	Author      *Profile
	Stories     []Story
	HasMultiple bool
}

// HighlightStory is a copy of a story taken when the highlight was made
type HighlightStory struct {
	ID          string    `json:"id"`
	Image       string    `json:"image"`
	MediaURL    string    `json:"media_url"`
	MediaType   MediaType `json:"media_type"`
	Description string    `json:"description"`
}

type Highlight struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Title      string           `json:"title"`
	CoverImage string           `json:"cover_image"`
	Stories    []HighlightStory `json:"stories"`
	CreatedAt  time.Time        `json:"created_at"`
}

type Participant struct {
	UserID  string   `json:"user_id"`
	Profile *Profile `json:"profile,omitempty"`
}

// Conversation is a two party thread. Interlocutor is the participant who is not the viewer.
type Conversation struct {
	ID           string        `json:"id"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Participants []Participant `json:"participants"`
	Interlocutor *Profile      `json:"-"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Sender         *Profile  `json:"sender,omitempty"`
}

// Pending reports whether the message has not been confirmed yet
func (m Message) Pending() bool { return isTemp(m.ID) }

type ViewerStats struct {
	Posts     int
	Followers int
	Following int
}

// ProfileView is the profile currently open on screen
type ProfileView struct {
	Profile     Profile
	Posts       int
	Followers   int
	Following   int
	IsFollowing bool
}

// Upload is a file to store before a row references it
type Upload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

type PostInput struct {
	Title       string   `validate:"required,max=200"`
	Description string   `validate:"max=5000"`
	Tags        []string `validate:"max=30"`
	Images      []Upload `validate:"min=1,max=10"`
}

type ReelInput struct {
	Title       string   `validate:"required,max=200"`
	Description string   `validate:"max=5000"`
	Tags        []string `validate:"max=30"`
	Video       Upload
}

type StoryInput struct {
	Media       Upload
	MediaType   MediaType `validate:"required,oneof=image video"`
	Description string    `validate:"max=500"`
}

type ProfileInput struct {
	Username     string `json:"username" validate:"required,min=3,max=30,alphanum"`
	FullName     string `json:"full_name" validate:"max=100"`
	Bio          string `json:"bio" validate:"max=500"`
	Course       string `json:"course" validate:"max=100"`
	InstagramURL string `json:"instagram_url" validate:"omitempty,url"`
	LinkedinURL  string `json:"linkedin_url" validate:"omitempty,url"`
	GithubURL    string `json:"github_url" validate:"omitempty,url"`
	WebsiteURL   string `json:"website_url" validate:"omitempty,url"`
}
