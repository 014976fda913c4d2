package postgres

import (
	"fmt"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

type columnKind int

const (
	kindScalar columnKind = iota
	kindTextArray
	kindJSON
)

type relationKind int

const (
	// parent.Column references Table.id
	belongsTo relationKind = iota
	// Table.Column references parent.id
	hasMany
)

type relation struct {
	Table  string
	Column string
	Kind   relationKind
}

type tableSchema struct {
	Columns   map[string]columnKind
	Relations []relation
	// Owner is the column that must equal the caller for writes, if any
	Owner string
	// Writable limits which operations the REST surface accepts
	Insertable, Updatable, Deletable bool
}

func cols(scalars ...string) map[string]columnKind {
	m := make(map[string]columnKind, len(scalars))
	for _, c := range scalars {
		m[c] = kindScalar
	}
	return m
}

func with(m map[string]columnKind, kind columnKind, names ...string) map[string]columnKind {
	for _, n := range names {
		m[n] = kind
	}
	return m
}

var schema = map[string]tableSchema{
	store.TableProfiles: {
		Columns: cols("id", "username", "full_name", "avatar_url", "bio", "course",
			"instagram_url", "linkedin_url", "github_url", "website_url", "created_at"),
		Relations: []relation{
			{Table: store.TablePosts, Column: "user_id", Kind: hasMany},
			{Table: store.TableReels, Column: "user_id", Kind: hasMany},
			{Table: store.TableStories, Column: "user_id", Kind: hasMany},
			{Table: store.TableHighlights, Column: "user_id", Kind: hasMany},
		},
		Owner:      "id",
		Insertable: true, Updatable: true,
	},
	store.TablePosts: {
		Columns: with(cols("id", "user_id", "title", "description", "created_at"), kindTextArray, "images", "tags"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "user_id", Kind: belongsTo},
			{Table: store.TableLikes, Column: "post_id", Kind: hasMany},
			{Table: store.TableComments, Column: "post_id", Kind: hasMany},
			{Table: store.TableSavedPosts, Column: "post_id", Kind: hasMany},
		},
		Owner:      "user_id",
		Insertable: true, Updatable: true, Deletable: true,
	},
	store.TableReels: {
		Columns: with(cols("id", "user_id", "title", "description", "video_url", "created_at"), kindTextArray, "tags"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "user_id", Kind: belongsTo},
			{Table: store.TableLikes, Column: "reel_id", Kind: hasMany},
			{Table: store.TableComments, Column: "reel_id", Kind: hasMany},
			{Table: store.TableSavedPosts, Column: "reel_id", Kind: hasMany},
		},
		Owner:      "user_id",
		Insertable: true, Updatable: true, Deletable: true,
	},
	store.TableComments: {
		Columns: cols("id", "post_id", "reel_id", "user_id", "text", "created_at"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "user_id", Kind: belongsTo},
			{Table: store.TablePosts, Column: "post_id", Kind: belongsTo},
			{Table: store.TableReels, Column: "reel_id", Kind: belongsTo},
		},
		Owner:      "user_id",
		Insertable: true, Deletable: true,
	},
	store.TableLikes: {
		Columns:    cols("id", "post_id", "reel_id", "user_id", "created_at"),
		Owner:      "user_id",
		Insertable: true, Deletable: true,
	},
	store.TableSavedPosts: {
		Columns: cols("id", "post_id", "reel_id", "user_id", "created_at"),
		Relations: []relation{
			{Table: store.TablePosts, Column: "post_id", Kind: belongsTo},
			{Table: store.TableReels, Column: "reel_id", Kind: belongsTo},
		},
		Owner:      "user_id",
		Insertable: true, Deletable: true,
	},
	store.TableStories: {
		Columns: cols("id", "user_id", "media_url", "media_type", "description", "created_at", "expires_at"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "user_id", Kind: belongsTo},
		},
		Owner:      "user_id",
		Insertable: true, Deletable: true,
	},
	store.TableHighlights: {
		Columns:    with(cols("id", "user_id", "title", "cover_image", "created_at"), kindJSON, "stories"),
		Owner:      "user_id",
		Insertable: true, Updatable: true, Deletable: true,
	},
	store.TableFollows: {
		Columns: cols("follower_id", "following_id", "created_at"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "follower_id", Kind: belongsTo},
			{Table: store.TableProfiles, Column: "following_id", Kind: belongsTo},
		},
		Owner:      "follower_id",
		Insertable: true, Deletable: true,
	},
	store.TableConversations: {
		Columns: cols("id", "participant_key", "created_at", "updated_at"),
		Relations: []relation{
			{Table: store.TableConversationParticipants, Column: "conversation_id", Kind: hasMany},
		},
		Updatable: true,
	},
	store.TableConversationParticipants: {
		Columns: cols("conversation_id", "user_id", "joined_at"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "user_id", Kind: belongsTo},
		},
	},
	store.TableMessages: {
		Columns: cols("id", "conversation_id", "sender_id", "content", "created_at"),
		Relations: []relation{
			{Table: store.TableProfiles, Column: "sender_id", Kind: belongsTo},
		},
		Owner:      "sender_id",
		Insertable: true,
	},
}

// OwnerColumn reports the column that names a row's owner
func OwnerColumn(table string) (string, bool) {
	t, ok := schema[table]
	if !ok || t.Owner == "" {
		return "", false
	}
	return t.Owner, true
}

// Allows reports whether the REST surface may run op ("insert", "update", "delete") on table
func Allows(table, op string) bool {
	t, ok := schema[table]
	if !ok {
		return false
	}
	switch op {
	case "insert":
		return t.Insertable
	case "update":
		return t.Updatable
	case "delete":
		return t.Deletable
	case "select":
		return true
	}
	return false
}

func lookupTable(name string) (tableSchema, error) {
	t, ok := schema[name]
	if !ok {
		return tableSchema{}, fmt.Errorf("%w: unknown table %q", store.ErrInvalidInput, name)
	}
	return t, nil
}

func (t tableSchema) checkColumns(table string, names []string) error {
	for _, n := range names {
		if _, ok := t.Columns[n]; !ok {
			return fmt.Errorf("%w: unknown column %s.%s", store.ErrInvalidInput, table, n)
		}
	}
	return nil
}

func (t tableSchema) resolve(parent string, e store.Embed) (relation, error) {
	var found []relation
	for _, r := range t.Relations {
		if r.Table == e.Table && (e.Via == "" || e.Via == r.Column) {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return relation{}, fmt.Errorf("%w: no relation from %s to %s", store.ErrInvalidInput, parent, e.Table)
	case 1:
		return found[0], nil
	default:
		return relation{}, fmt.Errorf("%w: relation from %s to %s is ambiguous, set Via", store.ErrInvalidInput, parent, e.Table)
	}
}
