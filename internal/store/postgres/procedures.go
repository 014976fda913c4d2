package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/eugeniagram/eugeniagram/internal/store"
	"github.com/eugeniagram/eugeniagram/internal/store/notify"
)

type procedure func(ctx context.Context, d *DB, caller string, params json.RawMessage) (any, error)

var procedures = map[string]procedure{
	store.ProcResolveOtherParticipant:   resolveOtherParticipant,
	store.ProcCheckExistingConversation: checkExistingConversation,
	store.ProcCreateConversation:        createConversation,
	store.ProcAddParticipant:            addParticipant,
	store.ProcListUserConversations:     listUserConversations,
	store.ProcSendEmailNotification:     sendEmailNotification,
}

// RPC runs a named procedure on behalf of the caller found in ctx
func (d *DB) RPC(ctx context.Context, name string, params any, dest any) error {
	proc, ok := procedures[name]
	if !ok {
		return &store.Error{Op: "rpc " + name, Err: store.ErrUnknownProcedure}
	}
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return &store.Error{Op: "rpc " + name, Err: store.ErrUnauthorized}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return &store.Error{Op: "rpc " + name, Err: fmt.Errorf("%w: %v", store.ErrInvalidInput, err)}
	}

	result, err := proc(ctx, d, caller, raw)
	if err != nil {
		return translate("rpc "+name, err)
	}
	return store.Decode(result, dest)
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return nil
}

// ParticipantKey is the canonical identity of a two person conversation
func ParticipantKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (d *DB) isParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := d.db.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, userID)
	return ok, err
}

// IsParticipant reports whether userID belongs to the conversation
func (d *DB) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := d.isParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, translate("check participant", err)
	}
	return ok, nil
}

func resolveOtherParticipant(ctx context.Context, d *DB, caller string, raw json.RawMessage) (any, error) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", store.ErrInvalidInput)
	}

	var other string
	err := d.db.GetContext(ctx, &other, `
		SELECT cp.user_id
		FROM conversation_participants cp
		WHERE cp.conversation_id = $1
		  AND cp.user_id <> $2
		  AND EXISTS (
			SELECT 1 FROM conversation_participants me
			WHERE me.conversation_id = cp.conversation_id AND me.user_id = $2
		  )
		LIMIT 1`, p.ConversationID, caller)
	if err != nil {
		return nil, err
	}
	return other, nil
}

func checkExistingConversation(ctx context.Context, d *DB, caller string, raw json.RawMessage) (any, error) {
	var p struct {
		OtherUserID string `json:"other_user_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.OtherUserID == "" {
		return nil, fmt.Errorf("%w: other_user_id is required", store.ErrInvalidInput)
	}

	var id string
	err := d.db.GetContext(ctx, &id,
		`SELECT id FROM conversations WHERE participant_key = $1`, ParticipantKey(caller, p.OtherUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return id, nil
}

// createConversation returns the existing conversation when the pair already has one
func createConversation(ctx context.Context, d *DB, caller string, raw json.RawMessage) (any, error) {
	var p struct {
		OtherUserID string `json:"other_user_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.OtherUserID == "" {
		return nil, fmt.Errorf("%w: other_user_id is required", store.ErrInvalidInput)
	}
	if p.OtherUserID == caller {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", store.ErrInvalidInput)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.GetContext(ctx, &id, `
		INSERT INTO conversations (participant_key)
		VALUES ($1)
		ON CONFLICT (participant_key) DO UPDATE SET participant_key = EXCLUDED.participant_key
		RETURNING id`, ParticipantKey(caller, p.OtherUserID))
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT DO NOTHING`, id, caller, p.OtherUserID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return id, nil
}

func addParticipant(ctx context.Context, d *DB, caller string, raw json.RawMessage) (any, error) {
	var p struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" || p.UserID == "" {
		return nil, fmt.Errorf("%w: conversation_id and user_id are required", store.ErrInvalidInput)
	}

	var key string
	if err := d.db.GetContext(ctx, &key, `SELECT participant_key FROM conversations WHERE id = $1`, p.ConversationID); err != nil {
		return nil, err
	}
	// membership is fixed by the key; only its two members may be (re)added
	if !strings.Contains(":"+key+":", ":"+caller+":") || !strings.Contains(":"+key+":", ":"+p.UserID+":") {
		return nil, store.ErrForbidden
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, p.ConversationID, p.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"added": true}, nil
}

func listUserConversations(ctx context.Context, d *DB, caller string, _ json.RawMessage) (any, error) {
	var raw []byte
	err := d.db.GetContext(ctx, &raw, `
		SELECT coalesce(jsonb_agg(c ORDER BY c.updated_at DESC), '[]'::jsonb)
		FROM (
			SELECT conv.id, conv.updated_at,
			       (SELECT jsonb_agg(jsonb_build_object(
			                  'user_id', cp.user_id,
			                  'profile', to_jsonb(p)))
			        FROM conversation_participants cp
			        JOIN profiles p ON p.id = cp.user_id
			        WHERE cp.conversation_id = conv.id) AS participants
			FROM conversations conv
			WHERE EXISTS (
				SELECT 1 FROM conversation_participants me
				WHERE me.conversation_id = conv.id AND me.user_id = $1
			)
		) c`, caller)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func sendEmailNotification(ctx context.Context, d *DB, caller string, raw json.RawMessage) (any, error) {
	var p struct {
		RecipientID    string `json:"recipient_id"`
		ConversationID string `json:"conversation_id"`
		Preview        string `json:"message_preview"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.RecipientID == "" || p.ConversationID == "" {
		return nil, fmt.Errorf("%w: recipient_id and conversation_id are required", store.ErrInvalidInput)
	}
	if err := checkNotificationTarget(ctx, d.isParticipant, p.ConversationID, caller, p.RecipientID); err != nil {
		return nil, err
	}
	if d.mailer == nil {
		return map[string]any{"sent": false}, nil
	}

	var recipient struct {
		Email    string `db:"email"`
		Username string `db:"username"`
	}
	err := d.db.GetContext(ctx, &recipient, `
		SELECT u.email, coalesce(p.username, '') AS username
		FROM auth_users u LEFT JOIN profiles p ON p.id = u.id
		WHERE u.id = $1`, p.RecipientID)
	if err != nil {
		return nil, err
	}

	var sender string
	if err := d.db.GetContext(ctx, &sender, `SELECT username FROM profiles WHERE id = $1`, caller); err != nil {
		return nil, err
	}

	err = d.mailer.Send(ctx, notify.NewMessageEmail(recipient.Email, recipient.Username, sender, p.Preview))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return map[string]any{"sent": true}, nil
}

type participantFunc func(ctx context.Context, conversationID, userID string) (bool, error)

// checkNotificationTarget allows an email only between two distinct participants of the
// conversation
func checkNotificationTarget(ctx context.Context, isParticipant participantFunc, conversationID, caller, recipient string) error {
	if caller == recipient {
		return fmt.Errorf("%w: cannot notify yourself", store.ErrInvalidInput)
	}
	for _, id := range []string{caller, recipient} {
		ok, err := isParticipant(ctx, conversationID, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: not a participant of conversation %s", store.ErrForbidden, conversationID)
		}
	}
	return nil
}
