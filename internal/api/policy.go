package api

import (
	"context"
	"fmt"

	"github.com/eugeniagram/eugeniagram/internal/store"
	"github.com/eugeniagram/eugeniagram/internal/store/postgres"
)

// ParticipantChecker answers conversation membership questions
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Policy is the row level access policy applied in front of the backend. Public content is
// readable by anyone; writes are limited to rows the caller owns; conversations and their
// messages are visible to participants only.
type Policy struct {
	participants ParticipantChecker
}

func NewPolicy(participants ParticipantChecker) *Policy {
	return &Policy{participants: participants}
}

// private tables need a conversation scope on every read
var conversationScoped = map[string]string{
	store.TableMessages:                 "conversation_id",
	store.TableConversationParticipants: "conversation_id",
	store.TableConversations:            "id",
}

func (p *Policy) Select(ctx context.Context, table string, q store.Query) error {
	if !postgres.Allows(table, "select") {
		return fmt.Errorf("%w: unknown table %q", store.ErrInvalidInput, table)
	}
	column, scoped := conversationScoped[table]
	if !scoped {
		return nil
	}
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return store.ErrUnauthorized
	}
	return p.requireParticipant(ctx, caller, scopeValue(q.Filters, column))
}

// Insert checks every row and fills a missing owner column with the caller
func (p *Policy) Insert(ctx context.Context, table string, rows []store.Row) error {
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return store.ErrUnauthorized
	}
	if !postgres.Allows(table, "insert") {
		return fmt.Errorf("%w: inserts into %s are not allowed", store.ErrForbidden, table)
	}

	owner, hasOwner := postgres.OwnerColumn(table)
	checked := map[string]bool{}
	for _, row := range rows {
		if hasOwner {
			v, present := row[owner]
			if !present || v == nil {
				row[owner] = caller
			} else if fmt.Sprint(v) != caller {
				return fmt.Errorf("%w: %s must be the caller", store.ErrForbidden, owner)
			}
		}
		if table == store.TableMessages {
			conv := fmt.Sprint(row["conversation_id"])
			if !checked[conv] {
				if err := p.requireParticipant(ctx, caller, conv); err != nil {
					return err
				}
				checked[conv] = true
			}
		}
	}
	return nil
}

// Update returns the filters narrowed to rows the caller may change
func (p *Policy) Update(ctx context.Context, table string, values store.Row, filters []store.Filter) ([]store.Filter, error) {
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return nil, store.ErrUnauthorized
	}
	if !postgres.Allows(table, "update") {
		return nil, fmt.Errorf("%w: updates to %s are not allowed", store.ErrForbidden, table)
	}

	if table == store.TableConversations {
		for k := range values {
			if k != "updated_at" {
				return nil, fmt.Errorf("%w: only updated_at can change on a conversation", store.ErrForbidden)
			}
		}
		if err := p.requireParticipant(ctx, caller, scopeValue(filters, "id")); err != nil {
			return nil, err
		}
		return filters, nil
	}

	owner, _ := postgres.OwnerColumn(table)
	if v, present := values[owner]; present && fmt.Sprint(v) != caller {
		return nil, fmt.Errorf("%w: %s cannot be reassigned", store.ErrForbidden, owner)
	}
	return append(filters, store.Eq(owner, caller)), nil
}

// Delete returns the filters narrowed to rows the caller owns
func (p *Policy) Delete(ctx context.Context, table string, filters []store.Filter) ([]store.Filter, error) {
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return nil, store.ErrUnauthorized
	}
	if !postgres.Allows(table, "delete") {
		return nil, fmt.Errorf("%w: deletes from %s are not allowed", store.ErrForbidden, table)
	}
	owner, _ := postgres.OwnerColumn(table)
	return append(filters, store.Eq(owner, caller)), nil
}

// Subscribe checks a realtime filter before it is attached
func (p *Policy) Subscribe(ctx context.Context, filter store.EventFilter) error {
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return store.ErrUnauthorized
	}
	if err := filter.Validate(); err != nil {
		return err
	}
	if !postgres.Allows(filter.Table, "select") {
		return fmt.Errorf("%w: unknown table %q", store.ErrInvalidInput, filter.Table)
	}
	column, scoped := conversationScoped[filter.Table]
	if !scoped {
		return nil
	}
	var conv string
	if filter.Filter != "" {
		f, err := store.ParseFilterExpr(filter.Filter)
		if err != nil {
			return err
		}
		if f.Column == column {
			conv = fmt.Sprint(f.Value)
		}
	}
	return p.requireParticipant(ctx, caller, conv)
}

// Upload limits object paths to the caller's own folder
func (p *Policy) Upload(ctx context.Context, objectPath string) error {
	caller, ok := store.CallerFrom(ctx)
	if !ok {
		return store.ErrUnauthorized
	}
	if len(objectPath) <= len(caller) || objectPath[:len(caller)+1] != caller+"/" {
		return fmt.Errorf("%w: objects must be stored under %s/", store.ErrForbidden, caller)
	}
	return nil
}

func (p *Policy) requireParticipant(ctx context.Context, caller, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: a conversation filter is required", store.ErrForbidden)
	}
	ok, err := p.participants.IsParticipant(ctx, conversationID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrForbidden
	}
	return nil
}

func scopeValue(filters []store.Filter, column string) string {
	for _, f := range filters {
		if f.Column == column && f.Op == store.OpEq && f.Value != nil {
			return fmt.Sprint(f.Value)
		}
	}
	return ""
}
