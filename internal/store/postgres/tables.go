package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/eugeniagram/eugeniagram/internal/store/notify"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

// StoryTTL is the lifetime of a story
const StoryTTL = 24 * time.Hour

// Publisher fans out row inserts to realtime subscribers
type Publisher interface {
	Publish(ctx context.Context, event store.Event) error
}

// DB implements store.Tables and store.Procedures over PostgreSQL
type DB struct {
	db        *sqlx.DB
	publisher Publisher
	mailer    notify.Sender
	log       *slog.Logger
}

func New(db *sqlx.DB, publisher Publisher, mailer notify.Sender, log *slog.Logger) *DB {
	return &DB{db: db, publisher: publisher, mailer: mailer, log: log}
}

func (d *DB) Select(ctx context.Context, table string, q store.Query, dest any) error {
	query, args, err := buildSelect(table, q)
	if err != nil {
		return store.Wrap("select "+table, err)
	}
	rows, err := d.queryJSON(ctx, query, args...)
	if err != nil {
		return translate("select "+table, err)
	}
	return store.DecodeRows(rows, dest)
}

func (d *DB) Insert(ctx context.Context, table string, values any, dest any) error {
	input, err := store.ToRows(values)
	if err != nil {
		return store.Wrap("insert "+table, err)
	}
	query, args, err := buildInsert(table, input)
	if err != nil {
		return store.Wrap("insert "+table, err)
	}
	rows, err := d.queryJSON(ctx, query, args...)
	if err != nil {
		return translate("insert "+table, err)
	}

	d.publishInserts(ctx, table, rows)
	return store.DecodeRows(rows, dest)
}

func (d *DB) Update(ctx context.Context, table string, values store.Row, filters []store.Filter, dest any) error {
	query, args, err := buildUpdate(table, values, filters)
	if err != nil {
		return store.Wrap("update "+table, err)
	}
	rows, err := d.queryJSON(ctx, query, args...)
	if err != nil {
		return translate("update "+table, err)
	}
	return store.DecodeRows(rows, dest)
}

func (d *DB) Delete(ctx context.Context, table string, filters []store.Filter) error {
	query, args, err := buildDelete(table, filters)
	if err != nil {
		return store.Wrap("delete "+table, err)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return translate("delete "+table, err)
	}
	return nil
}

// DeleteExpiredStories removes stories whose lifetime has passed
func (d *DB) DeleteExpiredStories(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM stories WHERE expires_at < $1`, now)
	if err != nil {
		return 0, translate("delete expired stories", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (d *DB) queryJSON(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.Row{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var row store.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) publishInserts(ctx context.Context, table string, rows []store.Row) {
	if d.publisher == nil {
		return
	}
	for _, row := range rows {
		event := store.Event{
			Type:      store.EventInsert,
			Table:     table,
			Record:    row,
			Timestamp: time.Now().UTC(),
		}
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.log.Warn("failed to publish insert", "table", table, "error", err)
		}
	}
}
