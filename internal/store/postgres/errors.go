package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// translate maps driver errors onto the store sentinels
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &store.Error{Op: op, Err: store.ErrNotFound}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch code {
		case "23505":
			return &store.Error{Op: op, Code: code, Err: store.ErrConflict}
		case "23502", "23503", "23514", "22P02", "22007", "22023":
			return &store.Error{Op: op, Code: code, Err: fmt.Errorf("%w: %s", store.ErrInvalidInput, pqErr.Message)}
		default:
			return &store.Error{Op: op, Code: code, Err: err}
		}
	}

	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		return err
	}
	return &store.Error{Op: op, Err: err}
}
