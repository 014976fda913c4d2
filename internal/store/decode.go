package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Decode copies src into dest through JSON, the same way rows travel over the wire
func Decode(src any, dest any) error {
	if dest == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode rows: %w", err)
	}
	return nil
}

// ToRows converts a struct, map or slice of either into rows
func ToRows(values any) ([]Row, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(raw) > 0 && raw[0] == '[' {
		var rows []Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return rows, nil
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("%w: values must be an object or a list of objects", ErrInvalidInput)
	}
	return []Row{row}, nil
}

type callerKey struct{}

// WithCaller tags ctx with the authenticated user id on the server side
func WithCaller(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// CallerFrom returns the user id set by WithCaller
func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}

// DecodeRows fills dest from rows. A slice dest receives every row; any other dest receives
// the first row, and ErrNotFound when there is none.
func DecodeRows(rows []Row, dest any) error {
	if dest == nil {
		return nil
	}
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: dest must be a non-nil pointer", ErrInvalidInput)
	}
	switch rv.Elem().Kind() {
	case reflect.Slice, reflect.Interface:
		if rows == nil {
			rows = []Row{}
		}
		return Decode(rows, dest)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return Decode(rows[0], dest)
}
