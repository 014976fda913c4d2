package store

import (
	"fmt"
	"time"
)

// EventType is a row change kind. Only inserts are published.
type EventType string

const EventInsert EventType = "INSERT"

// Event is a row change delivered over realtime
type Event struct {
	Type      EventType `json:"type"`
	Table     string    `json:"table"`
	Record    Row       `json:"record"`
	Timestamp time.Time `json:"commit_timestamp"`
}

// EventFilter selects events. Filter is an optional column=eq.value expression.
type EventFilter struct {
	Event  EventType `json:"event"`
	Table  string    `json:"table"`
	Filter string    `json:"filter,omitempty"`
}

// Validate checks the filter can be evaluated
func (f EventFilter) Validate() error {
	if f.Table == "" {
		return fmt.Errorf("%w: realtime filter needs a table", ErrInvalidInput)
	}
	if f.Filter == "" {
		return nil
	}
	flt, err := ParseFilterExpr(f.Filter)
	if err != nil {
		return err
	}
	if flt.Op != OpEq {
		return fmt.Errorf("%w: realtime filters support eq only", ErrInvalidInput)
	}
	return nil
}

// Matches reports whether e passes the filter
func (f EventFilter) Matches(e Event) bool {
	if f.Table != e.Table {
		return false
	}
	if f.Event != "" && f.Event != "*" && f.Event != e.Type {
		return false
	}
	if f.Filter == "" {
		return true
	}
	flt, err := ParseFilterExpr(f.Filter)
	if err != nil || flt.Op != OpEq {
		return false
	}
	val, ok := e.Record[flt.Column]
	if !ok || val == nil {
		return false
	}
	return fmt.Sprint(val) == fmt.Sprint(flt.Value)
}

// FrameType tags a realtime websocket frame
type FrameType string

const (
	FrameSubscribe    FrameType = "subscribe"
	FrameUnsubscribe  FrameType = "unsubscribe"
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameEvent        FrameType = "event"
	FrameError        FrameType = "error"
)

// Frame is the realtime websocket message in both directions. Ref is chosen by the client
// and identifies one subscription on the connection.
type Frame struct {
	Type    FrameType    `json:"type"`
	Ref     string       `json:"ref"`
	Channel string       `json:"channel,omitempty"`
	Filter  *EventFilter `json:"filter,omitempty"`
	Event   *Event       `json:"event,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
}
