// Package event turns row-level state changes into sanitized envelopes and
// dispatches them to listeners subscribed per entity channel.
package event

import (
	"errors"
	"time"
)

type Type string

const (
	TypeCreated Type = "created"
	TypeUpdated Type = "updated"
	TypeDeleted Type = "deleted"
	TypeBulk    Type = "bulk"
)

func (t Type) String() string { return string(t) }

func (t Type) Valid() bool {
	switch t {
	case TypeCreated, TypeUpdated, TypeDeleted, TypeBulk:
		return true
	default:
		return false
	}
}

// Row is a column -> value snapshot of a record.
type Row = map[string]any

// Change is a raw, unsanitized state change produced by a write.
type Change struct {
	Entity         string
	ID             int64
	Type           Type
	Before         Row
	After          Row
	ChangedColumns []string
	Actor          int64
}

// Envelope is the sanitized payload handed to listeners. It is never persisted.
type Envelope struct {
	Entity         string    `json:"entity"`
	ID             int64     `json:"id"`
	Type           Type      `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	EventID        string    `json:"event_id"`
	Actor          int64     `json:"actor"`
	RowBefore      Row       `json:"row_before,omitempty"`
	RowAfter       Row       `json:"row_after,omitempty"`
	ChangedColumns []string  `json:"changed_columns,omitempty"`
}

// Channel is the listener channel name for an entity.
func Channel(entity string) string {
	return "events." + entity
}

var (
	ErrInvalidEntity = errors.New("event: invalid entity")
	ErrInvalidID     = errors.New("event: invalid id")
	ErrInvalidType   = errors.New("event: invalid type")
	ErrMissingField  = errors.New("event: missing required field")
)
