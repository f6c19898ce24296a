package event

import (
	"fmt"
	"time"
)

// Op is the logical operation a change event carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the operation is one of the three known kinds.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Fields is a flat mapping of column name to primitive value. Values are
// restricted to string, bool, integer and float kinds plus nil; nested
// structures are rejected at normalization time so projectors stay simple
// and store-agnostic.
type Fields map[string]any

// Clone returns a shallow copy. Values are primitives, so shallow is enough.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Event is one normalized change record as it lives in the stream log.
// Events are immutable once appended; ID is assigned by the log and is
// strictly increasing within a stream key.
type Event struct {
	// StreamKey names the log partition, one per source entity type.
	StreamKey string
	// ID is the opaque, totally ordered entry ID within StreamKey.
	// Empty until the log assigns one on append.
	ID string
	// Entity is the source entity type (table name), e.g. "movies".
	Entity string
	Op     Op
	// Payload holds the row values after the change; for deletes it holds
	// at least the identity fields.
	Payload Fields
	// Before holds the row values prior to the change when the source
	// provides them; may be nil.
	Before Fields
	// SourceTS is the instant the change occurred at the source. Projectors
	// use it for last-write-wins when the producer observed an upstream
	// ordering hiccup.
	SourceTS time.Time
}

// IdentityField is the payload field that carries the row identity.
const IdentityField = "id"

// Identity returns the canonical identity of the row an event concerns,
// e.g. "movies:42". The second return is false when the payload carries no
// usable identity, which normalization treats as a decode failure.
func (e Event) Identity() (string, bool) {
	v, ok := e.Payload[IdentityField]
	if !ok && e.Before != nil {
		v, ok = e.Before[IdentityField]
	}
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%v", e.Entity, v), true
}
