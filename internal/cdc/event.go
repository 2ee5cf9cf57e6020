// Package cdc reacts to schema changes in tenant databases.
//
// Event triggers installed by the migrations call pg_notify on the
// schema_changed channel whenever DDL touches a table. A Listener holds a
// dedicated connection per tenant, decodes each payload and repairs only the
// affected index entry, falling back to a full rebuild when it cannot tell
// what changed. Decoded events are also fanned out to streaming subscribers.
package cdc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel is the NOTIFY channel the event triggers publish on.
const Channel = "schema_changed"

// ChangeEvent is one decoded schema change notification.
type ChangeEvent struct {
	DB      string    `json:"db"`
	Schema  string    `json:"schema"`
	Table   string    `json:"table"`
	Command string    `json:"command"` // DDL tag, e.g. "ALTER TABLE"
	At      time.Time `json:"at"`      // stamped on receipt
}

// DecodeError reports an unusable notification payload. The listener logs
// and drops these; a hostile or buggy trigger must not kill the loop.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable schema change payload %q: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// decodeEvent parses a notification payload. Schema defaults to public;
// a payload without a table name is undecodable since there is nothing to
// refresh.
func decodeEvent(payload string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ChangeEvent{}, &DecodeError{Payload: payload, Err: err}
	}
	if ev.Table == "" {
		return ChangeEvent{}, &DecodeError{Payload: payload, Err: fmt.Errorf("missing table name")}
	}
	if ev.Schema == "" {
		ev.Schema = "public"
	}
	ev.At = time.Now().UTC()
	return ev, nil
}
