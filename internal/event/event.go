// Package event defines the change notification payload that travels the
// whole pipeline: mutation handler → shard queue → room channel → websocket.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ContentType tags every serialized event on the wire.
const ContentType = "application/json"

// Actions emitted by the mutation handlers.
const (
	ActionTaskAdded       = "task_added"
	ActionTaskUpdated     = "task_updated"
	ActionTaskDeleted     = "task_deleted"
	ActionListTitleUpdate = "list_title_update"
	ActionUserAdded       = "user_added"
	ActionUserRemoved     = "user_removed"
)

// ErrMalformedEvent marks an event body that can never become valid:
// undecodable JSON or a missing room id. Consumers discard these
// without requeueing.
var ErrMalformedEvent = errors.New("malformed event")

// Event is a single change notification for one shared list. Immutable
// once published. There is no event id: delivery is at-least-once and
// consumers must tolerate duplicates.
type Event struct {
	Action  string          `json:"action"`
	RoomID  int64           `json:"list_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the event for both the shard queue and the room
// pub/sub channel (same encoding on both wires).
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload. Unknown fields are tolerated so the
// format stays forward-compatible; a missing or non-positive room id
// makes the event malformed.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.RoomID <= 0 {
		return Event{}, fmt.Errorf("%w: missing list_id", ErrMalformedEvent)
	}
	return e, nil
}
