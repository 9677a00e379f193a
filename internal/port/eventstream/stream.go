// Package eventstream defines the status/lifecycle bus: an append-only log of
// StreamEvents addressed by (group, channel, key) sub-streams. The
// coordinator is the only consumer that mutates graph state; any number of
// external observers may tail the same sub-stream read-only.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SchemaVersion is stamped on every published event.
const SchemaVersion = 1

// CursorStart reads a sub-stream from its oldest retained entry.
const CursorStart = "0"

// CursorNewest skips history and reads live entries only.
const CursorNewest = "$"

// ErrClosed is returned once the stream has been closed.
var ErrClosed = errors.New("event stream closed")

// Address identifies one logical sub-stream.
type Address struct {
	Group   string
	Channel string
	Key     string
}

// SchedulingAddress is the sub-stream carrying one mission's scheduling
// lifecycle events.
func SchedulingAddress(missionID string) Address {
	return Address{Group: "mission", Channel: "scheduling", Key: missionID}
}

// Event is the wire record on the bus. DeliveryID is assigned by the channel
// itself and doubles as the resumable read cursor.
type Event struct {
	SchemaVersion int               `json:"schema_version"`
	Timestamp     time.Time         `json:"timestamp"`
	Group         string            `json:"group"`
	Channel       string            `json:"channel"`
	Key           string            `json:"key"`
	Type          string            `json:"type"`
	Data          json.RawMessage   `json:"data"`
	Meta          map[string]string `json:"meta,omitempty"`
	DeliveryID    string            `json:"delivery_id"`
}

// Stream is the port interface for the event channel.
type Stream interface {
	// Publish appends an event to the sub-stream and returns its entry id.
	Publish(ctx context.Context, addr Address, eventType string, data any, meta map[string]string) (string, error)

	// Read returns up to maxCount events after fromCursor, blocking up to
	// block when the sub-stream is empty. A cursor that has fallen out of the
	// retention window replays from the oldest retained entry.
	Read(ctx context.Context, addr Address, fromCursor string, maxCount int, block time.Duration) ([]Event, error)

	// Close releases the underlying connection.
	Close() error
}
