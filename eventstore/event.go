package eventstore

import (
	"fmt"
	"time"

	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/google/uuid"
)

// StreamID identifies a single append-only sequence of events
type StreamID string

func (s StreamID) String() string {
	return string(s)
}

// StreamIDOf builds a stream id from a category and an entity id, e.g. "saga:fe1a..."
func StreamIDOf(category, id string) StreamID {
	return StreamID(fmt.Sprintf("%s:%s", category, id))
}

// Event is an immutable record in a stream. Version is the 1-based sequence within the
// stream, GlobalSeq is the store-wide append sequence used by catch-up subscriptions.
type Event struct {
	UID       string        `json:"uid"`
	StreamID  StreamID      `json:"stream_id"`
	Version   uint64        `json:"version"`
	GlobalSeq uint64        `json:"global_seq"`
	Name      string        `json:"name"`
	Payload   scheme.Object `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

func newEvent(streamID StreamID, version uint64, name string, payload scheme.Object, now time.Time) Event {
	return Event{
		UID:       uuid.New().String(),
		StreamID:  streamID,
		Version:   version,
		Name:      name,
		Payload:   payload,
		CreatedAt: now,
	}
}
