package eventstore

import (
	"context"
	"fmt"

	"github.com/go-conductor/conductor/runtime/scheme"
)

// Store is an append-only, per-stream, versioned event log. It is the single source
// of truth: state transitions are durable only once their events are appended.
//
// Concurrency control is optimistic. Append supplies the version the caller believes
// the stream is at, a mismatch fails with ConcurrencyError and the caller must
// re-read and retry. No event is ever overwritten or removed.
type Store interface {
	// Append atomically appends payloads to the stream. expectedVersion is the current
	// version of the stream known to the caller, 0 for a new stream. Subscribers are
	// notified only after the events are durably persisted, a failing subscriber never
	// rolls back an append.
	Append(ctx context.Context, streamID StreamID, expectedVersion uint64, payloads ...scheme.Object) ([]Event, error)

	// Read returns a forward-only cursor over the stream's events with version > fromVersion.
	// Pass fromVersion=0 to read the whole stream.
	Read(ctx context.Context, streamID StreamID, fromVersion uint64) (Cursor, error)

	// ReadAll returns a cursor over events of all streams with global sequence > fromSeq,
	// ordered by the store-wide append sequence. Per-stream order is preserved, no other
	// cross-stream ordering is implied.
	ReadAll(ctx context.Context, fromSeq uint64) (Cursor, error)

	// StreamVersion returns the current version of the stream, 0 if it doesn't exist.
	StreamVersion(ctx context.Context, streamID StreamID) (uint64, error)

	// SubscribeAll registers a handler which receives every newly appended event across
	// all streams, in per-stream order. Delivery is at-least-once: a subscriber that
	// needs exactly-once effects must deduplicate by event UID and persist its own
	// position (see projection.Manager).
	SubscribeAll(name string, handler EventHandler)

	// Close stops live delivery to subscribers and waits for their queues to drain.
	// Appends after Close still succeed, they are just no longer pushed to subscribers.
	Close() error
}

// EventHandler receives appended events. An error is logged by the store, it does not
// affect the append and the event is not redelivered by the live notifier, catch-up
// is the subscriber's job.
type EventHandler func(event Event) error

// Cursor is a forward-only iterator over events, shaped after sql.Rows
type Cursor interface {
	Next(ctx context.Context) bool
	Event() Event
	Err() error
	Close() error
}

// ConcurrencyError is returned by Append when expectedVersion doesn't match the
// stream's current version, which signals a concurrent writer
type ConcurrencyError struct {
	StreamID        StreamID
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent append to stream %s: expected version %d, actual %d", e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// IsConcurrencyError reports whether err is a version conflict from Append
func IsConcurrencyError(err error) bool {
	for err != nil {
		if _, ok := err.(ConcurrencyError); ok {
			return true
		}

		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}

	return false
}
