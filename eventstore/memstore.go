package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/pkg/errors"
)

// NewInMemoryStore returns a Store holding all events in process memory.
//
// It honors the full Store contract including optimistic concurrency and ordered
// subscriber delivery, which makes it suitable for tests and examples. It is not
// durable, production setups should use NewSQLStore and treat the in-memory
// version as nothing more than a cache.
func NewInMemoryStore(marshaller Marshaller, logger log.Logger) Store {
	return &inMemoryStore{
		marshaller: marshaller,
		notifier:   newNotifier(logger),
		streams:    make(map[StreamID][]Event),
	}
}

type inMemoryStore struct {
	marshaller Marshaller
	notifier   *notifier

	mtx       sync.RWMutex
	streams   map[StreamID][]Event
	globalLog []Event
	globalSeq uint64
}

func (s *inMemoryStore) Append(ctx context.Context, streamID StreamID, expectedVersion uint64, payloads ...scheme.Object) ([]Event, error) {
	if len(payloads) == 0 {
		return nil, errors.Errorf("appending to stream %s: no payloads given", streamID)
	}

	now := time.Now().Round(time.Millisecond).UTC()

	s.mtx.Lock()

	stream := s.streams[streamID]
	currentVersion := uint64(len(stream))

	if currentVersion != expectedVersion {
		s.mtx.Unlock()
		return nil, ConcurrencyError{StreamID: streamID, ExpectedVersion: expectedVersion, ActualVersion: currentVersion}
	}

	appended := make([]Event, len(payloads))

	for i, payload := range payloads {
		name, err := s.marshaller.Kind(payload)

		if err != nil {
			s.mtx.Unlock()
			return nil, errors.Wrapf(err, "appending to stream %s", streamID)
		}

		ev := newEvent(streamID, currentVersion+uint64(i)+1, name, payload, now)
		s.globalSeq++
		ev.GlobalSeq = s.globalSeq
		appended[i] = ev
	}

	s.streams[streamID] = append(stream, appended...)
	s.globalLog = append(s.globalLog, appended...)

	s.mtx.Unlock()

	s.notifier.notify(appended)

	return appended, nil
}

func (s *inMemoryStore) Read(ctx context.Context, streamID StreamID, fromVersion uint64) (Cursor, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	stream := s.streams[streamID]

	if fromVersion >= uint64(len(stream)) {
		return &sliceCursor{}, nil
	}

	remaining := make([]Event, len(stream[fromVersion:]))
	copy(remaining, stream[fromVersion:])

	return &sliceCursor{events: remaining}, nil
}

func (s *inMemoryStore) ReadAll(ctx context.Context, fromSeq uint64) (Cursor, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var remaining []Event

	for _, ev := range s.globalLog {
		if ev.GlobalSeq > fromSeq {
			remaining = append(remaining, ev)
		}
	}

	return &sliceCursor{events: remaining}, nil
}

func (s *inMemoryStore) StreamVersion(ctx context.Context, streamID StreamID) (uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return uint64(len(s.streams[streamID])), nil
}

func (s *inMemoryStore) SubscribeAll(name string, handler EventHandler) {
	s.notifier.register(name, handler)
}

func (s *inMemoryStore) Close() error {
	s.notifier.stop()
	return nil
}

type sliceCursor struct {
	events  []Event
	current int
	started bool
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	if !c.started {
		c.started = true
	} else {
		c.current++
	}

	return c.current < len(c.events)
}

func (c *sliceCursor) Event() Event {
	return c.events[c.current]
}

func (c *sliceCursor) Err() error {
	return nil
}

func (c *sliceCursor) Close() error {
	return nil
}
