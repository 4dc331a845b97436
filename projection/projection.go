package projection

import (
	"context"
	"sync"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/log"
	"github.com/pkg/errors"
)

// Handler applies one event to a read model. Delivery is at-least-once, handlers
// must be idempotent, e.g. by upserting under a key derived from the event.
type Handler func(ctx context.Context, store Store, event eventstore.Event) error

// Projection derives one or more read models from the event stream. Handlers are
// keyed by event name (scheme group.Kind), events of other kinds are skipped but
// still advance the checkpoint.
type Projection interface {
	Name() string
	// Models lists the read models this projection owns, Rebuild truncates them
	Models() []string
	Handlers() map[string]Handler
}

// Manager runs projections against the event store. Each projection is a single
// writer over its read models: its events are applied serially, first by catching
// up from its persisted checkpoint, then live from the store subscription.
type Manager struct {
	store  eventstore.Store
	models Store
	logger log.Logger

	mtx         sync.Mutex
	projections map[string]*runningProjection
	started     bool
}

type runningProjection struct {
	projection Projection
	handlers   map[string]Handler

	mtx        sync.Mutex
	checkpoint uint64
}

func NewManager(store eventstore.Store, models Store, logger log.Logger) *Manager {
	return &Manager{
		store:       store,
		models:      models,
		logger:      logger,
		projections: make(map[string]*runningProjection),
	}
}

// Register adds a projection, must happen before Start
func (m *Manager) Register(projection Projection) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.started {
		return errors.Errorf("registering projection '%s' after the manager started", projection.Name())
	}

	if _, exists := m.projections[projection.Name()]; exists {
		return errors.Errorf("projection '%s' is already registered", projection.Name())
	}

	m.projections[projection.Name()] = &runningProjection{projection: projection, handlers: projection.Handlers()}

	return nil
}

// Store exposes the read model store for queries. Read models are eventually
// consistent with the event log, there is no hard staleness bound.
func (m *Manager) Store() Store {
	return m.models
}

// Start catches every projection up from its checkpoint and subscribes it to the
// store for live events. Safe to call after a crash: the checkpoint marks where to
// resume and already applied events are skipped by sequence.
func (m *Manager) Start(ctx context.Context) error {
	m.mtx.Lock()

	if m.started {
		m.mtx.Unlock()
		return errors.New("projection manager is already started")
	}

	m.started = true
	projections := make([]*runningProjection, 0, len(m.projections))

	for _, rp := range m.projections {
		projections = append(projections, rp)
	}

	m.mtx.Unlock()

	for _, rp := range projections {
		seq, err := m.models.Checkpoint(ctx, rp.projection.Name())

		if err != nil {
			return err
		}

		rp.checkpoint = seq

		if err := m.catchUp(ctx, rp); err != nil {
			return errors.Wrapf(err, "catching projection '%s' up", rp.projection.Name())
		}

		m.subscribe(rp)
	}

	return nil
}

// Rebuild reconstructs a projection's read models from nothing but the event log.
// Its models are truncated, the checkpoint reset and the whole history replayed.
func (m *Manager) Rebuild(ctx context.Context, projectionName string) error {
	m.mtx.Lock()
	rp, exists := m.projections[projectionName]
	m.mtx.Unlock()

	if !exists {
		return errors.Errorf("projection '%s' is not registered", projectionName)
	}

	rp.mtx.Lock()
	defer rp.mtx.Unlock()

	for _, model := range rp.projection.Models() {
		if err := m.models.Truncate(ctx, model); err != nil {
			return err
		}
	}

	rp.checkpoint = 0

	if err := m.models.SaveCheckpoint(ctx, projectionName, 0); err != nil {
		return err
	}

	return m.replayLocked(ctx, rp)
}

func (m *Manager) catchUp(ctx context.Context, rp *runningProjection) error {
	rp.mtx.Lock()
	defer rp.mtx.Unlock()

	return m.replayLocked(ctx, rp)
}

func (m *Manager) replayLocked(ctx context.Context, rp *runningProjection) error {
	cursor, err := m.store.ReadAll(ctx, rp.checkpoint)

	if err != nil {
		return err
	}

	defer cursor.Close()

	for cursor.Next(ctx) {
		if err := m.applyLocked(ctx, rp, cursor.Event()); err != nil {
			return err
		}
	}

	return cursor.Err()
}

func (m *Manager) subscribe(rp *runningProjection) {
	m.store.SubscribeAll(rp.projection.Name(), func(event eventstore.Event) error {
		rp.mtx.Lock()
		defer rp.mtx.Unlock()

		// seen during catch-up already
		if event.GlobalSeq <= rp.checkpoint {
			return nil
		}

		return m.applyLocked(context.Background(), rp, event)
	})
}

func (m *Manager) applyLocked(ctx context.Context, rp *runningProjection, event eventstore.Event) error {
	if handler, exists := rp.handlers[event.Name]; exists {
		if err := handler(ctx, m.models, event); err != nil {
			return errors.Wrapf(err, "projection '%s' handling event %s (stream %s, v%d)", rp.projection.Name(), event.UID, event.StreamID, event.Version)
		}
	}

	rp.checkpoint = event.GlobalSeq

	return m.models.SaveCheckpoint(ctx, rp.projection.Name(), event.GlobalSeq)
}
