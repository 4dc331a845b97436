package projection

import (
	"context"
	"fmt"
	"sync"
)

// Row is one denormalized read model record
type Row map[string]interface{}

// RowNotFoundError is returned when a read model has no row under the key
type RowNotFoundError struct {
	Model string
	Key   string
}

func (e RowNotFoundError) Error() string {
	return fmt.Sprintf("read model '%s' has no row '%s'", e.Model, e.Key)
}

func IsRowNotFound(err error) bool {
	for err != nil {
		if _, ok := err.(RowNotFoundError); ok {
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

// Store keeps named read models and per-projection checkpoints. Read models are
// disposable, Truncate plus replay rebuilds them from nothing but the event log.
// Handlers upsert by a deterministic key, so redelivered events are harmless.
type Store interface {
	Upsert(ctx context.Context, model, key string, row Row) error
	Get(ctx context.Context, model, key string) (Row, error)
	List(ctx context.Context, model string) (map[string]Row, error)
	Delete(ctx context.Context, model, key string) error
	Truncate(ctx context.Context, model string) error

	// Checkpoint returns the global sequence the projection processed up to, 0 when unknown.
	// The subscriber owns its position, the event store knows nothing about it.
	Checkpoint(ctx context.Context, projectionName string) (uint64, error)
	SaveCheckpoint(ctx context.Context, projectionName string, seq uint64) error
}

// NewInMemoryStore returns a Store for tests and single-process setups
func NewInMemoryStore() Store {
	return &inMemoryStore{
		models:      make(map[string]map[string]Row),
		checkpoints: make(map[string]uint64),
	}
}

type inMemoryStore struct {
	mtx         sync.RWMutex
	models      map[string]map[string]Row
	checkpoints map[string]uint64
}

func (s *inMemoryStore) Upsert(ctx context.Context, model, key string, row Row) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rows, exists := s.models[model]

	if !exists {
		rows = make(map[string]Row)
		s.models[model] = rows
	}

	copied := make(Row, len(row))
	for k, v := range row {
		copied[k] = v
	}

	rows[key] = copied

	return nil
}

func (s *inMemoryStore) Get(ctx context.Context, model, key string) (Row, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	row, exists := s.models[model][key]

	if !exists {
		return nil, RowNotFoundError{Model: model, Key: key}
	}

	copied := make(Row, len(row))
	for k, v := range row {
		copied[k] = v
	}

	return copied, nil
}

func (s *inMemoryStore) List(ctx context.Context, model string) (map[string]Row, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	rows := make(map[string]Row, len(s.models[model]))

	for key, row := range s.models[model] {
		copied := make(Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		rows[key] = copied
	}

	return rows, nil
}

func (s *inMemoryStore) Delete(ctx context.Context, model, key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.models[model], key)

	return nil
}

func (s *inMemoryStore) Truncate(ctx context.Context, model string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.models, model)

	return nil
}

func (s *inMemoryStore) Checkpoint(ctx context.Context, projectionName string) (uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.checkpoints[projectionName], nil
}

func (s *inMemoryStore) SaveCheckpoint(ctx context.Context, projectionName string, seq uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.checkpoints[projectionName] = seq

	return nil
}
