package mutex

import (
	"context"
	"sync"
)

type MutexErr struct {
	error
}

func WithMutexErr(err error) error {
	return MutexErr{err}
}

// Lock is a held per-saga lock
type Lock interface {
	Release(ctx context.Context) error
}

// Mutex guarantees that a single orchestrator drives a saga at a time. SQL backed
// implementations extend the guarantee across processes.
type Mutex interface {
	Lock(ctx context.Context, sagaID string) (Lock, error)
}

// NewInProcessMutex returns a Mutex scoped to this process, enough when a single
// orchestrator instance owns the store
func NewInProcessMutex() Mutex {
	return &inProcessMutex{locks: make(map[string]chan struct{})}
}

type inProcessMutex struct {
	mtx   sync.Mutex
	locks map[string]chan struct{}
}

func (m *inProcessMutex) Lock(ctx context.Context, sagaID string) (Lock, error) {
	m.mtx.Lock()
	ch, exists := m.locks[sagaID]
	if !exists {
		ch = make(chan struct{}, 1)
		m.locks[sagaID] = ch
	}
	m.mtx.Unlock()

	select {
	case <-ctx.Done():
		return nil, WithMutexErr(ctx.Err())
	case ch <- struct{}{}:
		return &inProcessLock{ch: ch}, nil
	}
}

type inProcessLock struct {
	ch chan struct{}
}

func (l *inProcessLock) Release(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	default:
		return WithMutexErr(errorReleasedTwice)
	}
}
