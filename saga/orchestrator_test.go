package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-conductor/conductor/breaker"
	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/saga"
	"github.com/go-conductor/conductor/saga/mutex"
	fakeClock "github.com/go-conductor/conductor/testing/clock"
	testLog "github.com/go-conductor/conductor/testing/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(t *testing.T, store eventstore.Store, registry *saga.Registry, opts ...saga.OrchestratorOption) *saga.Orchestrator {
	t.Helper()

	clock := fakeClock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	defaults := []saga.OrchestratorOption{
		saga.WithClock(clock),
		saga.WithJitter(breaker.NoJitter),
		saga.WithActionRetry(breaker.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond * 10, Multiplier: 2}),
	}

	return saga.NewOrchestrator(store, registry, breaker.NewRegistry(breaker.DefaultConfig, clock), testLog.NewTestLogger(), append(defaults, opts...)...)
}

func eventNames(t *testing.T, store eventstore.Store, sagaID string) []string {
	t.Helper()

	cursor, err := store.Read(context.Background(), saga.StreamOf(sagaID), 0)
	require.NoError(t, err)

	defer cursor.Close()

	var names []string

	for cursor.Next(context.Background()) {
		names = append(names, cursor.Event().Name)
	}

	require.NoError(t, cursor.Err())

	return names
}

func TestOrchestratorHappyPath(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	var chargeSawReservation interface{}

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return saga.Result{"reservation_id": "r-1"}, nil
				},
			},
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					if r, ok := execCtx.Result("reserve"); ok {
						chargeSawReservation = r["reservation_id"]
					}
					return saga.Result{"charge_id": "c-1"}, nil
				},
			},
			{
				Name: "ship",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return saga.Result{"tracking": "TRK-1"}, nil
				},
			},
		},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	sagaID, err := orchestrator.Start(context.Background(), "order", map[string]interface{}{"order_id": "o-1"})
	require.NoError(t, err)
	require.NotEmpty(t, sagaID)
	require.NoError(t, orchestrator.Wait())

	assert.Equal(t, []string{
		"sagas.SagaStarted",
		"sagas.StepCompleted",
		"sagas.StepCompleted",
		"sagas.StepCompleted",
		"sagas.SagaCompleted",
	}, eventNames(t, store, sagaID))

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, instance.Status)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, instance.CompletedSteps)
	assert.Equal(t, "r-1", chargeSawReservation, "later steps must see earlier results")
}

func TestOrchestratorCompensatesCompletedStepsOnly(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	var (
		mtx              sync.Mutex
		chargeAttempts   int
		compensated      []string
		shipActionCalled bool
	)

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return saga.Result{"reservation_id": "r-1"}, nil
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					mtx.Lock()
					compensated = append(compensated, "reserve")
					mtx.Unlock()
					return nil
				},
			},
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					mtx.Lock()
					chargeAttempts++
					mtx.Unlock()
					return nil, errors.New("gateway timeout")
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					mtx.Lock()
					compensated = append(compensated, "charge")
					mtx.Unlock()
					return nil
				},
			},
			{
				Name: "ship",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					mtx.Lock()
					shipActionCalled = true
					mtx.Unlock()
					return nil, nil
				},
			},
		},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	sagaID, err := orchestrator.Start(context.Background(), "order", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.Wait())

	assert.Equal(t, []string{
		"sagas.SagaStarted",
		"sagas.StepCompleted",
		"sagas.StepFailed",
		"sagas.CompensationCompleted",
		"sagas.SagaRolledBack",
	}, eventNames(t, store, sagaID))

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRolledBack, instance.Status)
	assert.Equal(t, "charge", instance.FailedStep)
	assert.Contains(t, instance.FailureReason, "gateway timeout")

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, 3, chargeAttempts, "transient failures retry up to the budget")
	assert.Equal(t, []string{"reserve"}, compensated, "the failed step itself is never compensated")
	assert.False(t, shipActionCalled, "steps after the failed one never run")
}

func TestOrchestratorDoesNotRetryPermanentFailures(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	attempts := 0

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					attempts++
					return nil, breaker.Permanent(errors.New("insufficient funds"))
				},
			},
		},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	sagaID, err := orchestrator.Start(context.Background(), "order", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.Wait())

	assert.Equal(t, 1, attempts)

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRolledBack, instance.Status)
	assert.Contains(t, instance.FailureReason, "insufficient funds")
}

func TestOrchestratorRecordsFailedCompensationAndKeepsUnwinding(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	var compensated []string

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return nil, nil
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					compensated = append(compensated, "reserve")
					return nil
				},
			},
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return nil, nil
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					return breaker.Permanent(errors.New("refund rejected"))
				},
			},
			{
				Name: "ship",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return nil, errors.New("no couriers")
				},
			},
		},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	sagaID, err := orchestrator.Start(context.Background(), "order", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.Wait())

	assert.Equal(t, []string{
		"sagas.SagaStarted",
		"sagas.StepCompleted",
		"sagas.StepCompleted",
		"sagas.StepFailed",
		"sagas.CompensationFailed",
		"sagas.CompensationCompleted",
		"sagas.SagaFailed",
	}, eventNames(t, store, sagaID))

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, instance.Status)
	assert.True(t, instance.CompensationFailed)
	assert.Equal(t, []string{"reserve"}, compensated, "the unwind continues past a failed compensation")
}

func TestOrchestratorStepWithoutCompensationUnwindsCleanly(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "audit",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return nil, nil
				},
			},
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					return nil, breaker.Permanent(errors.New("declined"))
				},
			},
		},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	sagaID, err := orchestrator.Start(context.Background(), "order", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.Wait())

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRolledBack, instance.Status)
	assert.True(t, instance.CompensatedSteps["audit"])
}

func TestOrchestratorStartValidation(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		ValidateInput: func(input map[string]interface{}) error {
			if _, ok := input["order_id"]; !ok {
				return errors.New("'order_id' is required")
			}
			return nil
		},
		Steps: []saga.Step{noopStep("reserve")},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	t.Run("unknown saga type", func(t *testing.T) {
		_, err := orchestrator.Start(context.Background(), "refund", nil)
		require.Error(t, err)
		assert.True(t, saga.IsUnknownSagaType(err))
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := orchestrator.Start(context.Background(), "order", map[string]interface{}{})
		require.Error(t, err)
		assert.True(t, saga.IsInvalidInput(err))
	})

	t.Run("rejected submissions leave no trace in the store", func(t *testing.T) {
		cursor, err := store.ReadAll(context.Background(), 0)
		require.NoError(t, err)

		defer cursor.Close()

		assert.False(t, cursor.Next(context.Background()))
	})
}

func TestOrchestratorResumeSkipsCompletedSteps(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	var (
		reserveCalls int
		chargeSaw    interface{}
	)

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					reserveCalls++
					return saga.Result{"reservation_id": "fresh"}, nil
				},
			},
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					r, _ := execCtx.Result("reserve")
					chargeSaw = r["reservation_id"]
					return nil, nil
				},
			},
		},
	}))

	// a previous run completed "reserve" and crashed before "charge"
	appendAll(t, store, "saga-1",
		&saga.SagaStarted{SagaID: "saga-1", SagaType: "order", Input: nil},
		&saga.StepCompleted{StepName: "reserve", Result: saga.Result{"reservation_id": "recorded"}, Attempts: 1},
	)

	orchestrator := newOrchestrator(t, store, registry)

	require.NoError(t, orchestrator.Resume(context.Background(), "saga-1"))
	require.NoError(t, orchestrator.Wait())

	assert.Equal(t, 0, reserveCalls, "completed steps are never re-executed")
	assert.Equal(t, "recorded", chargeSaw, "the recorded result is replayed, not recomputed")

	instance, err := saga.Replay(context.Background(), store, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, instance.Status)
}

func TestOrchestratorResumeTerminalSagaIsNoop(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	require.NoError(t, registry.Register(saga.Definition{Type: "order", Steps: []saga.Step{noopStep("reserve")}}))

	appendAll(t, store, "saga-1",
		&saga.SagaStarted{SagaID: "saga-1", SagaType: "order", Input: nil},
		&saga.StepCompleted{StepName: "reserve", Result: nil, Attempts: 1},
		&saga.SagaCompleted{},
	)

	orchestrator := newOrchestrator(t, store, registry)

	require.NoError(t, orchestrator.Resume(context.Background(), "saga-1"))
	require.NoError(t, orchestrator.Wait())

	names := eventNames(t, store, "saga-1")
	assert.Len(t, names, 3, "a finished saga must not grow new events")
}

func TestOrchestratorResumeUnknownSaga(t *testing.T) {
	store := newStore(t)
	orchestrator := newOrchestrator(t, store, saga.NewRegistry())

	require.Error(t, orchestrator.Resume(context.Background(), "missing"))
}

func TestOrchestratorCancelAtStepBoundary(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	reserveEntered := make(chan struct{})
	releaseReserve := make(chan struct{})

	var (
		mtx          sync.Mutex
		compensated  []string
		chargeCalled bool
	)

	require.NoError(t, registry.Register(saga.Definition{
		Type: "order",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					close(reserveEntered)
					<-releaseReserve
					return saga.Result{"reservation_id": "r-1"}, nil
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					mtx.Lock()
					compensated = append(compensated, "reserve")
					mtx.Unlock()
					return nil
				},
			},
			{
				Name: "charge",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					mtx.Lock()
					chargeCalled = true
					mtx.Unlock()
					return nil, nil
				},
			},
		},
	}))

	orchestrator := newOrchestrator(t, store, registry)

	sagaID, err := orchestrator.Start(context.Background(), "order", nil)
	require.NoError(t, err)

	<-reserveEntered
	require.NoError(t, orchestrator.Cancel(context.Background(), sagaID, "customer changed their mind"))
	close(releaseReserve)

	require.NoError(t, orchestrator.Wait())

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRolledBack, instance.Status)
	assert.True(t, instance.CancellationPending)
	assert.Equal(t, "customer changed their mind", instance.CancelReason)

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, []string{"reserve"}, compensated, "the in-flight step finishes and is then undone")
	assert.False(t, chargeCalled, "no further step starts after a cancellation")
}

func TestOrchestratorCancelErrors(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	require.NoError(t, registry.Register(saga.Definition{Type: "order", Steps: []saga.Step{noopStep("reserve")}}))

	orchestrator := newOrchestrator(t, store, registry)

	t.Run("unknown saga", func(t *testing.T) {
		require.Error(t, orchestrator.Cancel(context.Background(), "missing", ""))
	})

	t.Run("finished saga", func(t *testing.T) {
		sagaID, err := orchestrator.Start(context.Background(), "order", nil)
		require.NoError(t, err)
		require.NoError(t, orchestrator.Wait())

		err = orchestrator.Cancel(context.Background(), sagaID, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already finished")
	})

	t.Run("repeated cancel is idempotent", func(t *testing.T) {
		appendAll(t, store, "saga-c",
			&saga.SagaStarted{SagaID: "saga-c", SagaType: "order", Input: nil},
			&saga.CancellationRequested{Reason: "first"},
		)

		require.NoError(t, orchestrator.Cancel(context.Background(), "saga-c", "second"))

		instance, err := saga.Replay(context.Background(), store, "saga-c")
		require.NoError(t, err)
		assert.Equal(t, "first", instance.CancelReason, "the first request wins")
	})
}

func TestOrchestratorWithInProcessLocks(t *testing.T) {
	store := newStore(t)
	registry := saga.NewRegistry()

	require.NoError(t, registry.Register(saga.Definition{Type: "order", Steps: []saga.Step{noopStep("reserve"), noopStep("charge")}}))

	orchestrator := newOrchestrator(t, store, registry, saga.WithLocks(mutex.NewInProcessMutex()))

	sagaID, err := orchestrator.Start(context.Background(), "order", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.Wait())

	instance, err := saga.Replay(context.Background(), store, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, instance.Status)
}
