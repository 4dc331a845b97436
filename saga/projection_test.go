package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-conductor/conductor/projection"
	"github.com/go-conductor/conductor/saga"
	testLog "github.com/go-conductor/conductor/testing/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusProjectionTracksLifecycle(t *testing.T) {
	store := newStore(t)
	models := projection.NewInMemoryStore()
	manager := projection.NewManager(store, models, testLog.NewTestLogger())

	require.NoError(t, manager.Register(saga.NewStatusProjection()))

	appendAll(t, store, "saga-1",
		&saga.SagaStarted{SagaID: "saga-1", SagaType: "order", Input: nil},
		&saga.StepCompleted{StepName: "reserve", Result: nil, Attempts: 1},
		&saga.StepCompleted{StepName: "charge", Result: nil, Attempts: 1},
		&saga.SagaCompleted{},
	)

	appendAll(t, store, "saga-2",
		&saga.SagaStarted{SagaID: "saga-2", SagaType: "order", Input: nil},
		&saga.StepCompleted{StepName: "reserve", Result: nil, Attempts: 1},
		&saga.StepFailed{StepName: "charge", Reason: "card declined", Attempts: 3},
		&saga.CompensationCompleted{StepName: "reserve"},
		&saga.SagaRolledBack{},
	)

	require.NoError(t, manager.Start(context.Background()))

	completed, err := models.Get(context.Background(), saga.StatusModel, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", completed["status"])
	assert.Equal(t, "order", completed["saga_type"])
	assert.Equal(t, 2.0, completed["completed_steps"])
	assert.Equal(t, "charge", completed["last_completed_step"])

	rolledBack, err := models.Get(context.Background(), saga.StatusModel, "saga-2")
	require.NoError(t, err)
	assert.Equal(t, "rolled_back", rolledBack["status"])
	assert.Equal(t, "charge", rolledBack["failed_step"])
	assert.Equal(t, "card declined", rolledBack["failure_reason"])

	t.Run("live events update the model", func(t *testing.T) {
		appendAll(t, store, "saga-3",
			&saga.SagaStarted{SagaID: "saga-3", SagaType: "order", Input: nil},
			&saga.CancellationRequested{Reason: "operator"},
		)

		assert.Eventually(t, func() bool {
			row, err := models.Get(context.Background(), saga.StatusModel, "saga-3")
			return err == nil && row["status"] == "compensating" && row["cancellation_requested"] == true
		}, time.Second*3, time.Millisecond*10)
	})
}

func TestStatusProjectionRebuild(t *testing.T) {
	store := newStore(t)
	models := projection.NewInMemoryStore()
	manager := projection.NewManager(store, models, testLog.NewTestLogger())

	require.NoError(t, manager.Register(saga.NewStatusProjection()))

	appendAll(t, store, "saga-1",
		&saga.SagaStarted{SagaID: "saga-1", SagaType: "order", Input: nil},
		&saga.StepCompleted{StepName: "reserve", Result: nil, Attempts: 1},
		&saga.SagaCompleted{},
	)

	require.NoError(t, manager.Start(context.Background()))

	incremental, err := models.List(context.Background(), saga.StatusModel)
	require.NoError(t, err)
	require.Len(t, incremental, 1)

	require.NoError(t, manager.Rebuild(context.Background(), "saga_status_projection"))

	rebuilt, err := models.List(context.Background(), saga.StatusModel)
	require.NoError(t, err)
	assert.Equal(t, incremental, rebuilt)
}
