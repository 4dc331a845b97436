package saga

import (
	"context"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/projection"
	"github.com/go-conductor/conductor/runtime/scheme"
)

// StatusModel is the read model fed by StatusProjection, one row per saga keyed by
// saga id
const StatusModel = "saga_status"

// NewStatusProjection projects saga lifecycle events into a queryable list of sagas
// with their current status. The row is upserted under the saga id, so redelivered
// events just overwrite it with the same data.
func NewStatusProjection() projection.Projection {
	return &statusProjection{}
}

type statusProjection struct{}

func (p statusProjection) Name() string {
	return "saga_status_projection"
}

func (p statusProjection) Models() []string {
	return []string{StatusModel}
}

func (p statusProjection) Handlers() map[string]projection.Handler {
	return map[string]projection.Handler{
		kindOf(&SagaStarted{}):           p.onStarted,
		kindOf(&StepCompleted{}):         p.onStepCompleted,
		kindOf(&StepFailed{}):            p.onStepFailed,
		kindOf(&CancellationRequested{}): p.onCancellationRequested,
		kindOf(&SagaCompleted{}):         p.statusSetter(StatusCompleted),
		kindOf(&SagaRolledBack{}):        p.statusSetter(StatusRolledBack),
		kindOf(&SagaFailed{}):            p.statusSetter(StatusFailed),
	}
}

func (p statusProjection) onStarted(ctx context.Context, store projection.Store, event eventstore.Event) error {
	started := event.Payload.(*SagaStarted)

	return store.Upsert(ctx, StatusModel, started.SagaID, projection.Row{
		"saga_id":         started.SagaID,
		"saga_type":       started.SagaType,
		"status":          StatusRunning.String(),
		"completed_steps": float64(0),
		"updated_at":      event.CreatedAt,
	})
}

func (p statusProjection) onStepCompleted(ctx context.Context, store projection.Store, event eventstore.Event) error {
	completed := event.Payload.(*StepCompleted)

	return p.update(ctx, store, event, func(row projection.Row) {
		row["last_completed_step"] = completed.StepName
		row["completed_steps"] = countOf(row["completed_steps"]) + 1
	})
}

func (p statusProjection) onStepFailed(ctx context.Context, store projection.Store, event eventstore.Event) error {
	failed := event.Payload.(*StepFailed)

	return p.update(ctx, store, event, func(row projection.Row) {
		row["status"] = StatusCompensating.String()
		row["failed_step"] = failed.StepName
		row["failure_reason"] = failed.Reason
	})
}

func (p statusProjection) onCancellationRequested(ctx context.Context, store projection.Store, event eventstore.Event) error {
	return p.update(ctx, store, event, func(row projection.Row) {
		row["status"] = StatusCompensating.String()
		row["cancellation_requested"] = true
	})
}

func (p statusProjection) statusSetter(status Status) projection.Handler {
	return func(ctx context.Context, store projection.Store, event eventstore.Event) error {
		return p.update(ctx, store, event, func(row projection.Row) {
			row["status"] = status.String()
		})
	}
}

func (p statusProjection) update(ctx context.Context, store projection.Store, event eventstore.Event, mutate func(row projection.Row)) error {
	sagaID := sagaIDOf(event.StreamID)

	row, err := store.Get(ctx, StatusModel, sagaID)

	if err != nil {
		if projection.IsRowNotFound(err) {
			// SagaStarted wasn't projected, e.g. the model was truncated mid-replay
			row = projection.Row{"saga_id": sagaID}
		} else {
			return err
		}
	}

	mutate(row)
	row["updated_at"] = event.CreatedAt

	return store.Upsert(ctx, StatusModel, sagaID, row)
}

func sagaIDOf(streamID eventstore.StreamID) string {
	s := streamID.String()

	if len(s) > len(streamCategory)+1 {
		return s[len(streamCategory)+1:]
	}

	return s
}

func kindOf(obj scheme.Object) string {
	return scheme.GroupKind{Group: Group, Kind: scheme.GetStructType(obj).Name()}.String()
}

func countOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
