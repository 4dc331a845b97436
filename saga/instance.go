package saga

import (
	"context"
	"time"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/pkg/errors"
)

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusRolledBack   Status = "rolled_back"
	StatusFailed       Status = "failed"
)

type Status string

func (s Status) Running() bool {
	return s == StatusRunning
}

func (s Status) Compensating() bool {
	return s == StatusCompensating
}

// Terminal reports whether the saga reached one of its final states
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// Instance is the state of one saga derived purely by replaying its stream. It is
// never stored on its own, the event log is the only durable form. Folding the same
// stream always yields the same Instance.
type Instance struct {
	SagaID   string
	SagaType string
	Status   Status

	// CurrentStep indexes the next step to execute
	CurrentStep int
	Input       map[string]interface{}
	StepResults map[string]Result
	// CompletedSteps holds step names in completion order, compensation walks it backwards
	CompletedSteps []string
	// CompensatedSteps holds steps already undone, cleanly or not
	CompensatedSteps    map[string]bool
	CompensationFailed  bool
	CancellationPending bool
	CancelReason        string
	FailedStep          string
	FailureReason       string

	StartedAt time.Time
	UpdatedAt time.Time

	// Version is the stream version this view is folded up to, used as the
	// expected version on the next append
	Version uint64
}

func newInstance(sagaID string) *Instance {
	return &Instance{
		SagaID:           sagaID,
		Status:           StatusPending,
		StepResults:      make(map[string]Result),
		CompensatedSteps: make(map[string]bool),
	}
}

// Replay folds the saga's stream into an Instance. fromVersion 0 reads the whole
// stream, replay of the same events is deterministic.
func Replay(ctx context.Context, store eventstore.Store, sagaID string) (*Instance, error) {
	cursor, err := store.Read(ctx, StreamOf(sagaID), 0)

	if err != nil {
		return nil, errors.Wrapf(err, "reading stream of saga %s", sagaID)
	}

	defer cursor.Close()

	instance := newInstance(sagaID)

	for cursor.Next(ctx) {
		if err := instance.apply(cursor.Event()); err != nil {
			return nil, errors.Wrapf(err, "replaying saga %s", sagaID)
		}
	}

	if err := cursor.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterating stream of saga %s", sagaID)
	}

	if instance.Version == 0 {
		return nil, nil
	}

	return instance, nil
}

func (i *Instance) apply(ev eventstore.Event) error {
	switch payload := ev.Payload.(type) {
	case *SagaStarted:
		i.SagaType = payload.SagaType
		i.Input = payload.Input
		i.Status = StatusRunning
		i.StartedAt = ev.CreatedAt
	case *StepCompleted:
		i.StepResults[payload.StepName] = payload.Result
		i.CompletedSteps = append(i.CompletedSteps, payload.StepName)
		i.CurrentStep++
	case *StepFailed:
		i.Status = StatusCompensating
		i.FailedStep = payload.StepName
		i.FailureReason = payload.Reason
	case *CancellationRequested:
		i.CancellationPending = true
		i.CancelReason = payload.Reason
		if i.Status == StatusRunning {
			i.Status = StatusCompensating
		}
	case *CompensationCompleted:
		i.CompensatedSteps[payload.StepName] = true
	case *CompensationFailed:
		i.CompensatedSteps[payload.StepName] = true
		i.CompensationFailed = true
	case *SagaCompleted:
		i.Status = StatusCompleted
	case *SagaRolledBack:
		i.Status = StatusRolledBack
	case *SagaFailed:
		i.Status = StatusFailed
		if payload.Reason != "" {
			i.FailureReason = payload.Reason
		}
	default:
		return errors.Errorf("unknown event %s (v%d) in saga stream", ev.Name, ev.Version)
	}

	i.UpdatedAt = ev.CreatedAt
	i.Version = ev.Version

	return nil
}
