package sagas

import (
	"context"
	"net/http"
	"time"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/projection"
	"github.com/go-conductor/conductor/saga"
	"github.com/pkg/errors"
)

//go:generate mockgen --build_flags=--mod=mod -destination ./mock_test.go -package sagas . SagaService

// SagaView is the externally visible state of one saga, reconstructed by replaying
// its stream
type SagaView struct {
	SagaUID               string                 `json:"saga_uid"`
	SagaType              string                 `json:"saga_type"`
	Status                string                 `json:"status"`
	CurrentStep           int                    `json:"current_step"`
	CompletedSteps        []string               `json:"completed_steps"`
	StepResults           map[string]saga.Result `json:"step_results"`
	FailedStep            string                 `json:"failed_step,omitempty"`
	FailureReason         string                 `json:"failure_reason,omitempty"`
	CancellationRequested bool                   `json:"cancellation_requested,omitempty"`
	StartedAt             time.Time              `json:"started_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	Version               uint64                 `json:"version"`
}

// SagaService is the command/query surface of the engine. Submit never waits for
// the saga to finish, read models served by Query are eventually consistent.
type SagaService interface {
	Submit(ctx context.Context, sagaType string, input map[string]interface{}) (string, error)
	GetStatus(ctx context.Context, sagaID string) (*SagaView, error)
	Cancel(ctx context.Context, sagaID string, reason string) error
	Query(ctx context.Context, model string) (map[string]projection.Row, error)
	QueryRow(ctx context.Context, model, key string) (projection.Row, error)
}

func NewSagaService(orchestrator *saga.Orchestrator, store eventstore.Store, models projection.Store) SagaService {
	return &sagaService{orchestrator: orchestrator, store: store, models: models}
}

type sagaService struct {
	orchestrator *saga.Orchestrator
	store        eventstore.Store
	models       projection.Store
}

func (s sagaService) Submit(ctx context.Context, sagaType string, input map[string]interface{}) (string, error) {
	sagaID, err := s.orchestrator.Start(ctx, sagaType, input)

	if err != nil {
		if saga.IsUnknownSagaType(err) || saga.IsInvalidInput(err) {
			return "", NewResponseError(http.StatusBadRequest, err)
		}

		return "", errors.Wrapf(err, "submitting saga of type '%s'", sagaType)
	}

	return sagaID, nil
}

func (s sagaService) GetStatus(ctx context.Context, sagaID string) (*SagaView, error) {
	instance, err := saga.Replay(ctx, s.store, sagaID)

	if err != nil {
		return nil, errors.Wrapf(err, "loading saga '%s'", sagaID)
	}

	if instance == nil {
		return nil, NewResponseError(http.StatusNotFound, errors.Errorf("saga '%s' not found", sagaID))
	}

	return &SagaView{
		SagaUID:               instance.SagaID,
		SagaType:              instance.SagaType,
		Status:                instance.Status.String(),
		CurrentStep:           instance.CurrentStep,
		CompletedSteps:        instance.CompletedSteps,
		StepResults:           instance.StepResults,
		FailedStep:            instance.FailedStep,
		FailureReason:         instance.FailureReason,
		CancellationRequested: instance.CancellationPending,
		StartedAt:             instance.StartedAt,
		UpdatedAt:             instance.UpdatedAt,
		Version:               instance.Version,
	}, nil
}

func (s sagaService) Cancel(ctx context.Context, sagaID string, reason string) error {
	if err := s.orchestrator.Cancel(ctx, sagaID, reason); err != nil {
		return errors.Wrapf(err, "cancelling saga '%s'", sagaID)
	}

	return nil
}

func (s sagaService) Query(ctx context.Context, model string) (map[string]projection.Row, error) {
	rows, err := s.models.List(ctx, model)

	if err != nil {
		return nil, errors.Wrapf(err, "querying read model '%s'", model)
	}

	return rows, nil
}

func (s sagaService) QueryRow(ctx context.Context, model, key string) (projection.Row, error) {
	row, err := s.models.Get(ctx, model, key)

	if err != nil {
		if projection.IsRowNotFound(err) {
			return nil, NewResponseError(http.StatusNotFound, err)
		}

		return nil, errors.Wrapf(err, "querying read model '%s'", model)
	}

	return row, nil
}
