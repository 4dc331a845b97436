package saga

import (
	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/runtime/scheme"
)

// Group is the scheme group of all saga lifecycle event payloads
const Group scheme.Group = "sagas"

const streamCategory = "saga"

// StreamOf returns the event stream holding the whole history of one saga
func StreamOf(sagaID string) eventstore.StreamID {
	return eventstore.StreamIDOf(streamCategory, sagaID)
}

// SagaStarted opens a saga's stream and is always its first event
type SagaStarted struct {
	scheme.TypeMeta
	SagaID   string                 `json:"saga_id"`
	SagaType string                 `json:"saga_type"`
	Input    map[string]interface{} `json:"input"`
}

// StepCompleted records a successful action together with its result, which later
// steps and the step's own compensation read back
type StepCompleted struct {
	scheme.TypeMeta
	StepName string `json:"step_name"`
	Result   Result `json:"result"`
	Attempts uint   `json:"attempts"`
}

// StepFailed records an action that gave up after exhausting its retry budget and
// switches the saga to compensating
type StepFailed struct {
	scheme.TypeMeta
	StepName string `json:"step_name"`
	Reason   string `json:"reason"`
	Attempts uint   `json:"attempts"`
}

// CancellationRequested is appended from outside a running saga. The orchestrator
// honors it at the next step boundary, never mid-action.
type CancellationRequested struct {
	scheme.TypeMeta
	Reason string `json:"reason"`
}

// CompensationCompleted records a clean undo of one previously completed step
type CompensationCompleted struct {
	scheme.TypeMeta
	StepName string `json:"step_name"`
}

// CompensationFailed records an undo that gave up. The unwind continues past it,
// the saga ends Failed so an operator knows remediation is needed.
type CompensationFailed struct {
	scheme.TypeMeta
	StepName string `json:"step_name"`
	Reason   string `json:"reason"`
}

// SagaCompleted terminates a saga whose every step succeeded
type SagaCompleted struct {
	scheme.TypeMeta
}

// SagaRolledBack terminates a compensated saga whose unwind was clean
type SagaRolledBack struct {
	scheme.TypeMeta
}

// SagaFailed terminates a compensated saga with at least one failed compensation
type SagaFailed struct {
	scheme.TypeMeta
	Reason string `json:"reason"`
}

// RegisterEventTypes makes all saga lifecycle payloads known to the scheme so the
// event store codec can decode them
func RegisterEventTypes(registry scheme.KnownTypesRegistry) {
	registry.AddKnownTypes(
		Group,
		&SagaStarted{},
		&StepCompleted{},
		&StepFailed{},
		&CancellationRequested{},
		&CompensationCompleted{},
		&CompensationFailed{},
		&SagaCompleted{},
		&SagaRolledBack{},
		&SagaFailed{},
	)
}
