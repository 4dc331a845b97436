package saga

import (
	"context"
	"fmt"

	"github.com/go-conductor/conductor/log"
)

// Result is the JSON-compatible outcome of a step, made available to later steps
// and to compensations
type Result map[string]interface{}

// ExecutionContext is handed to step actions and compensations. It exposes the saga's
// input and everything earlier steps produced. Steps must be retriable against the
// external system, IdempotencyKey gives them a deterministic key for that.
type ExecutionContext interface {
	SagaID() string
	SagaType() string
	Input() map[string]interface{}
	StepResults() map[string]Result
	Result(stepName string) (Result, bool)
	// IdempotencyKey is stable across retries and restarts for a given saga and step
	IdempotencyKey(stepName string) string
	Logger() log.Logger
}

// ActionFunc performs a step's forward operation. Returning an error wrapped with
// breaker.Permanent marks a business rejection which is never retried and goes
// straight to compensation.
type ActionFunc func(ctx context.Context, execCtx ExecutionContext) (Result, error)

// CompensationFunc semantically undoes a previously successful action
type CompensationFunc func(ctx context.Context, execCtx ExecutionContext) error

// Step pairs a forward action with its compensation. Compensation may be nil for
// steps with nothing to undo.
type Step struct {
	Name         string
	Action       ActionFunc
	Compensation CompensationFunc
}

// Definition is the static description of a saga type: an ordered list of steps and
// an optional input validator. Definitions are registered once at startup and never
// change during a saga's execution.
type Definition struct {
	Type          string
	Steps         []Step
	ValidateInput func(input map[string]interface{}) error
}

func newExecutionContext(instance *Instance, logger log.Logger) ExecutionContext {
	return &executionContext{instance: instance, logger: logger}
}

type executionContext struct {
	instance *Instance
	logger   log.Logger
}

func (c executionContext) SagaID() string {
	return c.instance.SagaID
}

func (c executionContext) SagaType() string {
	return c.instance.SagaType
}

func (c executionContext) Input() map[string]interface{} {
	return c.instance.Input
}

func (c executionContext) StepResults() map[string]Result {
	return c.instance.StepResults
}

func (c executionContext) Result(stepName string) (Result, bool) {
	r, exists := c.instance.StepResults[stepName]
	return r, exists
}

func (c executionContext) IdempotencyKey(stepName string) string {
	return fmt.Sprintf("%s/%s", c.instance.SagaID, stepName)
}

func (c executionContext) Logger() log.Logger {
	return c.logger
}
