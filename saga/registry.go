package saga

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// UnknownSagaTypeError is returned when a submitted saga type was never registered
type UnknownSagaTypeError struct {
	SagaType string
}

func (e UnknownSagaTypeError) Error() string {
	return fmt.Sprintf("saga type '%s' is not registered", e.SagaType)
}

func IsUnknownSagaType(err error) bool {
	for err != nil {
		if _, ok := err.(UnknownSagaTypeError); ok {
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

// InvalidInputError is returned when a saga's input fails its declared validation.
// Such submissions are rejected before anything enters the event log.
type InvalidInputError struct {
	SagaType string
	Reason   error
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for saga type '%s': %s", e.SagaType, e.Reason)
}

func IsInvalidInput(err error) bool {
	for err != nil {
		if _, ok := err.(InvalidInputError); ok {
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

// Registry maps saga types to their definitions. It is filled at process start,
// registering after sagas started executing is a programming error.
type Registry struct {
	mtx         sync.RWMutex
	definitions map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return errors.Errorf("registering a saga definition without a type")
	}

	if len(def.Steps) == 0 {
		return errors.Errorf("saga type '%s' has no steps", def.Type)
	}

	names := make(map[string]struct{}, len(def.Steps))

	for i, step := range def.Steps {
		if step.Name == "" {
			return errors.Errorf("saga type '%s': step %d has no name", def.Type, i)
		}

		if step.Action == nil {
			return errors.Errorf("saga type '%s': step '%s' has no action", def.Type, step.Name)
		}

		if _, exists := names[step.Name]; exists {
			return errors.Errorf("saga type '%s': duplicated step name '%s'", def.Type, step.Name)
		}

		names[step.Name] = struct{}{}
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, exists := r.definitions[def.Type]; exists {
		return errors.Errorf("saga type '%s' is already registered", def.Type)
	}

	r.definitions[def.Type] = def

	return nil
}

func (r *Registry) Definition(sagaType string) (Definition, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	def, exists := r.definitions[sagaType]

	if !exists {
		return Definition{}, errors.WithStack(UnknownSagaTypeError{SagaType: sagaType})
	}

	return def, nil
}

func (r *Registry) Types() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	types := make([]string, 0, len(r.definitions))

	for t := range r.definitions {
		types = append(types, t)
	}

	return types
}
