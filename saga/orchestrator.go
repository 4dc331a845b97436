package saga

import (
	"context"
	"fmt"

	"github.com/go-conductor/conductor/breaker"
	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/go-conductor/conductor/saga/mutex"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const versionConflictRetries = 3

// OrchestratorOption configures optional orchestrator behavior
type OrchestratorOption func(o *orchestratorOpts)

type orchestratorOpts struct {
	clock              Clock
	jitter             breaker.Jitter
	actionRetry        *breaker.RetryConfig
	compensationRetry  *breaker.RetryConfig
	locks              mutex.Mutex
	maxConcurrentSagas int
}

type Clock = breaker.Clock

// WithClock injects a clock, tests use a fake one for deterministic backoff
func WithClock(clock Clock) OrchestratorOption {
	return func(o *orchestratorOpts) {
		o.clock = clock
	}
}

// WithJitter injects the backoff jitter source
func WithJitter(jitter breaker.Jitter) OrchestratorOption {
	return func(o *orchestratorOpts) {
		o.jitter = jitter
	}
}

// WithActionRetry bounds retries of step actions
func WithActionRetry(cfg breaker.RetryConfig) OrchestratorOption {
	return func(o *orchestratorOpts) {
		o.actionRetry = &cfg
	}
}

// WithCompensationRetry bounds retries of compensations before CompensationFailed is
// recorded. Defaults to the action policy.
func WithCompensationRetry(cfg breaker.RetryConfig) OrchestratorOption {
	return func(o *orchestratorOpts) {
		o.compensationRetry = &cfg
	}
}

// WithLocks makes the orchestrator take a per-saga lock around every run, use a SQL
// mutex when several processes share the store
func WithLocks(locks mutex.Mutex) OrchestratorOption {
	return func(o *orchestratorOpts) {
		o.locks = locks
	}
}

// WithMaxConcurrentSagas caps how many sagas execute in parallel
func WithMaxConcurrentSagas(limit int) OrchestratorOption {
	return func(o *orchestratorOpts) {
		o.maxConcurrentSagas = limit
	}
}

// Orchestrator drives saga instances through their steps. Every transition is
// appended to the event store before it is treated as happened, so a crashed
// orchestrator resumes exactly where the log ends: completed steps are never
// re-executed, their recorded results are replayed instead.
//
// Each saga runs on its own goroutine, steps within one saga are strictly
// sequential. On a step failure the completed steps are compensated in reverse
// order, a failing compensation is recorded and skipped, never blocking the rest
// of the unwind.
type Orchestrator struct {
	store     eventstore.Store
	registry  *Registry
	guard     *breaker.Guard
	compGuard *breaker.Guard
	locks     mutex.Mutex
	logger    log.Logger
	group     *errgroup.Group
}

func NewOrchestrator(store eventstore.Store, registry *Registry, breakers *breaker.Registry, logger log.Logger, options ...OrchestratorOption) *Orchestrator {
	opts := &orchestratorOpts{}

	for _, o := range options {
		o(opts)
	}

	if opts.clock == nil {
		opts.clock = breaker.NewClock()
	}

	if opts.jitter == nil {
		opts.jitter = breaker.DefaultJitter
	}

	actionRetry := breaker.DefaultRetryConfig

	if opts.actionRetry != nil {
		actionRetry = *opts.actionRetry
	}

	compensationRetry := actionRetry

	if opts.compensationRetry != nil {
		compensationRetry = *opts.compensationRetry
	}

	if opts.maxConcurrentSagas <= 0 {
		opts.maxConcurrentSagas = 64
	}

	group := &errgroup.Group{}
	group.SetLimit(opts.maxConcurrentSagas)

	return &Orchestrator{
		store:     store,
		registry:  registry,
		guard:     breaker.NewGuard(breakers, actionRetry, opts.clock, opts.jitter),
		compGuard: breaker.NewGuard(breakers, compensationRetry, opts.clock, opts.jitter),
		locks:     opts.locks,
		logger:    logger,
		group:     group,
	}
}

// Start validates the submission, appends SagaStarted and schedules execution.
// It never waits for the saga to finish, outcomes are observed via status queries.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, input map[string]interface{}) (string, error) {
	def, err := o.registry.Definition(sagaType)

	if err != nil {
		return "", err
	}

	if def.ValidateInput != nil {
		if vErr := def.ValidateInput(input); vErr != nil {
			return "", errors.WithStack(InvalidInputError{SagaType: sagaType, Reason: vErr})
		}
	}

	sagaID := uuid.New().String()

	_, err = o.store.Append(ctx, StreamOf(sagaID), 0, &SagaStarted{SagaID: sagaID, SagaType: sagaType, Input: input})

	if err != nil {
		return "", errors.Wrapf(err, "starting saga %s of type %s", sagaID, sagaType)
	}

	o.schedule(sagaID)

	return sagaID, nil
}

// Resume picks up a saga whose run was interrupted, e.g. by a crash. Replaying the
// stream restores the exact position, already completed steps are skipped.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) error {
	instance, err := Replay(ctx, o.store, sagaID)

	if err != nil {
		return err
	}

	if instance == nil {
		return errors.Errorf("saga %s not found", sagaID)
	}

	if instance.Status.Terminal() {
		return nil
	}

	o.schedule(sagaID)

	return nil
}

// Cancel appends a CancellationRequested event. The running saga honors it at its
// next step boundary and compensates, an in-flight external call is never interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string, reason string) error {
	for attempt := 0; attempt < versionConflictRetries; attempt++ {
		instance, err := Replay(ctx, o.store, sagaID)

		if err != nil {
			return err
		}

		if instance == nil {
			return errors.Errorf("saga %s not found", sagaID)
		}

		if instance.Status.Terminal() {
			return errors.Errorf("saga %s already finished with status %s", sagaID, instance.Status)
		}

		if instance.CancellationPending {
			return nil
		}

		_, err = o.store.Append(ctx, StreamOf(sagaID), instance.Version, &CancellationRequested{Reason: reason})

		if err == nil {
			return nil
		}

		if !eventstore.IsConcurrencyError(err) {
			return errors.Wrapf(err, "requesting cancellation of saga %s", sagaID)
		}
	}

	return errors.Errorf("could not request cancellation of saga %s, the stream kept moving", sagaID)
}

// Wait blocks until all scheduled sagas finished their runs, used on shutdown and in tests
func (o *Orchestrator) Wait() error {
	return o.group.Wait()
}

func (o *Orchestrator) schedule(sagaID string) {
	o.group.Go(func() error {
		// a saga failing is a recorded outcome, not a runner error
		if err := o.run(context.Background(), sagaID); err != nil {
			o.logger.WithFields(log.Fields{"sagaId": sagaID}).Logf(log.ErrorLevel, "saga run interrupted: %s", err)
		}

		return nil
	})
}

func (o *Orchestrator) run(ctx context.Context, sagaID string) error {
	if o.locks != nil {
		lock, err := o.locks.Lock(ctx, sagaID)

		if err != nil {
			return errors.Wrapf(err, "locking saga %s", sagaID)
		}

		defer func() {
			if rErr := lock.Release(ctx); rErr != nil {
				o.logger.Logf(log.ErrorLevel, "releasing lock of saga %s: %s", sagaID, rErr)
			}
		}()
	}

	instance, err := Replay(ctx, o.store, sagaID)

	if err != nil {
		return err
	}

	if instance == nil {
		return errors.Errorf("saga %s not found", sagaID)
	}

	def, err := o.registry.Definition(instance.SagaType)

	if err != nil {
		return errors.Wrapf(err, "resolving definition of saga %s", sagaID)
	}

	logger := o.logger.WithFields(log.Fields{"sagaId": sagaID, "sagaType": instance.SagaType})
	execCtx := newExecutionContext(instance, logger)

	if err := o.runForward(ctx, instance, def, execCtx, logger); err != nil {
		return err
	}

	if err := o.runCompensation(ctx, instance, def, execCtx, logger); err != nil {
		return err
	}

	return nil
}

func (o *Orchestrator) runForward(ctx context.Context, instance *Instance, def Definition, execCtx ExecutionContext, logger log.Logger) error {
	for instance.Status.Running() {
		if instance.CurrentStep >= len(def.Steps) {
			return o.append(ctx, instance, &SagaCompleted{})
		}

		step := def.Steps[instance.CurrentStep]

		var (
			result   Result
			attempts uint
		)

		err := o.guard.Execute(ctx, guardName(instance.SagaType, step.Name), func(ctx context.Context) error {
			attempts++

			r, aErr := step.Action(ctx, execCtx)

			if aErr != nil {
				return aErr
			}

			result = r

			return nil
		})

		if err != nil {
			logger.Logf(log.WarnLevel, "step '%s' failed after %d attempt(s): %s", step.Name, attempts, err)

			if aErr := o.append(ctx, instance, &StepFailed{StepName: step.Name, Reason: err.Error(), Attempts: attempts}); aErr != nil {
				return aErr
			}

			continue
		}

		// a concurrent cancellation surfaces here as a version conflict, append
		// re-reads the stream and the loop condition picks the new status up
		if aErr := o.append(ctx, instance, &StepCompleted{StepName: step.Name, Result: result, Attempts: attempts}); aErr != nil {
			return aErr
		}

		logger.Logf(log.DebugLevel, "step '%s' completed", step.Name)
	}

	return nil
}

func (o *Orchestrator) runCompensation(ctx context.Context, instance *Instance, def Definition, execCtx ExecutionContext, logger log.Logger) error {
	if !instance.Status.Compensating() {
		return nil
	}

	// unwind completed steps in reverse, never touching the failed step itself:
	// its action didn't complete, there is nothing to undo
	for idx := len(instance.CompletedSteps) - 1; idx >= 0; idx-- {
		name := instance.CompletedSteps[idx]

		if instance.CompensatedSteps[name] {
			continue
		}

		step, exists := def.step(name)

		if !exists {
			return errors.Errorf("saga %s: completed step '%s' is gone from definition '%s'", instance.SagaID, name, def.Type)
		}

		if step.Compensation == nil {
			if err := o.append(ctx, instance, &CompensationCompleted{StepName: name}); err != nil {
				return err
			}

			continue
		}

		err := o.compGuard.Execute(ctx, guardName(instance.SagaType, name)+".compensate", func(ctx context.Context) error {
			return step.Compensation(ctx, execCtx)
		})

		if err != nil {
			// best-effort unwind keeps going, the failure is recorded for operators
			logger.Logf(log.ErrorLevel, "compensation of step '%s' failed: %s", name, err)

			if aErr := o.append(ctx, instance, &CompensationFailed{StepName: name, Reason: err.Error()}); aErr != nil {
				return aErr
			}

			continue
		}

		if aErr := o.append(ctx, instance, &CompensationCompleted{StepName: name}); aErr != nil {
			return aErr
		}

		logger.Logf(log.DebugLevel, "step '%s' compensated", name)
	}

	if instance.CompensationFailed {
		return o.append(ctx, instance, &SagaFailed{Reason: instance.FailureReason})
	}

	return o.append(ctx, instance, &SagaRolledBack{})
}

// append persists a transition and folds it into the instance. On a version conflict
// the stream is re-read, the concurrent events are folded in and the append is tried
// again, so an external CancellationRequested never gets lost.
func (o *Orchestrator) append(ctx context.Context, instance *Instance, payload scheme.Object) error {
	for attempt := 0; attempt < versionConflictRetries; attempt++ {
		events, err := o.store.Append(ctx, StreamOf(instance.SagaID), instance.Version, payload)

		if err == nil {
			for _, ev := range events {
				if aErr := instance.apply(ev); aErr != nil {
					return aErr
				}
			}

			return nil
		}

		if !eventstore.IsConcurrencyError(err) {
			return errors.Wrapf(err, "appending %T to saga %s", payload, instance.SagaID)
		}

		refreshed, rErr := Replay(ctx, o.store, instance.SagaID)

		if rErr != nil {
			return rErr
		}

		*instance = *refreshed
	}

	return errors.Errorf("appending %T to saga %s: too many version conflicts", payload, instance.SagaID)
}

func (d Definition) step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}

	return Step{}, false
}

func guardName(sagaType, stepName string) string {
	return fmt.Sprintf("%s/%s", sagaType, stepName)
}
