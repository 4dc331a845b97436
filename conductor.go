package conductor

import (
	"context"
	"net/http"

	sagasapi "github.com/go-conductor/conductor/api/handlers/sagas"
	"github.com/go-conductor/conductor/breaker"
	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/projection"
	"github.com/go-conductor/conductor/relay"
	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/go-conductor/conductor/saga"
	"github.com/go-conductor/conductor/saga/mutex"
	"github.com/pkg/errors"
)

// ConfigOption allows to configure Engine's container
type ConfigOption func(c *container)

type container struct {
	scheme            scheme.KnownTypesRegistry
	marshaller        eventstore.Marshaller
	store             eventstore.Store
	readModels        projection.Store
	locks             mutex.Mutex
	breakerConfig     *breaker.Config
	clock             breaker.Clock
	orchestratorOpts  []saga.OrchestratorOption
	eventRelay        *relay.Relay
	projections       []projection.Projection
	noStatusProjector bool
}

// WithSchemeRegistry allows to specify scheme.KnownTypesRegistry holding the event payload types
func WithSchemeRegistry(registry scheme.KnownTypesRegistry) ConfigOption {
	return func(c *container) {
		c.scheme = registry
	}
}

// WithMarshaller allows to provide another eventstore.Marshaller implementation
func WithMarshaller(marshaller eventstore.Marshaller) ConfigOption {
	return func(c *container) {
		c.marshaller = marshaller
	}
}

// WithStore allows to provide the event store implementation, e.g. the SQL one.
// Defaults to the in-memory store which is not durable.
func WithStore(store eventstore.Store) ConfigOption {
	return func(c *container) {
		c.store = store
	}
}

// WithReadModelStore allows to provide the read model store, e.g. the redis one
func WithReadModelStore(models projection.Store) ConfigOption {
	return func(c *container) {
		c.readModels = models
	}
}

// WithLocks makes the orchestrator serialize saga runs through the given mutex
func WithLocks(locks mutex.Mutex) ConfigOption {
	return func(c *container) {
		c.locks = locks
	}
}

// WithBreakerConfig overrides the circuit breaker settings shared by all steps
func WithBreakerConfig(cfg breaker.Config) ConfigOption {
	return func(c *container) {
		c.breakerConfig = &cfg
	}
}

// WithClock injects a clock used for breaker cooldowns and retry backoff
func WithClock(clock breaker.Clock) ConfigOption {
	return func(c *container) {
		c.clock = clock
	}
}

// WithOrchestratorOptions passes options through to the orchestrator
func WithOrchestratorOptions(opts ...saga.OrchestratorOption) ConfigOption {
	return func(c *container) {
		c.orchestratorOpts = append(c.orchestratorOpts, opts...)
	}
}

// WithRelay attaches an AMQP relay which republishes every appended event
func WithRelay(r *relay.Relay) ConfigOption {
	return func(c *container) {
		c.eventRelay = r
	}
}

// WithProjections registers additional projections
func WithProjections(projections ...projection.Projection) ConfigOption {
	return func(c *container) {
		c.projections = append(c.projections, projections...)
	}
}

// WithoutStatusProjection disables the built-in saga status read model
func WithoutStatusProjection() ConfigOption {
	return func(c *container) {
		c.noStatusProjector = true
	}
}

// Engine is the main component, kind of a container which aggregates the event
// store, the saga orchestrator, projections and the external surfaces
type Engine struct {
	logger       log.Logger
	scheme       scheme.KnownTypesRegistry
	marshaller   eventstore.Marshaller
	store        eventstore.Store
	sagas        *saga.Registry
	orchestrator *saga.Orchestrator
	projections  *projection.Manager
	readModels   projection.Store
	eventRelay   *relay.Relay
	service      sagasapi.SagaService
}

// NewEngine constructs Engine with default in-memory implementations, options
// swap in durable ones
func NewEngine(logger log.Logger, configOpts ...ConfigOption) (*Engine, error) {
	opts := &container{}
	for _, config := range configOpts {
		config(opts)
	}

	if opts.scheme == nil {
		opts.scheme = scheme.NewKnownTypesRegistry()
	}

	saga.RegisterEventTypes(opts.scheme)

	if opts.marshaller == nil {
		opts.marshaller = eventstore.NewJSONMarshaller(opts.scheme)
	}

	if opts.store == nil {
		opts.store = eventstore.NewInMemoryStore(opts.marshaller, logger)
	}

	if opts.readModels == nil {
		opts.readModels = projection.NewInMemoryStore()
	}

	if opts.clock == nil {
		opts.clock = breaker.NewClock()
	}

	breakerCfg := breaker.DefaultConfig

	if opts.breakerConfig != nil {
		breakerCfg = *opts.breakerConfig
	}

	sagaRegistry := saga.NewRegistry()

	orchestratorOpts := append([]saga.OrchestratorOption{saga.WithClock(opts.clock)}, opts.orchestratorOpts...)

	if opts.locks != nil {
		orchestratorOpts = append(orchestratorOpts, saga.WithLocks(opts.locks))
	}

	orchestrator := saga.NewOrchestrator(
		opts.store,
		sagaRegistry,
		breaker.NewRegistry(breakerCfg, opts.clock),
		logger,
		orchestratorOpts...,
	)

	projectionManager := projection.NewManager(opts.store, opts.readModels, logger)

	if !opts.noStatusProjector {
		if err := projectionManager.Register(saga.NewStatusProjection()); err != nil {
			return nil, err
		}
	}

	for _, p := range opts.projections {
		if err := projectionManager.Register(p); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		logger:       logger,
		scheme:       opts.scheme,
		marshaller:   opts.marshaller,
		store:        opts.store,
		sagas:        sagaRegistry,
		orchestrator: orchestrator,
		projections:  projectionManager,
		readModels:   opts.readModels,
		eventRelay:   opts.eventRelay,
	}

	e.service = sagasapi.NewSagaService(orchestrator, opts.store, opts.readModels)

	return e, nil
}

// RegisterSaga adds a saga definition, do this at startup before Run
func (e *Engine) RegisterSaga(def saga.Definition) error {
	return e.sagas.Register(def)
}

// Run starts projections, connects the relay if one is configured and resumes
// sagas that were in flight when the previous process stopped
func (e *Engine) Run(ctx context.Context) error {
	if err := e.projections.Start(ctx); err != nil {
		return errors.Wrap(err, "starting projections")
	}

	if e.eventRelay != nil {
		if err := e.eventRelay.Connect(ctx); err != nil {
			return errors.Wrap(err, "connecting the event relay")
		}

		e.eventRelay.Attach(e.store)
	}

	return e.resumeInFlight(ctx)
}

// Shutdown waits for running sagas to finish their current run, disconnects the relay
// and stops the store's subscriber delivery
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.orchestrator.Wait(); err != nil {
		return err
	}

	if e.eventRelay != nil {
		if err := e.eventRelay.Disconnect(); err != nil {
			return err
		}
	}

	return e.store.Close()
}

// HTTPHandler returns the engine's command/query surface as an http.Handler
func (e *Engine) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	sagasapi.NewSagaHandler(e.logger, e.service).Register(mux)

	return mux
}

// Service returns the command/query facade
func (e *Engine) Service() sagasapi.SagaService {
	return e.service
}

// Store returns the event store, the single source of truth
func (e *Engine) Store() eventstore.Store {
	return e.store
}

// SagaRegistry returns the registry of saga definitions
func (e *Engine) SagaRegistry() *saga.Registry {
	return e.sagas
}

// Orchestrator returns the saga orchestrator
func (e *Engine) Orchestrator() *saga.Orchestrator {
	return e.orchestrator
}

// Projections returns the projection manager
func (e *Engine) Projections() *projection.Manager {
	return e.projections
}

// SchemeRegistry returns the scheme holding all registered event payload types
func (e *Engine) SchemeRegistry() scheme.KnownTypesRegistry {
	return e.scheme
}

// Logger returns an instance of logger
func (e *Engine) Logger() log.Logger {
	return e.logger
}

func (e *Engine) resumeInFlight(ctx context.Context) error {
	rows, err := e.readModels.List(ctx, saga.StatusModel)

	if err != nil {
		return errors.Wrap(err, "listing sagas to resume")
	}

	for sagaID, row := range rows {
		status, _ := row["status"].(string)

		if saga.Status(status).Terminal() {
			continue
		}

		if err := e.orchestrator.Resume(ctx, sagaID); err != nil {
			e.logger.Logf(log.ErrorLevel, "resuming saga %s: %s", sagaID, err)
		}
	}

	return nil
}
