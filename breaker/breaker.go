package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned without attempting the call while the breaker cools down
type CircuitOpenError struct {
	Name  string
	Until time.Time
}

func (e CircuitOpenError) Error() string {
	return "circuit breaker '" + e.Name + "' is open"
}

// IsCircuitOpen reports whether err means the breaker refused the call
func IsCircuitOpen(err error) bool {
	for err != nil {
		if _, ok := err.(CircuitOpenError); ok {
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

// Config controls when a breaker trips and how long it stays open
type Config struct {
	// FailureThreshold is the number of consecutive failures within RollingWindow that trips the breaker
	FailureThreshold uint
	// RollingWindow bounds the period in which the failures must accumulate
	RollingWindow time.Duration
	// Cooldown is how long the breaker refuses calls before allowing a trial
	Cooldown time.Duration
	// CooldownMultiplier stretches the cooldown after a failed trial, 1 disables backoff
	CooldownMultiplier float64
	// MaxCooldown caps the stretched cooldown
	MaxCooldown time.Duration
}

var DefaultConfig = Config{
	FailureThreshold:   5,
	RollingWindow:      time.Minute,
	Cooldown:           time.Second * 10,
	CooldownMultiplier: 2,
	MaxCooldown:        time.Minute * 5,
}

// Breaker guards one downstream dependency. Closed passes calls through counting
// consecutive failures, Open fails fast for a cooldown period, HalfOpen lets exactly
// one trial call decide between Closed and Open again.
type Breaker struct {
	name   string
	config Config
	clock  Clock

	mtx             sync.Mutex
	state           State
	failures        uint
	windowStart     time.Time
	openedAt        time.Time
	currentCooldown time.Duration
	trialInFlight   bool
}

func New(name string, config Config, clock Clock) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}

	if config.Cooldown == 0 {
		config.Cooldown = DefaultConfig.Cooldown
	}

	if config.CooldownMultiplier < 1 {
		config.CooldownMultiplier = 1
	}

	return &Breaker{
		name:            name,
		config:          config,
		clock:           clock,
		state:           StateClosed,
		currentCooldown: config.Cooldown,
	}
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() State {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.state
}

// Execute runs op if the breaker allows it and records the outcome
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()

	return nil
}

func (b *Breaker) allow() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	now := b.clock.Now()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.currentCooldown {
			return errors.WithStack(CircuitOpenError{Name: b.name, Until: b.openedAt.Add(b.currentCooldown)})
		}

		b.state = StateHalfOpen
		b.trialInFlight = true

		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return errors.WithStack(CircuitOpenError{Name: b.name, Until: b.openedAt.Add(b.currentCooldown)})
		}

		b.trialInFlight = true

		return nil
	}

	return nil
}

func (b *Breaker) onSuccess() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
	b.currentCooldown = b.config.Cooldown
}

func (b *Breaker) onFailure() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	now := b.clock.Now()

	if b.state == StateHalfOpen {
		// failed trial, back to open with a longer cooldown
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
		b.currentCooldown = time.Duration(float64(b.currentCooldown) * b.config.CooldownMultiplier)

		if b.config.MaxCooldown > 0 && b.currentCooldown > b.config.MaxCooldown {
			b.currentCooldown = b.config.MaxCooldown
		}

		return
	}

	if b.config.RollingWindow > 0 && now.Sub(b.windowStart) > b.config.RollingWindow {
		b.failures = 0
		b.windowStart = now
	}

	if b.failures == 0 {
		b.windowStart = now
	}

	b.failures++

	if b.failures >= b.config.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.currentCooldown = b.config.Cooldown
	}
}

// Registry hands out one breaker per dependency name
type Registry struct {
	config Config
	clock  Clock

	mtx      sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(config Config, clock Clock) *Registry {
	return &Registry{config: config, clock: clock, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(name string) *Breaker {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	b, exists := r.breakers[name]

	if !exists {
		b = New(name, r.config, r.clock)
		r.breakers[name] = b
	}

	return b
}
