// Package circuit provides the circuit breakers guarding calls to the node
// and to the event broker.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/vrscpool/pkg/errors"
)

// ErrOpen is the cause of every error returned while the breaker rejects calls.
var ErrOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has passed since the last failure.
	StateOpen
	// StateHalfOpen lets calls through to probe whether the remote recovered.
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in errors and state change callbacks
	MaxFailures     int           // Failures within ResetTimeout that open the breaker
	SuccessRequired int           // Probe successes that close a half-open breaker
	Timeout         time.Duration // Time spent open before probing
	ResetTimeout    time.Duration // Window after which a closed breaker forgets failures

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// NodeConfig returns the configuration used in front of the node RPC. It
// trips faster than the default so template polling backs off a dead node
// quickly.
func NodeConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker stops calling a remote that keeps failing and probes it again
// after a cool-down.
type Breaker struct {
	cfg *Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	openedAt    time.Time
	windowStart time.Time
}

// New creates a closed breaker.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the breaker is open and records its
// outcome. Errors caused by the caller's own context ending are not counted.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if state, ok := b.admit(); !ok {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker", "rejecting call").
			WithContext("breaker", b.cfg.Name).
			WithContext("state", state.String())
	}

	result, err := fn()
	if err != nil && ctx.Err() != nil &&
		(stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		return result, err
	}

	if err != nil {
		b.failure()
	} else {
		b.success()
	}
	return result, err
}

// admit reports whether a call may proceed, moving an open breaker to
// half-open once its cool-down has passed.
func (b *Breaker) admit() (State, bool) {
	b.mu.Lock()
	from, now := b.state, b.now()

	switch b.state {
	case StateClosed:
		if now.Sub(b.windowStart) > b.cfg.ResetTimeout {
			b.failures = 0
			b.windowStart = now
		}
	case StateOpen:
		if now.Sub(b.openedAt) <= b.cfg.Timeout {
			b.mu.Unlock()
			return StateOpen, false
		}
		b.state = StateHalfOpen
		b.probes = 0
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return to, true
}

func (b *Breaker) failure() {
	b.mu.Lock()
	from := b.state

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.trip()
	case b.state == StateClosed && b.failures >= b.cfg.MaxFailures:
		b.trip()
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) success() {
	b.mu.Lock()
	from := b.state

	if b.state == StateHalfOpen {
		b.probes++
		if b.probes >= b.cfg.SuccessRequired {
			b.close()
		}
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// trip and close must be called with mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probes = 0
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.windowStart = b.now()
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker regardless of its state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.close()
	b.mu.Unlock()

	b.notify(from, StateClosed)
}
