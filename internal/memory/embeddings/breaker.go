package embeddings

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the circuit breaker is open and is
// refusing calls to the wrapped provider.
var ErrBreakerOpen = errors.New("embeddings: circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open. Default: 5.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before allowing a
	// single half-open probe call. Default: 30s.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker wraps a Provider and trips open after consecutive
// failures, refusing further calls until OpenTimeout elapses and a
// half-open probe succeeds.
type CircuitBreaker struct {
	provider Provider
	config   BreakerConfig

	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
	halfOpenHit bool
}

// NewCircuitBreaker wraps provider with a trip/half-open/close state machine.
func NewCircuitBreaker(provider Provider, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &CircuitBreaker{provider: provider, config: config, state: breakerClosed}
}

// allow reports whether a call should proceed, transitioning open->half-open
// once OpenTimeout has elapsed.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.config.OpenTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.halfOpenHit = false
		fallthrough
	case breakerHalfOpen:
		// Only let a single probe through at a time.
		if b.halfOpenHit {
			return false
		}
		b.halfOpenHit = true
		return true
	default:
		return true
	}
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.halfOpenHit = false
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.halfOpenHit = false
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// Embed wraps Provider.Embed with the breaker's trip/probe state machine.
func (b *CircuitBreaker) Embed(ctx context.Context, text string) ([]float32, error) {
	if !b.allow() {
		return nil, ErrBreakerOpen
	}
	out, err := b.provider.Embed(ctx, text)
	if err != nil {
		b.recordFailure()
		return nil, err
	}
	b.recordSuccess()
	return out, nil
}

// EmbedBatch wraps Provider.EmbedBatch with the breaker's trip/probe state machine.
func (b *CircuitBreaker) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !b.allow() {
		return nil, ErrBreakerOpen
	}
	out, err := b.provider.EmbedBatch(ctx, texts)
	if err != nil {
		b.recordFailure()
		return nil, err
	}
	b.recordSuccess()
	return out, nil
}

// Name returns the wrapped provider's name.
func (b *CircuitBreaker) Name() string { return b.provider.Name() }

// Dimension returns the wrapped provider's embedding dimension.
func (b *CircuitBreaker) Dimension() int { return b.provider.Dimension() }

// MaxBatchSize returns the wrapped provider's max batch size.
func (b *CircuitBreaker) MaxBatchSize() int { return b.provider.MaxBatchSize() }

// State reports the breaker's current state as a string, for diagnostics.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
