package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call
// because the provider has been failing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs. Default: "llm".
	Name string

	// MaxFailures is the number of consecutive failures that trips the
	// circuit. Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before going half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes needed in half-open
	// state to close the circuit. Default: 2
	HalfOpenMaxSuccesses uint32

	Logger *zap.Logger
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "llm"
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxSuccesses == 0 {
		c.HalfOpenMaxSuccesses = 2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// CircuitBreakerMetrics counts calls made through a CircuitBreaker.
type CircuitBreakerMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker wraps gobreaker to stop hammering a failing provider.
//
// Closed: calls pass through. After MaxFailures consecutive failures the
// circuit opens and rejects calls with ErrCircuitOpen. After Timeout it
// goes half-open and lets trial calls through; HalfOpenMaxSuccesses
// successes close it again.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	config  CircuitBreakerConfig
	mu      sync.RWMutex
	metrics CircuitBreakerMetrics
}

// NewCircuitBreaker creates a circuit breaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{})
}

// NewCircuitBreakerWithConfig creates a circuit breaker; zero fields take
// their defaults.
func NewCircuitBreakerWithConfig(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	cb := &CircuitBreaker{config: config}

	logger := config.Logger
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxSuccesses,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return cb
}

// Execute runs fn through the breaker. An open circuit yields
// ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		cb.recordFailure()
		return nil, err
	}

	result, err := cb.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if err != nil {
		cb.recordFailure()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	cb.recordSuccess()
	return result, nil
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	counts := cb.breaker.Counts()
	return CircuitBreakerMetrics{
		TotalRequests:        cb.metrics.TotalRequests,
		TotalSuccesses:       cb.metrics.TotalSuccesses,
		TotalFailures:        cb.metrics.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics.TotalRequests++
	cb.metrics.TotalSuccesses++
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics.TotalRequests++
	cb.metrics.TotalFailures++
}

// guard is the call path every provider shares: optional rate limiting,
// then the circuit breaker.
type guard struct {
	provider string
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
}

func newGuard(provider string, rps float64, burst int, logger *zap.Logger) guard {
	g := guard{
		provider: provider,
		breaker:  NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: provider, Logger: logger}),
	}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return g
}

func (g guard) call(ctx context.Context, fn func() (string, error)) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%s rate limit wait: %w", g.provider, err)
		}
	}
	result, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("%s circuit breaker open: %w", g.provider, err)
		}
		return "", err
	}
	return result.(string), nil
}
