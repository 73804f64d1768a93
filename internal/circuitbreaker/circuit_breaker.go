// Package circuitbreaker lets the provider pool skip a node that keeps failing
// without waiting for each call's deadline.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/deposit-settlement/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls are allowed
	StateClosed State = "closed"
	// StateOpen means calls fail fast
	StateOpen State = "open"
	// StateHalfOpen means a limited number of trial calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the circuit. Default 5.
	ConsecutiveFailures int
	// OpenTimeout is how long the circuit stays open before probing. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenTrials successful trials close the circuit again. Default 1.
	HalfOpenTrials int
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenTrials:      1,
	}
}

// CircuitBreaker tracks consecutive failures of one provider.
type CircuitBreaker struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	trialsInFlight   int
	trialSuccesses   int
	openedAt         time.Time
	totalFailures    int64
	totalSuccesses   int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logging.WithField("circuitBreaker", cfg.Name),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialsInFlight = 0
		cb.trialSuccesses = 0
		cb.logger.Info("Circuit breaker half-open, probing provider")
		fallthrough
	case StateHalfOpen:
		if cb.trialsInFlight >= cb.cfg.HalfOpenTrials {
			return ErrCircuitOpen
		}
		cb.trialsInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trialsInFlight > 0 {
		cb.trialsInFlight--
	}

	if err != nil {
		cb.totalFailures++
		cb.consecutiveFails++
		if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
			if cb.state != StateOpen {
				cb.logger.WithField("consecutiveFails", cb.consecutiveFails).Warn("Circuit breaker opened")
			}
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
		return
	}

	cb.totalSuccesses++
	cb.consecutiveFails = 0
	if cb.state == StateHalfOpen {
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.cfg.HalfOpenTrials {
			cb.state = StateClosed
			cb.logger.Info("Circuit breaker closed after successful trial")
		}
	}
}

// Allow reports whether Execute would currently run fn. Unlike Execute it
// does not claim a half-open trial slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout
	case StateHalfOpen:
		return cb.trialsInFlight < cb.cfg.HalfOpenTrials
	}
	return true
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	TotalFailures    int64     `json:"totalFailures"`
	TotalSuccesses   int64     `json:"totalSuccesses"`
	OpenedAt         time.Time `json:"openedAt,omitempty"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		OpenedAt:         cb.openedAt,
	}
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.trialsInFlight = 0
	cb.trialSuccesses = 0
	cb.logger.Info("Circuit breaker manually reset")
}
