package youtube

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal state where requests are allowed.
	CircuitClosed CircuitState = iota
	// CircuitOpen is the state where requests fail fast.
	CircuitOpen
	// CircuitHalfOpen is the testing state where one request is allowed.
	CircuitHalfOpen
)

// String returns the string representation of a circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Circuit breaker configuration constants
const (
	// DefaultBreakerThreshold is the number of consecutive failures to open the circuit.
	DefaultBreakerThreshold = 5
	// DefaultRecoveryTimeout is how long the circuit stays open before testing.
	DefaultRecoveryTimeout = 30 * time.Second
)

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures to open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before transitioning to half-open.
	RecoveryTimeout time.Duration
	// IsTransientError decides whether an error counts as a failure.
	// Permanent errors don't affect the circuit. If nil, all errors count.
	IsTransientError func(error) bool
	// Now replaces time.Now in tests.
	Now func() time.Time
}

type circuit struct {
	state             CircuitState
	consecutiveErrors int
	lastStateChange   time.Time
	probing           bool
}

// Breaker tracks failures per API operation and fails fast once an
// operation keeps failing. A half-open circuit lets one probe through.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   BreakerConfig
}

// NewBreaker creates a breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		config:   cfg,
	}
}

// Allow returns nil if a call to op may proceed, or ErrCircuitOpen.
func (b *Breaker) Allow(op string) error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(op)
	switch c.state {
	case CircuitOpen:
		if b.config.Now().Sub(c.lastStateChange) < b.config.RecoveryTimeout {
			return ErrCircuitOpen
		}
		c.state = CircuitHalfOpen
		c.lastStateChange = b.config.Now()
		c.probing = true
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return ErrCircuitOpen
		}
		c.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit for op.
func (b *Breaker) RecordSuccess(op string) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(op)
	if c.state != CircuitClosed {
		c.lastStateChange = b.config.Now()
	}
	c.state = CircuitClosed
	c.consecutiveErrors = 0
	c.probing = false
}

// RecordFailure counts a failed call to op. Reaching the threshold, or any
// failure while half-open, opens the circuit.
func (b *Breaker) RecordFailure(op string, err error) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(op)
	if b.config.IsTransientError != nil && !b.config.IsTransientError(err) {
		// A permanent answer still proves the API is reachable.
		if c.state == CircuitHalfOpen {
			c.state = CircuitClosed
			c.lastStateChange = b.config.Now()
			c.consecutiveErrors = 0
		}
		c.probing = false
		return
	}

	c.consecutiveErrors++
	switch c.state {
	case CircuitClosed:
		if c.consecutiveErrors >= b.config.FailureThreshold {
			c.state = CircuitOpen
			c.lastStateChange = b.config.Now()
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.lastStateChange = b.config.Now()
		c.probing = false
	}
}

// State returns the current state of the circuit for op.
func (b *Breaker) State(op string) CircuitState {
	if b == nil {
		return CircuitClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return CircuitClosed
	}
	if c.state == CircuitOpen && b.config.Now().Sub(c.lastStateChange) >= b.config.RecoveryTimeout {
		return CircuitHalfOpen
	}
	return c.state
}

// get must be called with mu held.
func (b *Breaker) get(op string) *circuit {
	c, ok := b.circuits[op]
	if !ok {
		c = &circuit{state: CircuitClosed, lastStateChange: b.config.Now()}
		b.circuits[op] = c
	}
	return c
}
