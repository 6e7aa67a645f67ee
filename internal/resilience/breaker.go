package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker open")

var errForcedTrip = errors.New("breaker tripped manually")

// BreakerState is the observable state of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

func stateOf(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerConfig configures every breaker in a registry.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the breaker (default 5)
	SuccessThreshold int           // Consecutive half-open successes that close it (default 2)
	Timeout          time.Duration // Open duration before a probe is allowed (default 60s)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// StateChangeFunc is called after a breaker changes state.
type StateChangeFunc func(name string, from, to BreakerState)

// CircuitBreaker guards one external dependency.
// While half-open exactly one probe call is admitted at a time.
type CircuitBreaker struct {
	name      string
	threshold int
	cb        *gobreaker.CircuitBreaker
	probe     sync.Mutex
}

func newCircuitBreaker(name string, cfg BreakerConfig, logger *zap.Logger, onChange StateChangeFunc) *CircuitBreaker {
	b := &CircuitBreaker{name: name, threshold: cfg.FailureThreshold}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // Don't clear counts automatically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(stateOf(from))),
				zap.String("to", string(stateOf(to))))
			if onChange != nil {
				onChange(name, stateOf(from), stateOf(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the dependency
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b
}

// Name returns the dependency name.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current state. Reading it may move an expired open
// breaker to half-open.
func (b *CircuitBreaker) State() BreakerState {
	return stateOf(b.cb.State())
}

// Counts returns the breaker's internal counters.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Execute runs fn through the breaker. Rejected calls return an error
// wrapping ErrCircuitOpen and fn is not invoked.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.cb.State() != gobreaker.StateClosed {
		if !b.probe.TryLock() {
			return fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, b.name)
		}
		defer b.probe.Unlock()
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	return err
}

// Trip forces the breaker open, e.g. after a critical failure in the dependency.
func (b *CircuitBreaker) Trip() {
	for i := 0; i <= b.threshold && b.cb.State() != gobreaker.StateOpen; i++ {
		_, _ = b.cb.Execute(func() (interface{}, error) {
			return nil, errForcedTrip
		})
	}
}

// BreakerRegistry lazily creates one breaker per dependency name.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *zap.Logger
	onChange StateChangeFunc
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers share cfg.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger, onChange StateChangeFunc) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("breaker"),
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newCircuitBreaker(name, r.cfg, r.logger, r.onChange)
	r.breakers[name] = b
	return b
}

// Snapshot returns the state of every breaker created so far.
func (r *BreakerRegistry) Snapshot() map[string]BreakerState {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]BreakerState, len(names))
	for _, name := range names {
		out[name] = r.Get(name).State()
	}
	return out
}
