// Package circuitbreaker stops repeated upstream client initialisation after
// consecutive failures.
//
// States:
//   - Closed: attempts pass through
//   - Open: attempts fail immediately until the cooldown elapses
//   - Half-Open: one trial attempt decides whether to close or reopen
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
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
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening; <= 0 disables the breaker
	Cooldown         time.Duration // time spent open before a trial attempt
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	lastErr  error
	config   Config
	now      func() time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// Allow returns nil when an attempt may proceed. While open it returns an
// error wrapping domain.ErrCircuitOpen, and the error that opened the circuit
// via LastError.
func (b *Breaker) Allow() error {
	if b == nil || b.config.FailureThreshold <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return domain.ErrCircuitOpen
		}
		b.state = StateHalfOpen
		return nil
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.lastErr = nil
}

func (b *Breaker) RecordFailure(err error) {
	if b == nil || b.config.FailureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastErr = err
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// LastError is the most recent recorded failure, nil after a success.
func (b *Breaker) LastError() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
