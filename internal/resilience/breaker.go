// Package resilience guards calls to the external synthesis capability.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker opens after maxFailures consecutive failures and rejects calls
// until cooldown has elapsed. The next call is then let through as a trial call
// and the rest are rejected until it returns: success closes the breaker,
// failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	trialing    bool
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Execute runs fn unless the breaker is open. Cancellation by the caller
// (context.Canceled) is not counted as a failure of the capability.
func (b *Breaker) Execute(fn func() error) error {
	ok, trial := b.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialing = false
	}
	switch {
	case err == nil:
		b.failures = 0
		b.state = Closed
	case errors.Is(err, context.Canceled):
		if b.state == HalfOpen {
			b.state = Open
		}
	default:
		b.failures++
		if b.state == HalfOpen || b.failures >= b.maxFailures {
			b.state = Open
			b.openedAt = b.now()
		}
	}
	return err
}

// State reports the current position, promoting open to half-open when the
// cooldown has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// admit reports whether a call may run and whether it is the half-open
// trial call.
func (b *Breaker) admit() (ok, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		b.state = HalfOpen
	}
	if b.trialing {
		return false, false
	}
	b.trialing = true
	return true, true
}
