package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/resilience"
)

// Guard bounds every call to the synthesis capability with a timeout, a
// circuit breaker and a cap on calls in flight. All failures come back wrapped in
// model.ErrCapabilityUnavailable so callers can degrade instead of failing.
type Guard struct {
	client  Client
	breaker *resilience.Breaker
	timeout time.Duration
	sem     *semaphore.Weighted
	log     *slog.Logger
}

// NewGuard wraps client. A nil client yields a guard that is never available.
func NewGuard(client Client, breaker *resilience.Breaker, timeout time.Duration, log *slog.Logger) *Guard {
	if breaker == nil {
		breaker = resilience.NewBreaker(3, 30*time.Second)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Guard{
		client:  client,
		breaker: breaker,
		timeout: timeout,
		sem:     semaphore.NewWeighted(defaultMaxInFlight),
		log:     logger.OrDiscard(log),
	}
}

const defaultMaxInFlight = 4

// WithMaxInFlight caps concurrent provider calls. Values below 1 are ignored.
func (g *Guard) WithMaxInFlight(n int) *Guard {
	if n >= 1 {
		g.sem = semaphore.NewWeighted(int64(n))
	}
	return g
}

// Available reports whether a provider is configured and the breaker is not
// open.
func (g *Guard) Available() bool {
	return g != nil && g.client != nil && g.breaker.State() != resilience.Open
}

// BreakerState exposes the breaker position for health reporting.
func (g *Guard) BreakerState() string {
	if g == nil || g.client == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

// Complete runs the prompt through the breaker with the guard's timeout.
func (g *Guard) Complete(ctx context.Context, prompt string) (*Response, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("%w: no provider configured", model.ErrCapabilityUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for a synthesis slot: %v", model.ErrCapabilityUnavailable, err)
	}
	defer g.sem.Release(1)

	var resp *Response
	start := time.Now()
	err := g.breaker.Execute(func() error {
		r, err := g.client.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		if r == nil || r.Content == "" {
			return errors.New("empty completion")
		}
		resp = r
		return nil
	})
	if err != nil {
		g.log.Warn("synthesis unavailable", "error", err, "elapsed", time.Since(start))
		return nil, fmt.Errorf("%w: %v", model.ErrCapabilityUnavailable, err)
	}
	g.log.Debug("synthesis complete", "provider", resp.Provider, "tokens", resp.TokensUsed, "elapsed", time.Since(start))
	return resp, nil
}
