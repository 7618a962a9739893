// Package engine wires the relevance components together: it runs the ingest
// pipeline, routes context changes to the hook engine and keeps the
// periodic maintenance loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/decay"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/prediction"
	"github.com/memorable-ai/memorable/internal/pressure"
	"github.com/memorable-ai/memorable/internal/relationship"
	"github.com/memorable-ai/memorable/internal/resilience"
	"github.com/memorable-ai/memorable/internal/salience"
	"github.com/memorable-ai/memorable/internal/store"
)

// Options carries the optional collaborators of an Engine.
type Options struct {
	// LLM is the raw synthesis provider; nil disables synthesis.
	LLM      llm.Client
	Notifier pressure.Notifier
	Log      *slog.Logger
}

// Engine orchestrates salience, pressure, relationships, hooks and decay.
type Engine struct {
	DB            *store.DB
	LLM           *llm.Guard
	Salience      *salience.Calculator
	Pressure      *pressure.Tracker
	Relationships *relationship.Synthesizer
	Hooks         *prediction.Engine
	Decay         *decay.Observer

	cfg config.Config
	log *slog.Logger
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Engine. Invalid salience weights fail with
// model.ErrConfiguration.
func New(db *store.DB, cfg config.Config, opts Options) (*Engine, error) {
	log := logger.OrDiscard(opts.Log)

	calc, err := salience.NewCalculator(cfg.Salience)
	if err != nil {
		return nil, fmt.Errorf("salience: %w", err)
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	guard := llm.NewGuard(opts.LLM, breaker, cfg.LLM.Timeout, log.With("component", "llm")).
		WithMaxInFlight(cfg.LLM.MaxInFlight)

	// A Guard without a provider is still a valid completer: every call
	// reports the capability as unavailable and callers degrade.
	rel, err := relationship.New(db, guard, cfg.Relationship, log.With("component", "relationship"))
	if err != nil {
		return nil, fmt.Errorf("relationship: %w", err)
	}

	maxTier, err := model.ParseSecurityTier(cfg.Relationship.MaxExternalTier)
	if err != nil {
		return nil, fmt.Errorf("%w: max_external_tier: %v", model.ErrConfiguration, err)
	}

	e := &Engine{
		DB:            db,
		LLM:           guard,
		Salience:      calc,
		Pressure:      pressure.NewTracker(db, cfg.Pressure, opts.Notifier, log.With("component", "pressure")),
		Relationships: rel,
		Decay:         decay.New(db, cfg.Decay, log.With("component", "decay")),
		cfg:           cfg,
		log:           log,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	e.Hooks = prediction.New(db, guard, cfg.Hooks, log.With("component", "hooks")).
		WithMaxExternalTier(maxTier).
		WithGate(e.surfaceable)
	return e, nil
}

// Start loads the hook index and begins periodic maintenance.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.Hooks.LoadIndex(ctx)
	if err != nil {
		return err
	}
	e.log.Info("hook index loaded", "hooks", n)
	e.StartMaintenance()
	return nil
}

// StartMaintenance runs one maintenance pass now and then on every
// configured interval until Stop.
func (e *Engine) StartMaintenance() {
	e.Maintain(context.Background())

	interval := e.cfg.Maintenance.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.Maintain(context.Background())
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Maintain relaxes entity pressure and expires stale hooks.
func (e *Engine) Maintain(ctx context.Context) {
	now := e.now()
	if changed, err := e.Pressure.Decay(ctx, now); err != nil {
		e.log.Error("pressure decay", "error", err)
	} else if changed > 0 {
		e.log.Info("pressure decay", "changed", changed)
	}
	if expired, err := e.Hooks.ExpireStale(ctx, now); err != nil {
		e.log.Error("hook expiry", "error", err)
	} else if expired > 0 {
		e.log.Info("hook expiry", "expired", expired)
	}
}

// Stop ends maintenance, flushes pending hook writes and waits for care
// alerts in flight.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.Hooks.Close()
		e.Pressure.Wait()
	})
}
