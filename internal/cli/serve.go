package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/engine"
	"github.com/memorable-ai/memorable/internal/events"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/pressure"
	"github.com/memorable-ai/memorable/internal/server"
	"github.com/memorable-ai/memorable/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.EnableMemoryCache(cfg.Cache.MemoryMaxCostBytes); err != nil {
		return fmt.Errorf("memory cache: %w", err)
	}

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Warn("llm not configured, synthesis degrades to structural", "error", err)
		llmClient = nil
	} else if llmClient != nil {
		log.Info("llm configured", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}

	var (
		notifier pressure.Notifier
		bridge   *events.Bridge
	)
	nc := dialNATS(cfg, log)
	if nc != nil {
		defer nc.Close()
		notifier = events.NewCareNotifier(nc, cfg.NATS.CarePrefix)
	}

	eng, err := engine.New(db, *cfg, engine.Options{LLM: llmClient, Notifier: notifier, Log: log})
	if err != nil {
		return err
	}
	if err := eng.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	if nc != nil {
		bridge = events.NewBridge(nc, eng, cfg.NATS, log.With("component", "events"))
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Close()
	}

	srv := server.New(eng, VersionString(), log.With("component", "server"))
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("memorable serving", "addr", addr, "db", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// dialNATS connects when a URL is configured. A broker that cannot be reached
// disables the event bridge rather than the server.
func dialNATS(cfg *config.Config, log *slog.Logger) *nats.Conn {
	if cfg.NATS.URL == "" {
		return nil
	}
	nc, err := events.Dial(cfg.NATS.URL, log.With("component", "nats"))
	if err != nil {
		log.Warn("event bridge disabled", "error", err)
		return nil
	}
	return nc
}
