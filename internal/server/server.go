// Package server exposes the relevance core over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/memorable-ai/memorable/internal/engine"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server is the memorable HTTP API server.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	version string
	started time.Time
	log     *slog.Logger
}

// New creates a new Server around eng.
func New(eng *engine.Engine, version string, log *slog.Logger) *Server {
	s := &Server{
		eng:     eng,
		version: version,
		started: time.Now(),
		log:     logger.OrDiscard(log),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/memories", s.handleIngest)
		r.Get("/memories/{memoryID}", s.handleGetMemory)
		r.Post("/memories/{memoryID}/state", s.handleMemoryState)
		r.Post("/score", s.handleScore)

		r.Get("/entities/{entityID}/pressure", s.handleGetPressure)
		r.Put("/entities/{entityID}/care-circle", s.handleSetCareCircle)
		r.Get("/entities/{entityID}/relationships", s.handleListRelationships)
		r.Get("/entities/{entityID}/hooks", s.handleListHooks)

		r.Get("/relationships/{a}/{b}", s.handleGetRelationship)
		r.Post("/relationships/{a}/{b}/refresh", s.handleRefreshRelationship)

		r.Post("/context/{entityID}", s.handleContextChange)
		r.Post("/hooks/{hookID}/feedback", s.handleHookFeedback)

		r.Post("/decay/observe", s.handleDecayObserve)
		r.Get("/decay/predict", s.handleDecayPredict)
		r.Get("/decay/rates/{entityID}/{category}", s.handleDecayRate)

		r.Post("/maintenance", s.handleMaintain)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.eng.DB.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.started).Seconds(),
		"db":         dbOK,
		"db_path":    s.eng.DB.Path,
		"llm":        s.eng.LLM.Available(),
		"breaker":    s.eng.LLM.BreakerState(),
		"hook_index": s.eng.Hooks.IndexSize(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrDataIntegrity):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrCapabilityUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}
