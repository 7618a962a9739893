package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memorable-ai/memorable/internal/engine"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/relationship"
	"github.com/memorable-ai/memorable/internal/salience"
)

type ingestRequest struct {
	Memory  model.MemoryItem `json:"memory"`
	Factors salience.Factors `json:"factors"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.eng.Ingest(r.Context(), &req.Memory, req.Factors)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	m, err := s.eng.DB.GetMemory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.eng.DB.MemoryState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory": m, "state": state})
}

func (s *Server) handleMemoryState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State  model.Lifecycle `json:"state"`
		Reason string          `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "memoryID")
	if err := s.eng.SetMemoryState(r.Context(), id, req.State, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory_id": id, "state": req.State})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Memory  model.MemoryItem       `json:"memory"`
		Factors salience.Factors       `json:"factors"`
		Context *model.ContextSnapshot `json:"context"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.eng.Score(&req.Memory, req.Factors, req.Context)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// entityParam reads and canonicalizes a path entity id.
func (s *Server) entityParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := engine.CanonicalEntityID(chi.URLParam(r, name))
	if id == "" {
		s.writeError(w, r, fmt.Errorf("%w: invalid entity id", model.ErrDataIntegrity))
		return "", false
	}
	return id, true
}

func (s *Server) handleGetPressure(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityParam(w, r, "entityID")
	if !ok {
		return
	}
	p, err := s.eng.Pressure.GetPressure(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetCareCircle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityParam(w, r, "entityID")
	if !ok {
		return
	}
	var req struct {
		Members []string `json:"members"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	members := make([]string, 0, len(req.Members))
	for _, m := range req.Members {
		if c := engine.CanonicalEntityID(m); c != "" {
			members = append(members, c)
		}
	}
	p, err := s.eng.Pressure.SetCareCircle(r.Context(), id, members)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityParam(w, r, "entityID")
	if !ok {
		return
	}
	rels, err := s.eng.DB.ListRelationships(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rels == nil {
		rels = []model.RelationshipCache{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "relationships": rels})
}

func (s *Server) handleListHooks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityParam(w, r, "entityID")
	if !ok {
		return
	}
	hooks, err := s.eng.Hooks.HooksFor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []model.PredictionHook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "hooks": hooks})
}

func (s *Server) pairParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	a, ok := s.entityParam(w, r, "a")
	if !ok {
		return "", "", false
	}
	b, ok := s.entityParam(w, r, "b")
	if !ok {
		return "", "", false
	}
	return a, b, true
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	a, b, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	opts := relationship.Options{Context: r.URL.Query().Get("context")}
	syn, err := s.eng.Relationships.GetRelationship(r.Context(), a, b, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syn)
}

func (s *Server) handleRefreshRelationship(w http.ResponseWriter, r *http.Request) {
	a, b, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	var req struct {
		Context string `json:"context"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	syn, err := s.eng.Relationships.RefreshRelationship(r.Context(), a, b, relationship.Options{Context: req.Context})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syn)
}

func (s *Server) handleContextChange(w http.ResponseWriter, r *http.Request) {
	var snap model.ContextSnapshot
	if !s.decode(w, r, &snap) {
		return
	}
	entityID := chi.URLParam(r, "entityID")
	surfaced, err := s.eng.OnContextChange(r.Context(), entityID, snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if surfaced == nil {
		surfaced = []model.SurfacedMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": engine.CanonicalEntityID(entityID), "surfaced": surfaced})
}

func (s *Server) handleHookFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Useful *bool `json:"useful"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Useful == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "useful required"})
		return
	}
	h, err := s.eng.Hooks.RecordFeedback(r.Context(), chi.URLParam(r, "hookID"), *req.Useful)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleDecayObserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemoryID string                 `json:"memory_id"`
		EntityID string                 `json:"entity_id"`
		Reading  model.EmotionalReading `json:"reading"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	rate, err := s.eng.Decay.Observe(r.Context(), req.MemoryID, engine.CanonicalEntityID(req.EntityID), req.Reading)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rate)
}

func (s *Server) handleDecayPredict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	memoryID := q.Get("memory")
	entityID := engine.CanonicalEntityID(q.Get("entity"))
	if memoryID == "" || entityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "memory and entity required"})
		return
	}
	p, err := s.eng.Decay.Predict(r.Context(), memoryID, entityID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDecayRate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityParam(w, r, "entityID")
	if !ok {
		return
	}
	rate, err := s.eng.Decay.Rate(r.Context(), id, chi.URLParam(r, "category"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *Server) handleMaintain(w http.ResponseWriter, r *http.Request) {
	s.eng.Maintain(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"hook_index": s.eng.Hooks.IndexSize(),
	})
}
