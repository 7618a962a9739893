package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memorable-ai/memorable/internal/model"
)

func TestNewRespectsEnv(t *testing.T) {
	t.Setenv("MEMORABLE_URL", "http://example.test:9")
	if c := New(); c.serverURL != "http://example.test:9" {
		t.Errorf("serverURL = %q", c.serverURL)
	}
	t.Setenv("MEMORABLE_URL", "")
	if c := New(); c.serverURL != defaultServerURL {
		t.Errorf("serverURL = %q, want default", c.serverURL)
	}
}

func TestContextChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/context/alice" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var snap model.ContextSnapshot
		json.NewDecoder(r.Body).Decode(&snap)
		if snap.TalkingTo != "bob" {
			t.Errorf("talking_to = %q", snap.TalkingTo)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"surfaced": []model.SurfacedMemory{{HookID: "h1", MemoryID: "m1"}},
		})
	}))
	defer srv.Close()

	got, err := NewWithURL(srv.URL).ContextChange(t.Context(), "alice", model.ContextSnapshot{TalkingTo: "bob"})
	if err != nil {
		t.Fatalf("ContextChange: %v", err)
	}
	if len(got) != 1 || got[0].MemoryID != "m1" {
		t.Errorf("surfaced = %+v", got)
	}
}

func TestRelationshipPaths(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		json.NewEncoder(w).Encode(model.RelationshipSynthesis{EntityA: "alice", EntityB: "bob", Text: "ok"})
	}))
	defer srv.Close()

	c := NewWithURL(srv.URL)
	if _, err := c.Relationship(t.Context(), "alice", "bob", "", false); err != nil {
		t.Fatalf("Relationship: %v", err)
	}
	if _, err := c.Relationship(t.Context(), "alice", "bob", "one on one", false); err != nil {
		t.Fatalf("Relationship: %v", err)
	}
	syn, err := c.Relationship(t.Context(), "alice", "bob", "", true)
	if err != nil {
		t.Fatalf("Relationship refresh: %v", err)
	}
	if syn.Text != "ok" {
		t.Errorf("text = %q", syn.Text)
	}

	want := []string{
		"GET /api/relationships/alice/bob",
		"GET /api/relationships/alice/bob?context=one+on+one",
		"POST /api/relationships/alice/bob/refresh",
	}
	for i, w := range want {
		if i >= len(seen) || seen[i] != w {
			t.Errorf("request %d = %v, want %q", i, seen, w)
		}
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"hook h1: not found"}`))
	}))
	defer srv.Close()

	c := NewWithURL(srv.URL)
	_, err := c.Feedback(t.Context(), "h1", true)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Path != "/api/hooks/h1/feedback" {
		t.Errorf("StatusError = %+v", se)
	}
	if c.Healthy(t.Context()) {
		t.Error("Healthy = true against a 404 server")
	}
}
