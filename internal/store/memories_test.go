package store

import (
	"errors"
	"testing"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
)

func TestInsertAndGetMemory(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()

	m := testMemory("m1", "alice", "bob")
	m.PrivacyFlags = []string{"medical"}
	m.OpenLoops = []string{"send the report"}
	m.SecurityTier = model.TierPersonal
	m.OriginMemoryID = "m0"
	m.CascadeDepth = 1
	if err := db.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	got, err := db.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if len(got.EntityIDs) != 2 || got.EntityIDs[0] != "alice" || got.EntityIDs[1] != "bob" {
		t.Errorf("EntityIDs = %v", got.EntityIDs)
	}
	if got.SecurityTier != model.TierPersonal {
		t.Errorf("SecurityTier = %v", got.SecurityTier)
	}
	if got.Salience != model.ClassLatent || got.SalienceScore != 60 {
		t.Errorf("salience = %s/%d", got.Salience, got.SalienceScore)
	}
	if len(got.PrivacyFlags) != 1 || got.PrivacyFlags[0] != "medical" {
		t.Errorf("PrivacyFlags = %v", got.PrivacyFlags)
	}
	if got.OriginMemoryID != "m0" || got.CascadeDepth != 1 {
		t.Errorf("cascade = %s/%d", got.OriginMemoryID, got.CascadeDepth)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, m.CreatedAt)
	}
}

func TestInsertMemoryDuplicate(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	if err := db.InsertMemory(ctx, testMemory("m1", "alice")); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	err := db.InsertMemory(ctx, testMemory("m1", "alice"))
	if !errors.Is(err, model.ErrDataIntegrity) {
		t.Fatalf("duplicate insert err = %v, want ErrDataIntegrity", err)
	}
}

func TestInsertMemoryRejectsBadRange(t *testing.T) {
	db := testDB(t)
	m := testMemory("m1", "alice")
	m.EmotionalValence = -3
	if err := db.InsertMemory(t.Context(), m); err == nil {
		t.Fatal("expected CHECK failure for valence out of range")
	}
	if _, err := db.GetMemory(t.Context(), "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("rejected memory was stored: %v", err)
	}
}

func TestGetMemoryNotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetMemory(t.Context(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetMemoriesSkipsMissingAndSorts(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()

	later := testMemory("m2", "alice", "bob")
	later.CreatedAt = later.CreatedAt.Add(time.Hour)
	for _, m := range []*model.MemoryItem{later, testMemory("m1", "alice", "bob")} {
		if err := db.InsertMemory(ctx, m); err != nil {
			t.Fatalf("InsertMemory: %v", err)
		}
	}

	got, err := db.GetMemories(ctx, []string{"m2", "missing", "m1"})
	if err != nil {
		t.Fatalf("GetMemories: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("GetMemories order = %v", ids(got))
	}
}

func TestListMemoriesByEntity(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	db.InsertMemory(ctx, testMemory("m1", "alice", "bob"))
	db.InsertMemory(ctx, testMemory("m2", "carol"))

	got, err := db.ListMemoriesByEntity(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("ListMemoriesByEntity: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" || len(got[0].EntityIDs) != 2 {
		t.Fatalf("got %v", ids(got))
	}
}

func TestMemoryLifecycleEvents(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	db.InsertMemory(ctx, testMemory("m1", "alice"))

	state, err := db.MemoryState(ctx, "m1")
	if err != nil {
		t.Fatalf("MemoryState: %v", err)
	}
	if state != model.LifecycleActive {
		t.Errorf("initial state = %s, want active", state)
	}

	at := time.Now()
	if err := db.AppendMemoryEvent(ctx, "m1", model.LifecycleArchived, "user request", at); err != nil {
		t.Fatalf("AppendMemoryEvent: %v", err)
	}
	if err := db.AppendMemoryEvent(ctx, "m1", model.LifecycleSuppressed, "privacy", at); err != nil {
		t.Fatalf("AppendMemoryEvent: %v", err)
	}

	state, _ = db.MemoryState(ctx, "m1")
	if state != model.LifecycleSuppressed {
		t.Errorf("state = %s, want suppressed", state)
	}
	events, err := db.MemoryEvents(ctx, "m1")
	if err != nil {
		t.Fatalf("MemoryEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (history is append-only)", len(events))
	}

	if err := db.AppendMemoryEvent(ctx, "m1", "deleted", "", at); !errors.Is(err, model.ErrDataIntegrity) {
		t.Errorf("unknown state err = %v, want ErrDataIntegrity", err)
	}
	if err := db.AppendMemoryEvent(ctx, "nope", model.LifecycleArchived, "", at); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing memory err = %v, want ErrNotFound", err)
	}
}

func TestMemoryCache(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	if err := db.EnableMemoryCache(1 << 20); err != nil {
		t.Fatalf("EnableMemoryCache: %v", err)
	}
	if err := db.InsertMemory(ctx, testMemory("m1", "alice")); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	db.memories.Wait()

	if _, ok := db.memories.Get("m1"); !ok {
		t.Fatal("memory not cached after insert")
	}

	// A cached memory is served even when the row is gone.
	db.Exec(`DELETE FROM memory_events`)
	db.Exec(`DELETE FROM memory_entities`)
	db.Exec(`DELETE FROM memories`)
	got, err := db.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMemory from cache: %v", err)
	}
	if got.Text != "memory m1" {
		t.Errorf("Text = %q", got.Text)
	}
}

func ids(ms []*model.MemoryItem) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
