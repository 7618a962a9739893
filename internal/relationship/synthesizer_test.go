package relationship

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/store"
)

var testAt = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSynth(t *testing.T, db *store.DB, c Completer) *Synthesizer {
	t.Helper()
	s, err := New(db, c, config.Default().Relationship, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return testAt }
	return s
}

// share stores a memory between alice and bob and records it as evidence.
func share(t *testing.T, db *store.DB, s *Synthesizer, id string, salience int, tier model.SecurityTier) {
	t.Helper()
	ctx := context.Background()
	m := &model.MemoryItem{
		ID:            id,
		EntityIDs:     []string{"alice", "bob"},
		Text:          "shared moment " + id,
		CreatedAt:     testAt.Add(-time.Hour),
		SalienceScore: salience,
		Salience:      model.ClassLatent,
		SecurityTier:  tier,
	}
	if err := db.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory %s: %v", id, err)
	}
	if _, err := s.RecordEvidence(ctx, "alice", "bob", id, salience, 0, m.CreatedAt); err != nil {
		t.Fatalf("RecordEvidence %s: %v", id, err)
	}
}

func reply(text string) *llm.MockClient {
	return &llm.MockClient{Response: &llm.Response{Content: text, Provider: "mock"}}
}

func TestDirtyThreshold(t *testing.T) {
	tests := []struct {
		salience int
		want     bool
	}{
		{0, false},
		{69, false},
		{70, true},
		{100, true},
	}
	db := testStore(t)
	s := testSynth(t, db, nil)
	for i, tt := range tests {
		t.Run(fmt.Sprint(tt.salience), func(t *testing.T) {
			if got := s.Dirtying(tt.salience); got != tt.want {
				t.Errorf("Dirtying(%d) = %v, want %v", tt.salience, got, tt.want)
			}
			a, b := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
			if _, err := s.RecordEvidence(t.Context(), a, b, "m", tt.salience, 0, testAt); err != nil {
				t.Fatalf("RecordEvidence: %v", err)
			}
			r, err := db.GetRelationship(t.Context(), a, b)
			if err != nil {
				t.Fatalf("GetRelationship: %v", err)
			}
			if r.Dirty != tt.want {
				t.Errorf("dirty = %v, want %v", r.Dirty, tt.want)
			}
		})
	}
}

func TestMidThenHighSalience(t *testing.T) {
	db := testStore(t)
	mock := reply("They work closely and trust each other.")
	s := testSynth(t, db, mock)
	ctx := t.Context()

	share(t, db, s, "m1", 50, model.TierGeneral)
	first, err := s.GetRelationship(ctx, "bob", "alice", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if first.FromCache || first.Text != "They work closely and trust each other." {
		t.Fatalf("first = %+v, want fresh synthesis", first)
	}

	share(t, db, s, "m2", 50, model.TierGeneral)
	again, err := s.GetRelationship(ctx, "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if !again.FromCache || mock.CallCount() != 1 {
		t.Errorf("mid salience evidence invalidated the cache: from_cache=%v calls=%d", again.FromCache, mock.CallCount())
	}
	if again.InteractionCount != 2 {
		t.Errorf("interaction count = %d, want 2", again.InteractionCount)
	}

	mock.Response = &llm.Response{Content: "A recent conflict strained things."}
	share(t, db, s, "m3", 80, model.TierGeneral)
	third, err := s.GetRelationship(ctx, "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if third.FromCache || third.Text != "A recent conflict strained things." || mock.CallCount() != 2 {
		t.Errorf("third = %+v calls=%d, want resynthesis", third, mock.CallCount())
	}
	r, _ := db.GetRelationship(ctx, "alice", "bob")
	if r.Dirty {
		t.Error("pair still dirty after clean synthesis")
	}
}

func TestSecurityTierFiltering(t *testing.T) {
	db := testStore(t)
	mock := reply("ok")
	s := testSynth(t, db, mock)

	share(t, db, s, "pub", 75, model.TierGeneral)
	share(t, db, s, "secret", 75, model.TierVault)

	res, err := s.GetRelationship(t.Context(), "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if res.MemoriesUsed != 1 || res.MemoriesWithheld != 1 {
		t.Errorf("used=%d withheld=%d, want 1/1", res.MemoriesUsed, res.MemoriesWithheld)
	}
	prompt := mock.Calls[0]
	if strings.Contains(prompt, "shared moment secret") {
		t.Error("vault memory text reached the synthesis prompt")
	}
	if !strings.Contains(prompt, "shared moment pub") {
		t.Error("general memory missing from prompt")
	}
}

func TestCapabilityDownServesStale(t *testing.T) {
	db := testStore(t)
	mock := reply("They are close friends.")
	s := testSynth(t, db, mock)
	ctx := t.Context()

	share(t, db, s, "m1", 80, model.TierGeneral)
	if _, err := s.GetRelationship(ctx, "alice", "bob", Options{}); err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}

	share(t, db, s, "m2", 90, model.TierGeneral)
	mock.Response, mock.Err = nil, fmt.Errorf("%w: breaker open", model.ErrCapabilityUnavailable)

	res, err := s.GetRelationship(ctx, "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if !res.Stale || res.Structural || res.Text != "They are close friends." {
		t.Errorf("res = %+v, want stale cached text", res)
	}
	if res.InteractionCount != 2 {
		t.Errorf("interaction count = %d, want 2", res.InteractionCount)
	}
}

func TestCapabilityDownStructural(t *testing.T) {
	db := testStore(t)
	s := testSynth(t, db, nil)

	share(t, db, s, "m1", 85, model.TierGeneral)
	res, err := s.GetRelationship(t.Context(), "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if !res.Structural || !strings.Contains(res.Text, "1 recorded interactions") {
		t.Errorf("res = %+v, want structural fallback", res)
	}
}

func TestGuardFailureIsStructural(t *testing.T) {
	db := testStore(t)
	mock := &llm.MockClient{Err: errors.New("connection refused")}
	s := testSynth(t, db, llm.NewGuard(mock, nil, time.Second, nil))

	share(t, db, s, "m1", 85, model.TierGeneral)
	res, err := s.GetRelationship(t.Context(), "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if !res.Structural {
		t.Errorf("res = %+v, want structural", res)
	}
}

func TestUnknownPair(t *testing.T) {
	db := testStore(t)
	mock := reply("unused")
	s := testSynth(t, db, mock)

	res, err := s.GetRelationship(t.Context(), "alice", "zed", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if !res.Structural || res.InteractionCount != 0 || !strings.Contains(res.Text, "no shared memories") {
		t.Errorf("res = %+v, want structural empty pair", res)
	}
	if mock.CallCount() != 0 {
		t.Errorf("calls = %d, want 0", mock.CallCount())
	}
}

func TestSelfPairRejected(t *testing.T) {
	s := testSynth(t, testStore(t), nil)
	if _, err := s.GetRelationship(t.Context(), "alice", "alice", Options{}); !errors.Is(err, model.ErrDataIntegrity) {
		t.Errorf("err = %v, want ErrDataIntegrity", err)
	}
	if _, err := s.RecordEvidence(t.Context(), "alice", "", "m1", 90, 0, testAt); !errors.Is(err, model.ErrDataIntegrity) {
		t.Errorf("err = %v, want ErrDataIntegrity", err)
	}
}

func TestConflictRetriesOnce(t *testing.T) {
	db := testStore(t)
	s := testSynth(t, db, nil)
	share(t, db, s, "m1", 90, model.TierGeneral)

	calls := 0
	s.llm = &llm.MockClient{Fn: func(ctx context.Context, prompt string) (*llm.Response, error) {
		calls++
		if calls == 1 {
			// Dirtying evidence lands while the first synthesis runs.
			share(t, db, s, "m2", 95, model.TierGeneral)
		}
		return &llm.Response{Content: fmt.Sprintf("synthesis %d", calls)}, nil
	}}

	res, err := s.GetRelationship(t.Context(), "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if calls != 2 || res.Stale || res.Text != "synthesis 2" {
		t.Errorf("calls=%d res=%+v, want clean second synthesis", calls, res)
	}
	if res.MemoriesUsed != 2 {
		t.Errorf("memories used = %d, want 2", res.MemoriesUsed)
	}
	r, _ := db.GetRelationship(t.Context(), "alice", "bob")
	if r.Dirty {
		t.Error("pair still dirty")
	}
}

func TestConflictTwiceServesStale(t *testing.T) {
	db := testStore(t)
	s := testSynth(t, db, nil)
	share(t, db, s, "m0", 90, model.TierGeneral)

	calls := 0
	s.llm = &llm.MockClient{Fn: func(ctx context.Context, prompt string) (*llm.Response, error) {
		calls++
		share(t, db, s, fmt.Sprintf("m%d", calls), 95, model.TierGeneral)
		return &llm.Response{Content: fmt.Sprintf("synthesis %d", calls)}, nil
	}}

	res, err := s.GetRelationship(t.Context(), "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if calls != 2 || !res.Stale {
		t.Errorf("calls=%d stale=%v, want 2 attempts then stale", calls, res.Stale)
	}
	r, _ := db.GetRelationship(t.Context(), "alice", "bob")
	if !r.Dirty {
		t.Error("contended pair was marked clean; later evidence would be lost")
	}
	if r.CachedSynthesis != "synthesis 2" {
		t.Errorf("cached = %q, want newest text stored", r.CachedSynthesis)
	}
}

func TestRefreshForcesSynthesis(t *testing.T) {
	db := testStore(t)
	mock := reply("fresh")
	s := testSynth(t, db, mock)
	share(t, db, s, "m1", 90, model.TierGeneral)

	for i := 0; i < 2; i++ {
		if _, err := s.GetRelationship(t.Context(), "alice", "bob", Options{}); err != nil {
			t.Fatalf("GetRelationship: %v", err)
		}
	}
	if mock.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1", mock.CallCount())
	}
	res, err := s.RefreshRelationship(t.Context(), "alice", "bob", Options{})
	if err != nil {
		t.Fatalf("RefreshRelationship: %v", err)
	}
	if res.FromCache || mock.CallCount() != 2 {
		t.Errorf("refresh from_cache=%v calls=%d", res.FromCache, mock.CallCount())
	}
}

func TestContextRequestNotCached(t *testing.T) {
	db := testStore(t)
	mock := reply("base")
	s := testSynth(t, db, mock)
	share(t, db, s, "m1", 90, model.TierGeneral)

	if _, err := s.GetRelationship(t.Context(), "alice", "bob", Options{}); err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	mock.Response = &llm.Response{Content: "for the offsite"}
	res, err := s.GetRelationship(t.Context(), "alice", "bob", Options{Context: "planning the offsite"})
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if res.Text != "for the offsite" {
		t.Errorf("text = %q", res.Text)
	}
	if !strings.Contains(mock.Calls[1], "planning the offsite") {
		t.Error("request context missing from prompt")
	}
	r, _ := db.GetRelationship(t.Context(), "alice", "bob")
	if r.CachedSynthesis != "base" {
		t.Errorf("cached = %q, want base untouched", r.CachedSynthesis)
	}
}

func TestConcurrentRequestsCollapse(t *testing.T) {
	db := testStore(t)
	s := testSynth(t, db, nil)
	share(t, db, s, "m1", 90, model.TierGeneral)

	release := make(chan struct{})
	mock := &llm.MockClient{Fn: func(ctx context.Context, prompt string) (*llm.Response, error) {
		<-release
		return &llm.Response{Content: "together"}, nil
	}}
	s.llm = mock

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.GetRelationship(context.Background(), "alice", "bob", Options{})
			if err != nil {
				t.Errorf("GetRelationship: %v", err)
				return
			}
			if res.Text != "together" {
				t.Errorf("text = %q", res.Text)
			}
		}()
	}
	for mock.CallCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if mock.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", mock.CallCount())
	}
}

func TestStructuralText(t *testing.T) {
	r := &model.RelationshipCache{EntityA: "alice", EntityB: "bob", InteractionCount: 4, LastInteraction: testAt, PressureBalance: 0.6}
	got := StructuralText(r)
	if !strings.Contains(got, "alice has been under more strain from bob") {
		t.Errorf("text = %q", got)
	}
	r.PressureBalance = 0
	if got := StructuralText(r); !strings.Contains(got, "balanced") {
		t.Errorf("text = %q", got)
	}
}
