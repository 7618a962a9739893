package prediction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/store"
)

var t0 = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testEngine(t *testing.T, db *store.DB, c Completer, mutate func(*config.HooksConfig)) (*Engine, *clock) {
	t.Helper()
	if db == nil {
		var err error
		db, err = store.OpenMemory()
		if err != nil {
			t.Fatalf("OpenMemory: %v", err)
		}
		t.Cleanup(func() { db.Close() })
	}
	cfg := config.Default().Hooks
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(db, c, cfg, nil)
	clk := &clock{now: t0}
	e.now = clk.Now
	t.Cleanup(e.Close)
	return e, clk
}

func authMemory(id string, salience int) *model.MemoryItem {
	return &model.MemoryItem{
		ID:            id,
		EntityIDs:     []string{"alice", "bob"},
		Text:          "bob said the auth service rewrite is blocked on review",
		Topics:        []string{"auth"},
		SalienceScore: salience,
		Salience:      model.ClassActive,
		SecurityTier:  model.TierGeneral,
		CreatedAt:     t0,
	}
}

func TestAuthScenario(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := t.Context()

	hooks := e.GenerateHooks(ctx, authMemory("m1", 75))
	if len(hooks) != 2 {
		t.Fatalf("hooks = %d, want one per watcher", len(hooks))
	}

	lunch := model.ContextSnapshot{TalkingTo: "bob", Topic: "lunch"}
	if got := e.OnContextChange(ctx, "alice", lunch); len(got) != 0 {
		t.Fatalf("lunch context surfaced %+v", got)
	}

	auth := model.ContextSnapshot{TalkingTo: "bob", Topic: "auth", Location: "hallway"}
	got := e.OnContextChange(ctx, "alice", auth)
	if len(got) != 1 {
		t.Fatalf("auth context surfaced %d, want 1", len(got))
	}
	if got[0].MemoryID != "m1" || got[0].EntityID != "alice" || got[0].Priority != model.PriorityHigh {
		t.Errorf("surfaced = %+v", got[0])
	}
}

func TestCooldown(t *testing.T) {
	e, clk := testEngine(t, nil, nil, nil)
	ctx := t.Context()
	e.GenerateHooks(ctx, authMemory("m1", 75))
	snap := model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"}

	if got := e.OnContextChange(ctx, "alice", snap); len(got) != 1 {
		t.Fatalf("first = %d, want 1", len(got))
	}
	clk.Advance(time.Hour)
	if got := e.OnContextChange(ctx, "alice", snap); len(got) != 0 {
		t.Fatalf("fired again inside cooldown: %+v", got)
	}
	clk.Advance(e.cfg.Cooldown)
	if got := e.OnContextChange(ctx, "alice", snap); len(got) != 1 {
		t.Fatalf("after cooldown = %d, want 1", len(got))
	}
}

func TestTopKOrdering(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := t.Context()

	saliences := []int{45, 95, 75, 20, 80}
	for i, s := range saliences {
		m := authMemory(fmt.Sprintf("m%d", i), s)
		m.Topics = nil
		e.GenerateHooks(ctx, m)
	}

	got := e.OnContextChange(ctx, "alice", model.ContextSnapshot{TalkingTo: "bob"})
	if len(got) != 3 {
		t.Fatalf("surfaced = %d, want top 3", len(got))
	}
	want := []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityHigh}
	for i, s := range got {
		if s.Priority != want[i] {
			t.Errorf("surfaced[%d].Priority = %s, want %s", i, s.Priority, want[i])
		}
	}

	hooks, err := e.HooksFor(ctx, "alice")
	if err != nil {
		t.Fatalf("HooksFor: %v", err)
	}
	fired := 0
	for _, h := range hooks {
		fired += h.FiredCount
	}
	if fired != 3 {
		t.Errorf("total fired = %d, want only the surfaced 3", fired)
	}
}

func TestConfidenceBreaksTies(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := t.Context()
	e.GenerateHooks(ctx, authMemory("a", 75))
	b := e.GenerateHooks(ctx, authMemory("b", 75))

	var bAlice string
	for _, h := range b {
		if h.EntityID == "alice" {
			bAlice = h.ID
		}
	}
	if _, err := e.RecordFeedback(ctx, bAlice, true); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}

	got := e.OnContextChange(ctx, "alice", model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"})
	if len(got) != 2 || got[0].HookID != bAlice {
		t.Errorf("surfaced = %+v, want higher-confidence hook first", got)
	}
}

func TestFeedbackAndDemotion(t *testing.T) {
	e, clk := testEngine(t, nil, nil, nil)
	ctx := t.Context()
	e.GenerateHooks(ctx, authMemory("m1", 75))
	snap := model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"}

	got := e.OnContextChange(ctx, "alice", snap)
	if len(got) != 1 {
		t.Fatalf("surfaced = %d", len(got))
	}
	id := got[0].HookID

	// Below the firing minimum, low confidence does not demote.
	for i := 0; i < 4; i++ {
		h, err := e.RecordFeedback(ctx, id, false)
		if err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
		if h.State != model.HookActive {
			t.Fatalf("demoted after %d firings", h.FiredCount)
		}
	}

	for i := 0; i < 2; i++ {
		clk.Advance(e.cfg.Cooldown)
		if got := e.OnContextChange(ctx, "alice", snap); len(got) != 1 {
			t.Fatalf("fire %d surfaced %d", i+2, len(got))
		}
	}
	h, err := e.RecordFeedback(ctx, id, false)
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if h.State != model.HookDemoted {
		t.Fatalf("state = %s confidence = %v, want demoted", h.State, h.Confidence)
	}

	clk.Advance(e.cfg.Cooldown)
	if got := e.OnContextChange(ctx, "alice", snap); len(got) != 0 {
		t.Errorf("demoted hook fired: %+v", got)
	}
	for i := 0; i < 5; i++ {
		h, err = e.RecordFeedback(ctx, id, true)
		if err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}
	if h.State != model.HookDemoted {
		t.Errorf("demoted hook came back as %s", h.State)
	}
}

func TestFeedbackEMA(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := t.Context()
	hooks := e.GenerateHooks(ctx, authMemory("m1", 75))

	h, err := e.RecordFeedback(ctx, hooks[0].ID, true)
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	// 0.5 + 0.3 * (1 - 0.5)
	if h.Confidence < 0.649 || h.Confidence > 0.651 || h.FeedbackCount != 1 {
		t.Errorf("confidence = %v count = %d, want 0.65/1", h.Confidence, h.FeedbackCount)
	}
}

func TestFirePersistedAsync(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	e, _ := testEngine(t, db, nil, nil)
	ctx := t.Context()
	e.GenerateHooks(ctx, authMemory("m1", 75))

	got := e.OnContextChange(ctx, "alice", model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"})
	e.Flush()

	h, err := db.GetHook(ctx, got[0].HookID)
	if err != nil {
		t.Fatalf("GetHook: %v", err)
	}
	if h.FiredCount != 1 || h.LastFired == nil {
		t.Errorf("stored hook = %+v, want one firing", h)
	}

	// A fresh engine on the same store picks the hooks back up.
	e2, _ := testEngine(t, db, nil, nil)
	n, err := e2.LoadIndex(ctx)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if n != 2 || e2.IndexSize() != 2 {
		t.Errorf("loaded %d, index %d, want 2", n, e2.IndexSize())
	}
}

func TestExpireStale(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	e, clk := testEngine(t, db, nil, nil)
	ctx := t.Context()

	medium := e.GenerateHooks(ctx, authMemory("m1", 50))
	high := e.GenerateHooks(ctx, authMemory("m2", 80))
	if medium[0].ExpiresAt == nil || high[0].ExpiresAt != nil {
		t.Fatalf("ttl: medium=%v high=%v", medium[0].ExpiresAt, high[0].ExpiresAt)
	}

	clk.Advance(e.cfg.MediumTTL + time.Hour)
	if got := e.OnContextChange(ctx, "alice", model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"}); len(got) != 1 || got[0].MemoryID != "m2" {
		t.Errorf("surfaced = %+v, want only the unexpired hook", got)
	}

	n, err := e.ExpireStale(ctx, clk.now)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 2 || e.IndexSize() != 2 {
		t.Errorf("expired %d, index %d, want 2/2", n, e.IndexSize())
	}
	h, _ := db.GetHook(ctx, medium[0].ID)
	if h.State != model.HookExpired {
		t.Errorf("stored state = %s, want expired", h.State)
	}
}

func TestDeactivateMemory(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := t.Context()
	e.GenerateHooks(ctx, authMemory("m1", 75))

	n, err := e.DeactivateMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("DeactivateMemory: %v", err)
	}
	if n != 2 || e.IndexSize() != 0 {
		t.Errorf("deactivated %d, index %d", n, e.IndexSize())
	}
	if got := e.OnContextChange(ctx, "alice", model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"}); len(got) != 0 {
		t.Errorf("archived memory surfaced: %+v", got)
	}
	hooks, _ := e.HooksFor(ctx, "alice")
	if len(hooks) != 1 || hooks[0].State != model.HookExpired {
		t.Errorf("history = %+v, want one expired hook kept", hooks)
	}
}

func TestGenerateOnlyForActive(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	m := authMemory("m1", 50)
	m.Salience = model.ClassLatent
	if hooks := e.GenerateHooks(t.Context(), m); len(hooks) != 0 {
		t.Errorf("latent memory got %d hooks", len(hooks))
	}
}

func TestHeuristicHooks(t *testing.T) {
	m := authMemory("m1", 50)
	m.OpenLoops = []string{"review auth PR"}
	m.Location = "office"

	got := dedupe(heuristicHooks(m))
	// per watcher: talking_to+topic, open loop, location
	if len(got) != 6 {
		t.Fatalf("drafts = %d, want 6", len(got))
	}
	for _, d := range got {
		for _, c := range d.conds {
			if c.Field == model.FieldOpenLoop && d.priority != model.PriorityHigh {
				t.Errorf("open loop hook priority = %s, want raised to high", d.priority)
			}
		}
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		salience int
		want     model.Priority
	}{
		{100, model.PriorityCritical},
		{90, model.PriorityCritical},
		{89, model.PriorityHigh},
		{70, model.PriorityHigh},
		{69, model.PriorityMedium},
		{40, model.PriorityMedium},
		{39, model.PriorityLow},
		{0, model.PriorityLow},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.salience); got != tt.want {
			t.Errorf("PriorityFor(%d) = %s, want %s", tt.salience, got, tt.want)
		}
	}
}

func TestProposedHooks(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{Content: "```json\n" + `[
		{"entity_id": "bob", "priority": "critical", "conditions": [{"field": "time_window", "value": "08:30-10:00"}, {"field": "activity", "value": "standup"}]},
		{"entity_id": "mallory", "priority": "high", "conditions": [{"field": "talking_to", "value": "bob"}]},
		{"entity_id": "alice", "priority": "bogus", "conditions": [{"field": "mood_ring", "value": "blue"}]},
		{"entity_id": "alice", "priority": "low", "conditions": [{"field": "talking_to", "value": "BOB"}, {"field": "topic", "value": "auth"}]}
	]` + "\n```"}}
	e, _ := testEngine(t, nil, mock, func(c *config.HooksConfig) { c.UseLLM = true })
	ctx := t.Context()

	hooks := e.GenerateHooks(ctx, authMemory("m1", 75))
	// two heuristic + the standup rule; the alice rule duplicates a heuristic one
	if len(hooks) != 3 {
		t.Fatalf("hooks = %+v, want 3", hooks)
	}

	morning := time.Date(2026, 6, 2, 9, 15, 0, 0, time.UTC)
	got := e.OnContextChange(ctx, "bob", model.ContextSnapshot{Activity: "standup", Time: morning})
	if len(got) != 1 || got[0].Priority != model.PriorityCritical {
		t.Errorf("surfaced = %+v, want standup hook", got)
	}

	vault := authMemory("m2", 75)
	vault.SecurityTier = model.TierVault
	e.GenerateHooks(ctx, vault)
	if mock.CallCount() != 1 {
		t.Errorf("calls = %d, vault memory must not be sent", mock.CallCount())
	}
}

func TestProposalFailureKeepsHeuristics(t *testing.T) {
	mock := &llm.MockClient{Err: fmt.Errorf("%w: down", model.ErrCapabilityUnavailable)}
	e, _ := testEngine(t, nil, mock, func(c *config.HooksConfig) { c.UseLLM = true })
	if hooks := e.GenerateHooks(t.Context(), authMemory("m1", 75)); len(hooks) != 2 {
		t.Errorf("hooks = %d, want heuristic 2", len(hooks))
	}
}

func TestTimeWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 6, 1, h, m, 0, 0, time.UTC) }
	tests := []struct {
		window string
		at     time.Time
		want   bool
	}{
		{"09:00-17:00", at(8, 59), false},
		{"09:00-17:00", at(9, 0), true},
		{"09:00-17:00", at(16, 59), true},
		{"09:00-17:00", at(17, 0), false},
		{"22:00-02:00", at(23, 30), true},
		{"22:00-02:00", at(1, 0), true},
		{"22:00-02:00", at(3, 0), false},
		{"25:00-01:00", at(1, 0), false},
		{"nonsense", at(1, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.window+"@"+tt.at.Format("15:04"), func(t *testing.T) {
			conds := []model.Condition{{Field: model.FieldTimeWindow, Value: tt.window}}
			if got := Matches(conds, model.ContextSnapshot{}, tt.at); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesSemantics(t *testing.T) {
	snap := model.ContextSnapshot{
		TalkingTo: "Bob",
		Present:   []string{"carol"},
		Location:  "hallway",
		OpenLoops: []string{"review auth PR"},
		Emotion:   "anxious",
	}
	tests := []struct {
		name  string
		conds []model.Condition
		want  bool
	}{
		{"no conditions never match", nil, false},
		{"case insensitive person", []model.Condition{{Field: model.FieldTalkingTo, Value: "bob"}}, true},
		{"present counts as talking to", []model.Condition{{Field: model.FieldTalkingTo, Value: "carol"}}, true},
		{"all must hold", []model.Condition{{Field: model.FieldTalkingTo, Value: "bob"}, {Field: model.FieldLocation, Value: "office"}}, false},
		{"open loop", []model.Condition{{Field: model.FieldOpenLoop, Value: "review auth PR"}}, true},
		{"emotion", []model.Condition{{Field: model.FieldEmotion, Value: "anxious"}}, true},
		{"empty context field", []model.Condition{{Field: model.FieldDevice, Value: ""}}, false},
		{"unknown field", []model.Condition{{Field: model.ConditionField("weather"), Value: "rain"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.conds, snap, t0); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentContextChanges(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := context.Background()
	e.GenerateHooks(ctx, authMemory("m1", 75))
	snap := model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"}

	results := make(chan int, 16)
	for i := 0; i < 16; i++ {
		go func() { results <- len(e.OnContextChange(ctx, "alice", snap)) }()
	}
	total := 0
	for i := 0; i < 16; i++ {
		total += <-results
	}
	if total != 1 {
		t.Errorf("hook fired %d times across concurrent events, want 1", total)
	}
}

func TestGateBlocksSurfacing(t *testing.T) {
	e, _ := testEngine(t, nil, nil, nil)
	ctx := t.Context()
	e.GenerateHooks(ctx, authMemory("private", 75))
	e.GenerateHooks(ctx, authMemory("open", 75))
	e.WithGate(func(_ context.Context, h model.PredictionHook, _ model.ContextSnapshot, _ time.Time) bool {
		return h.MemoryID != "private"
	})

	got := e.OnContextChange(ctx, "alice", model.ContextSnapshot{TalkingTo: "bob", Topic: "auth"})
	if len(got) != 1 || got[0].MemoryID != "open" {
		t.Fatalf("surfaced = %+v, want only the open memory", got)
	}
	hooks, _ := e.HooksFor(ctx, "alice")
	for _, h := range hooks {
		if h.MemoryID == "private" && h.FiredCount != 0 {
			t.Errorf("gated hook fired %d times", h.FiredCount)
		}
	}
}

// stallingStore holds feedback writes until release is closed.
type stallingStore struct {
	*store.DB
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) UpdateHookFeedback(ctx context.Context, h *model.PredictionHook) error {
	close(s.entered)
	<-s.release
	return s.DB.UpdateHookFeedback(ctx, h)
}

func TestMatchingDoesNotWaitOnFeedbackWrite(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	slow := &stallingStore{DB: db, entered: make(chan struct{}), release: make(chan struct{})}

	e := New(slow, nil, config.Default().Hooks, nil)
	clk := &clock{now: t0}
	e.now = clk.Now
	t.Cleanup(e.Close)
	ctx := t.Context()

	e.GenerateHooks(ctx, authMemory("m1", 75))
	snap := model.ContextSnapshot{TalkingTo: "alice", Topic: "auth"}
	hooks, err := e.HooksFor(ctx, "bob")
	if err != nil || len(hooks) != 1 {
		t.Fatalf("HooksFor = %d, %v", len(hooks), err)
	}

	fbErr := make(chan error, 1)
	go func() {
		_, err := e.RecordFeedback(ctx, hooks[0].ID, true)
		fbErr <- err
	}()
	<-slow.entered

	surfaced := make(chan []model.SurfacedMemory, 1)
	go func() { surfaced <- e.OnContextChange(ctx, "bob", snap) }()
	select {
	case got := <-surfaced:
		if len(got) != 1 {
			t.Errorf("surfaced %d while feedback write in flight, want 1", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnContextChange blocked behind the feedback write")
	}

	close(slow.release)
	if err := <-fbErr; err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	got, err := db.GetHook(ctx, hooks[0].ID)
	if err != nil {
		t.Fatalf("GetHook: %v", err)
	}
	if got.FeedbackCount != 1 || got.Confidence <= config.Default().Hooks.InitialConfidence {
		t.Errorf("stored feedback = count %d confidence %v", got.FeedbackCount, got.Confidence)
	}
	if n := e.IndexSize(); n != 2 {
		t.Errorf("IndexSize = %d, want 2", n)
	}
}
