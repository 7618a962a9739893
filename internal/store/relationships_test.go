package store

import (
	"errors"
	"testing"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
)

func TestRecordEvidenceCreatesPair(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	added, err := db.RecordEvidence(ctx, Evidence{EntityA: "bob", EntityB: "alice", MemoryID: "m1", At: at, BalanceDelta: 0.5})
	if err != nil {
		t.Fatalf("RecordEvidence: %v", err)
	}
	if !added {
		t.Fatal("first evidence not added")
	}

	r, err := db.GetRelationship(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if r.EntityA != "alice" || r.EntityB != "bob" {
		t.Errorf("pair = %s/%s, want canonical alice/bob", r.EntityA, r.EntityB)
	}
	if r.InteractionCount != 1 || len(r.SharedMemoryIDs) != 1 || r.SharedMemoryIDs[0] != "m1" {
		t.Errorf("evidence = %+v", r)
	}
	// Delta was given relative to bob as A; canonical A is alice.
	if r.PressureBalance != -0.5 {
		t.Errorf("PressureBalance = %v, want -0.5", r.PressureBalance)
	}
	if r.Dirty || r.Version != 0 {
		t.Errorf("low salience evidence dirtied the pair: %+v", r)
	}
}

func TestRecordEvidenceDirtyingBumpsVersion(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	at := time.Now()

	db.RecordEvidence(ctx, Evidence{EntityA: "alice", EntityB: "bob", MemoryID: "m1", At: at})
	db.RecordEvidence(ctx, Evidence{EntityA: "alice", EntityB: "bob", MemoryID: "m2", At: at, Dirtying: true})

	r, _ := db.GetRelationship(ctx, "bob", "alice")
	if !r.Dirty || r.Version != 1 || r.InteractionCount != 2 {
		t.Errorf("after dirtying: dirty=%v version=%d count=%d", r.Dirty, r.Version, r.InteractionCount)
	}
}

func TestRecordEvidenceIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	ev := Evidence{EntityA: "alice", EntityB: "bob", MemoryID: "m1", At: time.Now(), Dirtying: true}
	db.RecordEvidence(ctx, ev)
	added, err := db.RecordEvidence(ctx, ev)
	if err != nil {
		t.Fatalf("RecordEvidence replay: %v", err)
	}
	if added {
		t.Error("replayed evidence reported as added")
	}
	r, _ := db.GetRelationship(ctx, "alice", "bob")
	if r.InteractionCount != 1 || r.Version != 1 {
		t.Errorf("replay changed counters: %+v", r)
	}
}

func TestRecordEvidenceRejectsSelfPair(t *testing.T) {
	db := testDB(t)
	_, err := db.RecordEvidence(t.Context(), Evidence{EntityA: "alice", EntityB: "alice", MemoryID: "m1"})
	if !errors.Is(err, model.ErrDataIntegrity) {
		t.Fatalf("err = %v, want ErrDataIntegrity", err)
	}
}

func TestCompleteSynthesisVersionCheck(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	at := time.Now()
	db.RecordEvidence(ctx, Evidence{EntityA: "alice", EntityB: "bob", MemoryID: "m1", At: at, Dirtying: true})

	r, _ := db.GetRelationship(ctx, "alice", "bob")
	start := r.Version

	// A dirtying write lands mid-synthesis.
	db.RecordEvidence(ctx, Evidence{EntityA: "alice", EntityB: "bob", MemoryID: "m2", At: at, Dirtying: true})

	cleared, err := db.CompleteSynthesis(ctx, "alice", "bob", "old view", at, start)
	if err != nil {
		t.Fatalf("CompleteSynthesis: %v", err)
	}
	if cleared {
		t.Fatal("dirty cleared despite a newer dirtying write")
	}
	r, _ = db.GetRelationship(ctx, "alice", "bob")
	if !r.Dirty || r.CachedSynthesis != "old view" {
		t.Errorf("after contended synthesis: dirty=%v text=%q", r.Dirty, r.CachedSynthesis)
	}

	cleared, err = db.CompleteSynthesis(ctx, "bob", "alice", "fresh view", at, r.Version)
	if err != nil {
		t.Fatalf("CompleteSynthesis: %v", err)
	}
	if !cleared {
		t.Fatal("dirty not cleared with current version")
	}
	r, _ = db.GetRelationship(ctx, "alice", "bob")
	if r.Dirty || r.CachedSynthesis != "fresh view" || !r.HasSynthesis() {
		t.Errorf("after synthesis: %+v", r)
	}
}

func TestCompleteSynthesisMissingPair(t *testing.T) {
	db := testDB(t)
	_, err := db.CompleteSynthesis(t.Context(), "x", "y", "text", time.Now(), 0)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRelationships(t *testing.T) {
	db := testDB(t)
	ctx := t.Context()
	at := time.Now()
	db.RecordEvidence(ctx, Evidence{EntityA: "alice", EntityB: "bob", MemoryID: "m1", At: at})
	db.RecordEvidence(ctx, Evidence{EntityA: "carol", EntityB: "alice", MemoryID: "m2", At: at.Add(time.Hour)})
	db.RecordEvidence(ctx, Evidence{EntityA: "carol", EntityB: "bob", MemoryID: "m3", At: at})

	rs, err := db.ListRelationships(ctx, "alice")
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(rs) != 2 || rs[0].EntityB != "carol" {
		t.Errorf("relationships = %+v", rs)
	}
}
