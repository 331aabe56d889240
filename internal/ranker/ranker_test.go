package ranker

import (
	"context"
	"testing"
	"time"

	"sessioncore/internal/convstore"
	"sessioncore/internal/memorystore"
)

type stubBackend struct {
	hits map[string][]memorystore.Hit
}

func (s *stubBackend) Upsert(ctx context.Context, entityID, id, text string, metadata map[string]string) error {
	return nil
}
func (s *stubBackend) Delete(ctx context.Context, entityID, id string) error { return nil }
func (s *stubBackend) Search(ctx context.Context, entityID, text string, k int, filter memorystore.Filter) ([]memorystore.Hit, error) {
	return s.hits[text], nil
}
func (s *stubBackend) UpdateMetadata(ctx context.Context, entityID, id string, partial map[string]string) error {
	return nil
}
func (s *stubBackend) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	return nil, "", nil
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSignificanceFloorAppliesWhenNeverRetrieved(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	r := New(Config{SignificanceFloor: 0.01, SignificanceHalfLifeDays: 60, RecencyBoostStrength: 1.0}, nil, nil, fixedClock(now))
	sig := r.significance(0, now.AddDate(0, 0, -10), nil)
	if sig != 0.01 {
		t.Fatalf("expected floor 0.01 for a never-retrieved memory, got %v", sig)
	}
}

func TestSignificanceSameDayRetrievalUsesCeilingBoost(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	r := New(Config{SignificanceFloor: 0.01, SignificanceHalfLifeDays: 60, RecencyBoostStrength: 1.0}, nil, nil, fixedClock(now))
	lastRetrieved := now.Add(-1 * time.Hour)
	sig := r.significance(2, now, &lastRetrieved)
	// n=2, recency_factor = 1 + 1.0 = 2, half_life_modifier ~= 1 (age_days ~0) => ~4
	if sig < 3.9 || sig > 4.1 {
		t.Fatalf("expected significance near 4 (n=2 * recency=2 * halflife~1), got %v", sig)
	}
}

func TestRetrieveReturnsNilWithNoQueries(t *testing.T) {
	r := New(Config{}, memorystore.New(&stubBackend{}, time.Minute), convstore.NewMemoryStore(), nil)
	out := r.Retrieve(context.Background(), "e1", "c1", Queries{}, false, nil, false)
	if out != nil {
		t.Fatalf("expected nil candidates when neither query is present, got %+v", out)
	}
}

func TestRetrieveExcludesInContextIDs(t *testing.T) {
	now := time.Now().UTC()
	conv := convstore.NewMemoryStore()
	conv.CreateConversation(convstore.Conversation{ID: "other", EntityID: "e1"})
	_ = conv.AppendMessages(context.Background(), "other", []convstore.Message{
		{ID: "m1", Role: convstore.RoleHuman, Content: "hello", CreatedAt: now},
		{ID: "m2", Role: convstore.RoleAssistant, Content: "hi there", CreatedAt: now},
	})
	backend := &stubBackend{hits: map[string][]memorystore.Hit{
		"hello query": {{ID: "m1", Score: 0.9}, {ID: "m2", Score: 0.8}},
	}}
	store := memorystore.New(backend, time.Minute)
	r := New(Config{SimilarityThreshold: 0.5, RetrievalTopK: 4, InitialRetrievalTopK: 8}, store, conv, nil)

	out := r.Retrieve(context.Background(), "e1", "c1", Queries{UserQuery: "hello query", HasUserQuery: true}, true, map[string]bool{"m1": true}, false)
	if len(out) != 1 || out[0].ID != "m2" {
		t.Fatalf("expected only m2 (m1 excluded as in-context), got %+v", out)
	}
}
