package sessionmanager

import (
	"context"
	"testing"
	"time"

	"sessioncore/internal/config"
	"sessioncore/internal/convstore"
	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memorystore"
	"sessioncore/internal/promptassembler"
	"sessioncore/internal/ranker"
	"sessioncore/internal/tokencount"
)

type noopBackend struct{}

func (noopBackend) Upsert(ctx context.Context, entityID, id, text string, metadata map[string]string) error {
	return nil
}
func (noopBackend) Delete(ctx context.Context, entityID, id string) error { return nil }
func (noopBackend) Search(ctx context.Context, entityID, text string, k int, filter memorystore.Filter) ([]memorystore.Hit, error) {
	return nil, nil
}
func (noopBackend) UpdateMetadata(ctx context.Context, entityID, id string, partial map[string]string) error {
	return nil
}
func (noopBackend) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	return nil, "", nil
}

type stubProvider struct{ reply string }

func (p *stubProvider) Chat(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string) (llmtypes.ChatResult, error) {
	return llmtypes.ChatResult{Message: llmtypes.Text(llmtypes.RoleAssistant, p.reply), StopReason: llmtypes.StopEndTurn, Model: model}, nil
}
func (p *stubProvider) ChatStream(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string, h llmtypes.StreamHandler) (llmtypes.ChatResult, error) {
	h.OnDelta(p.reply)
	return llmtypes.ChatResult{Message: llmtypes.Text(llmtypes.RoleAssistant, p.reply), StopReason: llmtypes.StopEndTurn, Model: model}, nil
}

func newTestManager(t *testing.T) (*Manager, interface{ convstore.Store; CreateConversation(convstore.Conversation) }) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Entities = []config.EntityConfig{{IndexName: "e1", Label: "Aria", Provider: "anthropic", DefaultModel: "test-model"}}
	conv := convstore.NewMemoryStore()
	memStore := memorystore.New(noopBackend{}, time.Minute)
	rnk := ranker.New(ranker.Config{SimilarityThreshold: cfg.Ranker.SimilarityThreshold, RetrievalTopK: cfg.Ranker.RetrievalTopK, InitialRetrievalTopK: cfg.Ranker.InitialRetrievalTopK, SignificanceHalfLifeDays: cfg.Ranker.SignificanceHalfLifeDays, RecencyBoostStrength: cfg.Ranker.RecencyBoostStrength, SignificanceFloor: cfg.Ranker.SignificanceFloor}, memStore, conv, nil)
	counter := tokencount.New(tokencount.Config{})
	provider := &stubProvider{reply: "hello back"}
	m := New(cfg, ranker.Config{}, conv, memStore, rnk, counter, provider)
	return m, conv
}

func TestLoadFromDBReturnsNotFoundForMissingConversation(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.LoadFromDB(context.Background(), "missing", "", nil)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFirstTurnBootstrapsCacheLength(t *testing.T) {
	m, conv := newTestManager(t)
	conv.CreateConversation(convstore.Conversation{ID: "c1", EntityID: "e1", Type: convstore.ConversationNormal, CreatedAt: time.Now()})
	_, err := m.LoadFromDB(context.Background(), "c1", "", nil)
	if err != nil {
		t.Fatalf("load_from_db: %v", err)
	}

	res, err := m.ProcessMessage(context.Background(), "c1", "Hello", promptassembler.Notes{})
	if err != nil {
		t.Fatalf("process_message: %v", err)
	}
	if res.Content != "hello back" {
		t.Fatalf("expected stub reply, got %q", res.Content)
	}

	sess := m.Get("c1")
	if len(sess.RollingContext) != 2 {
		t.Fatalf("expected rolling_context length 2 after first exchange, got %d", len(sess.RollingContext))
	}
	if sess.LastCachedContextLength != 2 {
		t.Fatalf("expected bootstrap cache length 2, got %d", sess.LastCachedContextLength)
	}
}

func TestLoadFromDBPopulatesParticipantLabelsForMultiEntity(t *testing.T) {
	m, conv := newTestManager(t)
	m.cfg.Entities = append(m.cfg.Entities, config.EntityConfig{IndexName: "e2", Label: "Nova", Provider: "anthropic", DefaultModel: "test-model"})
	conv.CreateConversation(convstore.Conversation{
		ID: "c1", EntityID: convstore.MultiEntitySentinel, Type: convstore.ConversationMultiEntity,
		CreatedAt: time.Now(), Participants: []string{"e1", "e2"},
	})

	sess, err := m.LoadFromDB(context.Background(), "c1", "e1", nil)
	if err != nil {
		t.Fatalf("load_from_db: %v", err)
	}
	if len(sess.ParticipantLabels) != 2 || sess.ParticipantLabels[0] != "Aria" || sess.ParticipantLabels[1] != "Nova" {
		t.Fatalf("expected participant labels [Aria Nova], got %v", sess.ParticipantLabels)
	}
}

func TestAcquireFailsFastWhenBusy(t *testing.T) {
	m, conv := newTestManager(t)
	conv.CreateConversation(convstore.Conversation{ID: "c1", EntityID: "e1", Type: convstore.ConversationNormal, CreatedAt: time.Now()})
	_, _ = m.LoadFromDB(context.Background(), "c1", "", nil)

	e, err := m.acquire("c1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.acquire("c1"); err != ErrBusy {
		t.Fatalf("expected ErrBusy on second acquire, got %v", err)
	}
	e.mu.Unlock()
}
