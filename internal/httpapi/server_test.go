package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sessioncore/internal/config"
	"sessioncore/internal/convstore"
	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memorystore"
	"sessioncore/internal/promptassembler"
	"sessioncore/internal/ranker"
	"sessioncore/internal/sessionmanager"
	"sessioncore/internal/tokencount"
	"sessioncore/internal/toolexec"
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

type noNotes struct{}

func (noNotes) Notes(conversationID, entityID string) promptassembler.Notes { return promptassembler.Notes{} }

func newTestServer(t *testing.T) (*Server, interface{ convstore.Store; CreateConversation(convstore.Conversation) }) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Entities = []config.EntityConfig{{IndexName: "e1", Label: "Aria", Provider: "anthropic", DefaultModel: "test-model"}}
	conv := convstore.NewMemoryStore()
	memStore := memorystore.New(noopBackend{}, time.Minute)
	rnk := ranker.New(ranker.Config{
		SimilarityThreshold:      cfg.Ranker.SimilarityThreshold,
		RetrievalTopK:            cfg.Ranker.RetrievalTopK,
		InitialRetrievalTopK:     cfg.Ranker.InitialRetrievalTopK,
		SignificanceHalfLifeDays: cfg.Ranker.SignificanceHalfLifeDays,
		RecencyBoostStrength:     cfg.Ranker.RecencyBoostStrength,
		SignificanceFloor:        cfg.Ranker.SignificanceFloor,
	}, memStore, conv, nil)
	counter := tokencount.New(tokencount.Config{})
	provider := &stubProvider{reply: "hello back"}
	manager := sessionmanager.New(cfg, ranker.Config{}, conv, memStore, rnk, counter, provider)
	registry := toolexec.NewRegistry()

	return NewServer(manager, conv, memStore, rnk, registry, noNotes{}), conv
}

func TestHandleSendReturnsNotFoundForMissingConversation(t *testing.T) {
	srv, _ := newTestServer(t)
	body := strings.NewReader(`{"conversation_id":"missing","message":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/send", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSendHappyPath(t *testing.T) {
	srv, conv := newTestServer(t)
	conv.CreateConversation(convstore.Conversation{ID: "c1", EntityID: "e1", Type: convstore.ConversationNormal, CreatedAt: time.Now()})

	body := strings.NewReader(`{"conversation_id":"c1","message":"hello there"}`)
	req := httptest.NewRequest(http.MethodPost, "/send", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res sendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Content != "hello back" {
		t.Fatalf("expected stub reply, got %q", res.Content)
	}
}

func TestHandleStreamEmitsDoneEvent(t *testing.T) {
	srv, conv := newTestServer(t)
	conv.CreateConversation(convstore.Conversation{ID: "c1", EntityID: "e1", Type: convstore.ConversationNormal, CreatedAt: time.Now()})

	body := strings.NewReader(`{"conversation_id":"c1","message":"hello there","has_message":true}`)
	req := httptest.NewRequest(http.MethodPost, "/stream", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	for _, want := range []string{"event: memories", "event: start", "event: token", "event: done"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected SSE stream to contain %q, got: %s", want, out)
		}
	}
}

func TestHandleRegenerateSingleEntityResubmitsPriorUserTurn(t *testing.T) {
	srv, conv := newTestServer(t)
	conv.CreateConversation(convstore.Conversation{ID: "c1", EntityID: "e1", Type: convstore.ConversationNormal, CreatedAt: time.Now()})

	sendBody := strings.NewReader(`{"conversation_id":"c1","message":"hello there"}`)
	sendReq := httptest.NewRequest(http.MethodPost, "/send", sendBody)
	sendRec := httptest.NewRecorder()
	srv.ServeHTTP(sendRec, sendReq)
	if sendRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /send, got %d: %s", sendRec.Code, sendRec.Body.String())
	}

	msgs, err := conv.ListMessages(context.Background(), "c1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages after /send, got %d (err=%v)", len(msgs), err)
	}

	regenBody := strings.NewReader(`{"conversation_id":"c1"}`)
	regenReq := httptest.NewRequest(http.MethodPost, "/regenerate", regenBody)
	regenRec := httptest.NewRecorder()
	srv.ServeHTTP(regenRec, regenReq)

	if regenRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /regenerate, got %d: %s", regenRec.Code, regenRec.Body.String())
	}
	out := regenRec.Body.String()
	if !strings.Contains(out, "event: done") {
		t.Fatalf("expected SSE stream to contain event: done, got: %s", out)
	}
	if strings.Contains(out, "event: error") {
		t.Fatalf("expected no error event, got: %s", out)
	}

	msgs, err = conv.ListMessages(context.Background(), "c1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages after regenerate (old pair replaced), got %d (err=%v)", len(msgs), err)
	}
	if msgs[0].Role != convstore.RoleHuman || msgs[0].Content != "hello there" {
		t.Fatalf("expected regenerated human turn to carry the original text, got %+v", msgs[0])
	}
}

func TestHandleRegenerateWithoutPriorReplyFails(t *testing.T) {
	srv, conv := newTestServer(t)
	conv.CreateConversation(convstore.Conversation{ID: "c1", EntityID: "e1", Type: convstore.ConversationNormal, CreatedAt: time.Now()})

	body := strings.NewReader(`{"conversation_id":"c1"}`)
	req := httptest.NewRequest(http.MethodPost, "/regenerate", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 (no reply to regenerate), got %d: %s", rec.Code, rec.Body.String())
	}
}
