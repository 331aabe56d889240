package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sessioncore/internal/llmtypes"
)

type recorder struct {
	deltas   []string
	toolUses []llmtypes.ContentBlock
}

func (r *recorder) OnDelta(text string)                  { r.deltas = append(r.deltas, text) }
func (r *recorder) OnToolUse(block llmtypes.ContentBlock) { r.toolUses = append(r.toolUses, block) }

func TestAnthropicChatReturnsText(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5",
			"content":[{"type":"text","text":"hello"}],
			"stop_reason":"end_turn",
			"usage":{"input_tokens":3,"output_tokens":2}
		}`)
	}))
	t.Cleanup(srv.Close)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	result, err := p.Chat(context.Background(), []llmtypes.Message{
		{Role: llmtypes.RoleUser, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "hi"}}},
	}, nil, "")
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(result.Message.Blocks) != 1 || result.Message.Blocks[0].Text != "hello" {
		t.Fatalf("unexpected blocks %+v", result.Message.Blocks)
	}
	if result.StopReason != llmtypes.StopEndTurn {
		t.Fatalf("expected end_turn stop reason, got %v", result.StopReason)
	}
}

func TestAnthropicChatSendsCacheControlOnSystemBlock(t *testing.T) {
	var reqBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-5",
			"content":[{"type":"text","text":"ok"}],
			"stop_reason":"end_turn",
			"usage":{"input_tokens":1,"output_tokens":1}
		}`)
	}))
	t.Cleanup(srv.Close)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	cache := &llmtypes.CacheControl{}
	_, err := p.Chat(context.Background(), []llmtypes.Message{
		{Role: llmtypes.RoleSystem, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "static system", Cache: cache}}},
		{Role: llmtypes.RoleUser, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "hi"}}},
	}, nil, "")
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	sysAny, ok := reqBody["system"]
	if !ok {
		t.Fatalf("expected system in request body, got %#v", reqBody)
	}
	sysList, ok := sysAny.([]any)
	if !ok || len(sysList) == 0 {
		t.Fatalf("expected system block array, got %#v", sysAny)
	}
	sys0, ok := sysList[0].(map[string]any)
	if !ok {
		t.Fatalf("expected system block object, got %#v", sysList[0])
	}
	if _, ok := sys0["cache_control"]; !ok {
		t.Fatalf("expected cache_control on system block, got %#v", sys0)
	}
}

func TestAnthropicChatToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"msg_3","type":"message","role":"assistant","model":"claude-sonnet-4-5",
			"content":[{"type":"tool_use","id":"tool-1","name":"lookup","input":{"x":2}}],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":1,"output_tokens":1}
		}`)
	}))
	t.Cleanup(srv.Close)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	result, err := p.Chat(context.Background(), []llmtypes.Message{
		{Role: llmtypes.RoleUser, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "go"}}},
	}, []llmtypes.ToolSchema{{Name: "lookup", Parameters: map[string]any{"type": "object"}}}, "")
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if result.StopReason != llmtypes.StopToolUse {
		t.Fatalf("expected tool_use stop reason, got %v", result.StopReason)
	}
	if len(result.Message.Blocks) != 1 || result.Message.Blocks[0].ToolName != "lookup" {
		t.Fatalf("expected tool_use block, got %+v", result.Message.Blocks)
	}
}

func TestAnthropicChatStreamAccumulatesTextDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		writeSSE(w, flusher, "message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":0,"output_tokens":0}}}`)
		writeSSE(w, flusher, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeSSE(w, flusher, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`)
		writeSSE(w, flusher, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`)
		writeSSE(w, flusher, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeSSE(w, flusher, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`)
		writeSSE(w, flusher, "message_stop", `{"type":"message_stop"}`)
	}))
	t.Cleanup(srv.Close)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	rec := &recorder{}
	result, err := p.ChatStream(context.Background(), []llmtypes.Message{
		{Role: llmtypes.RoleUser, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "hi"}}},
	}, nil, "", rec)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if got := strings.Join(rec.deltas, ""); got != "hello world" {
		t.Fatalf("unexpected accumulated delta text %q", got)
	}
	if result.StopReason != llmtypes.StopEndTurn {
		t.Fatalf("expected end_turn stop reason, got %v", result.StopReason)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}
