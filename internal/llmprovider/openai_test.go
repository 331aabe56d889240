package llmprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sessioncore/internal/llmtypes"
)

func TestOpenAIChatReturnsText(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"chatcmpl_1","object":"chat.completion","model":"gpt-4.1",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`)
	}))
	t.Cleanup(srv.Close)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	result, err := p.Chat(context.Background(), []llmtypes.Message{
		{Role: llmtypes.RoleUser, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "hi"}}},
	}, nil, "")
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(result.Message.Blocks) != 1 || result.Message.Blocks[0].Text != "hello" {
		t.Fatalf("unexpected blocks %+v", result.Message.Blocks)
	}
	if result.StopReason != llmtypes.StopEndTurn {
		t.Fatalf("expected end_turn stop reason, got %v", result.StopReason)
	}
}

func TestOpenAIChatToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"chatcmpl_2","object":"chat.completion","model":"gpt-4.1",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{
				"role":"assistant","content":null,
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"x\":2}"}}]
			}}],
			"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}
		}`)
	}))
	t.Cleanup(srv.Close)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
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

func TestOpenAIProviderIgnoresCacheMarkers(t *testing.T) {
	var reqBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		reqBody = buf[:n]
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"chatcmpl_3","object":"chat.completion","model":"gpt-4.1",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`)
	}))
	t.Cleanup(srv.Close)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	cache := &llmtypes.CacheControl{Ephemeral: true}
	_, err := p.Chat(context.Background(), []llmtypes.Message{
		{Role: llmtypes.RoleSystem, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "static system", Cache: cache}}},
		{Role: llmtypes.RoleUser, Blocks: []llmtypes.ContentBlock{{Type: llmtypes.BlockText, Text: "hi"}}},
	}, nil, "")
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if len(reqBody) == 0 {
		t.Fatalf("expected request body to be captured")
	}
	if strings.Contains(string(reqBody), "cache_control") {
		t.Fatalf("expected no cache_control field in Chat Completions request, got %s", reqBody)
	}
}
