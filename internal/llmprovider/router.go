package llmprovider

import (
	"context"
	"fmt"
	"strings"

	"sessioncore/internal/llmtypes"
)

// Router dispatches a Chat/ChatStream call to the vendor provider implied by
// the model name, letting the Session Manager hold a single
// llmtypes.Provider even though entities may be configured against
// different vendors (spec §4.6 step 3's per-entity provider/model).
type Router struct {
	anthropic *AnthropicProvider
	openai    *OpenAIProvider
}

// NewRouter wires the vendor clients that were successfully configured.
// Either may be nil if its API key was not supplied.
func NewRouter(anthropic *AnthropicProvider, openai *OpenAIProvider) *Router {
	return &Router{anthropic: anthropic, openai: openai}
}

func (r *Router) route(model string) (llmtypes.Provider, error) {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		if r.anthropic == nil {
			return nil, fmt.Errorf("llmprovider: no anthropic provider configured for model %q", model)
		}
		return r.anthropic, nil
	case strings.HasPrefix(m, "gpt") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3"):
		if r.openai == nil {
			return nil, fmt.Errorf("llmprovider: no openai provider configured for model %q", model)
		}
		return r.openai, nil
	default:
		if r.anthropic != nil {
			return r.anthropic, nil
		}
		if r.openai != nil {
			return r.openai, nil
		}
		return nil, fmt.Errorf("llmprovider: no provider configured")
	}
}

// Chat implements llmtypes.Provider.
func (r *Router) Chat(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string) (llmtypes.ChatResult, error) {
	p, err := r.route(model)
	if err != nil {
		return llmtypes.ChatResult{}, err
	}
	return p.Chat(ctx, msgs, tools, model)
}

// ChatStream implements llmtypes.Provider.
func (r *Router) ChatStream(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string, h llmtypes.StreamHandler) (llmtypes.ChatResult, error) {
	p, err := r.route(model)
	if err != nil {
		return llmtypes.ChatResult{}, err
	}
	return p.ChatStream(ctx, msgs, tools, model, h)
}
