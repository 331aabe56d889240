// Package llmprovider adapts llmtypes.Provider to concrete vendor SDKs.
// Message/tool conversion follows the teacher's internal/llm/anthropic and
// internal/llm/openai client idiom: build vendor params from the
// provider-neutral shape, issue the call, translate the response back.
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"sessioncore/internal/llmtypes"
	"sessioncore/internal/observability"
)

const defaultMaxTokens int64 = 4096

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider implements llmtypes.Provider against the Anthropic
// Messages API, including prompt-cache breakpoints (spec §4.4.2).
type AnthropicProvider struct {
	sdk          anthropic.Client
	defaultModel string
	maxTokens    int64
}

// NewAnthropicProvider dials the Anthropic API.
func NewAnthropicProvider(cfg AnthropicConfig, httpClient *http.Client) *AnthropicProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{sdk: anthropic.NewClient(opts...), defaultModel: model, maxTokens: defaultMaxTokens}
}

func (p *AnthropicProvider) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return p.defaultModel
}

// Chat implements llmtypes.Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string) (llmtypes.ChatResult, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return llmtypes.ChatResult{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     adaptTools(tools),
		MaxTokens: p.maxTokens,
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := p.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic_chat_error")
		return llmtypes.ChatResult{}, err
	}
	return chatResultFromResponse(resp), nil
}

// ChatStream implements llmtypes.Provider.
func (p *AnthropicProvider) ChatStream(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string, h llmtypes.StreamHandler) (llmtypes.ChatResult, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return llmtypes.ChatResult{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     adaptTools(tools),
		MaxTokens: p.maxTokens,
	}

	log := observability.LoggerWithTrace(ctx)
	stream := p.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	toolBuffers := map[int64]*toolBuffer{}

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			log.Debug().Err(err).Msg("anthropic_accumulate_error")
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				toolBuffers[ev.Index] = &toolBuffer{name: block.Name, id: block.ID}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if h != nil && delta.Text != "" {
					h.OnDelta(delta.Text)
				}
			case anthropic.InputJSONDelta:
				if tb := toolBuffers[ev.Index]; tb != nil {
					tb.buf.WriteString(delta.PartialJSON)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_stream_error")
		return llmtypes.ChatResult{}, err
	}

	result := chatResultFromResponse(&acc)
	if h != nil {
		for _, blk := range result.Message.Blocks {
			if blk.Type == llmtypes.BlockToolUse {
				h.OnToolUse(blk)
			}
		}
	}
	return result, nil
}

func adaptTools(tools []llmtypes.ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"].([]string); ok {
			schema.Required = req
			delete(extras, "required")
		}
		param := anthropic.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

var cacheControl = anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTLTTL5m}

func adaptMessages(msgs []llmtypes.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var sys []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llmtypes.RoleSystem:
			for _, b := range m.Blocks {
				tb := anthropic.TextBlockParam{Text: b.Text}
				if b.Cache != nil {
					tb.CacheControl = cacheControl
				}
				sys = append(sys, tb)
			}
		case llmtypes.RoleUser:
			blocks, err := adaptContentBlocks(m.Blocks, true)
			if err != nil {
				return nil, nil, err
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case llmtypes.RoleAssistant:
			blocks, err := adaptContentBlocks(m.Blocks, false)
			if err != nil {
				return nil, nil, err
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("llmprovider: unsupported role %q", m.Role)
		}
	}
	return sys, out, nil
}

func adaptContentBlocks(blocks []llmtypes.ContentBlock, isUser bool) ([]anthropic.ContentBlockParamUnion, error) {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case llmtypes.BlockText:
			if b.Text == "" {
				continue
			}
			if b.Cache != nil {
				out = append(out, anthropic.ContentBlockParamUnion{OfText: &anthropic.TextBlockParam{Text: b.Text, CacheControl: cacheControl}})
			} else {
				out = append(out, anthropic.NewTextBlock(b.Text))
			}
		case llmtypes.BlockToolUse:
			out = append(out, anthropic.NewToolUseBlock(b.ToolUseID, decodeToolInput(b.ToolInput), b.ToolName))
		case llmtypes.BlockToolResult:
			block := anthropic.NewToolResultBlock(b.ToolResultForID, b.ToolResultText, b.ToolIsError)
			if b.Cache != nil && block.OfToolResult != nil {
				block.OfToolResult.CacheControl = cacheControl
			}
			out = append(out, block)
		}
	}
	return out, nil
}

func decodeToolInput(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func chatResultFromResponse(resp *anthropic.Message) llmtypes.ChatResult {
	if resp == nil {
		return llmtypes.ChatResult{}
	}
	var blocks []llmtypes.ContentBlock
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, llmtypes.ContentBlock{Type: llmtypes.BlockText, Text: v.Text})
		case anthropic.ToolUseBlock:
			raw := []byte(v.Input)
			if len(raw) == 0 {
				raw = []byte("{}")
			}
			blocks = append(blocks, llmtypes.ContentBlock{Type: llmtypes.BlockToolUse, ToolUseID: v.ID, ToolName: v.Name, ToolInput: raw})
		}
	}
	stopReason := llmtypes.StopEndTurn
	if resp.StopReason == anthropic.StopReasonToolUse {
		stopReason = llmtypes.StopToolUse
	}
	return llmtypes.ChatResult{
		Message:    llmtypes.Message{Role: llmtypes.RoleAssistant, Blocks: blocks},
		StopReason: stopReason,
		Model:      string(resp.Model),
		Usage: llmtypes.Usage{
			InputTokens:         int(resp.Usage.InputTokens),
			OutputTokens:        int(resp.Usage.OutputTokens),
			CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
			CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		},
	}
}

type toolBuffer struct {
	name string
	id   string
	buf  strings.Builder
}
