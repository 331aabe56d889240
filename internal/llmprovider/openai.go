package llmprovider

import (
	"context"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"sessioncore/internal/llmtypes"
	"sessioncore/internal/observability"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider implements llmtypes.Provider against the Chat Completions
// API. It does not support prompt-cache breakpoints (spec §4.4.2 is an
// Anthropic-specific mechanism); Cache markers on messages are ignored.
type OpenAIProvider struct {
	sdk          sdk.Client
	defaultModel string
}

// NewOpenAIProvider dials the OpenAI API (or a compatible self-hosted
// endpoint when cfg.BaseURL is set).
func NewOpenAIProvider(cfg OpenAIConfig, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = "gpt-4.1"
	}
	return &OpenAIProvider{sdk: sdk.NewClient(opts...), defaultModel: model}
}

func (p *OpenAIProvider) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return p.defaultModel
}

// Chat implements llmtypes.Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string) (llmtypes.ChatResult, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(p.pickModel(model)),
		Messages: adaptOpenAIMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptOpenAITools(tools)
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	comp, err := p.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("openai_chat_error")
		return llmtypes.ChatResult{}, err
	}
	return chatResultFromCompletion(comp), nil
}

// ChatStream implements llmtypes.Provider. The Chat Completions streaming
// surface yields text deltas and tool-call argument fragments; tool calls
// are reassembled and emitted once complete, matching the teacher's
// toolBuffer accumulation pattern.
func (p *OpenAIProvider) ChatStream(ctx context.Context, msgs []llmtypes.Message, tools []llmtypes.ToolSchema, model string, h llmtypes.StreamHandler) (llmtypes.ChatResult, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(p.pickModel(model)),
		Messages: adaptOpenAIMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptOpenAITools(tools)
	}

	log := observability.LoggerWithTrace(ctx)
	stream := p.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc sdk.ChatCompletionAccumulator
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if h != nil && delta.Content != "" {
			h.OnDelta(delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("openai_stream_error")
		return llmtypes.ChatResult{}, err
	}

	result := chatResultFromCompletion(&acc.ChatCompletion)
	if h != nil {
		for _, blk := range result.Message.Blocks {
			if blk.Type == llmtypes.BlockToolUse {
				h.OnToolUse(blk)
			}
		}
	}
	return result, nil
}

func adaptOpenAITools(tools []llmtypes.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		def := sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  t.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

func adaptOpenAIMessages(msgs []llmtypes.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llmtypes.RoleSystem:
			out = append(out, sdk.SystemMessage(m.PlainText()))
		case llmtypes.RoleUser:
			out = append(out, userOrToolMessages(m)...)
		case llmtypes.RoleAssistant:
			out = append(out, assistantMessage(m))
		}
	}
	return out
}

func userOrToolMessages(m llmtypes.Message) []sdk.ChatCompletionMessageParamUnion {
	var out []sdk.ChatCompletionMessageParamUnion
	var text strings.Builder
	for _, b := range m.Blocks {
		switch b.Type {
		case llmtypes.BlockText:
			text.WriteString(b.Text)
		case llmtypes.BlockToolResult:
			content := b.ToolResultText
			if content == "" {
				content = `{"error": "empty tool response"}`
			}
			out = append(out, sdk.ToolMessage(content, b.ToolResultForID))
		}
	}
	if text.Len() > 0 {
		out = append(out, sdk.UserMessage(text.String()))
	}
	return out
}

func assistantMessage(m llmtypes.Message) sdk.ChatCompletionMessageParamUnion {
	content := m.PlainText()
	var toolCalls []llmtypes.ContentBlock
	for _, b := range m.Blocks {
		if b.Type == llmtypes.BlockToolUse {
			toolCalls = append(toolCalls, b)
		}
	}
	if len(toolCalls) == 0 {
		if content == "" {
			content = " "
		}
		return sdk.AssistantMessage(content)
	}

	var asst sdk.ChatCompletionAssistantMessageParam
	if content == "" {
		content = " "
	}
	asst.Content.OfString = sdk.String(content)
	for _, tc := range toolCalls {
		fn := sdk.ChatCompletionMessageFunctionToolCallParam{
			ID: tc.ToolUseID,
			Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
				Arguments: string(tc.ToolInput),
				Name:      tc.ToolName,
			},
		}
		asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func chatResultFromCompletion(comp *sdk.ChatCompletion) llmtypes.ChatResult {
	if comp == nil || len(comp.Choices) == 0 {
		return llmtypes.ChatResult{}
	}
	choice := comp.Choices[0]
	var blocks []llmtypes.ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, llmtypes.ContentBlock{Type: llmtypes.BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		switch v := tc.AsAny().(type) {
		case sdk.ChatCompletionMessageFunctionToolCall:
			blocks = append(blocks, llmtypes.ContentBlock{
				Type:      llmtypes.BlockToolUse,
				ToolUseID: v.ID,
				ToolName:  v.Function.Name,
				ToolInput: []byte(v.Function.Arguments),
			})
		}
	}
	stopReason := llmtypes.StopEndTurn
	if choice.FinishReason == "tool_calls" {
		stopReason = llmtypes.StopToolUse
	}
	return llmtypes.ChatResult{
		Message:    llmtypes.Message{Role: llmtypes.RoleAssistant, Blocks: blocks},
		StopReason: stopReason,
		Model:      comp.Model,
		Usage: llmtypes.Usage{
			InputTokens:  int(comp.Usage.PromptTokens),
			OutputTokens: int(comp.Usage.CompletionTokens),
		},
	}
}
