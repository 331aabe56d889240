// Package llmtypes defines the provider-neutral message shapes consumed by
// the prompt assembler and tool loop. The opaque LLM client (§ provider
// SDKs) speaks these types; nothing downstream assumes a specific vendor.
package llmtypes

import (
	"context"
	"encoding/json"
)

// BlockType tags the kind of content carried by a ContentBlock. Message
// content is sometimes a bare string, sometimes a list of typed blocks
// (text, tool_use, tool_result, image) — modelled as an explicit tagged
// union rather than an "any" bag.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// CacheControl requests that the provider hash the prefix through this
// block (inclusive) and reuse it on a subsequent call with an identical
// prefix. Attached to the last block of a message, never mid-block.
type CacheControl struct {
	Ephemeral bool
}

// ContentBlock is one typed unit of message content.
type ContentBlock struct {
	Type BlockType

	// BlockText
	Text string

	// BlockToolUse
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	// BlockToolResult
	ToolResultForID string
	ToolResultText  string
	ToolIsError     bool

	// BlockImage
	ImageData      []byte
	ImageMIMEType  string

	Cache *CacheControl
}

// Role is the API-level role of a message. Tool exchanges are represented
// as assistant/user messages carrying structured blocks, not a distinct
// "tool" role — matching spec.md's ToolExchange data model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the provider-neutral message sequence.
type Message struct {
	Role    Role
	Blocks  []ContentBlock
}

// Text is a convenience constructor for a plain single-text-block message.
func Text(role Role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: BlockText, Text: text}}}
}

// PlainText concatenates the text of every text block, ignoring tool
// blocks. Used for token counting and significance-irrelevant logging.
func (m Message) PlainText() string {
	out := ""
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// WithCacheOnLast returns a copy of m with the cache marker attached to its
// last content block, replacing the markers of any earlier block. A
// message carries at most one active cache marker at a time.
func (m Message) WithCacheOnLast() Message {
	if len(m.Blocks) == 0 {
		return m
	}
	out := make([]ContentBlock, len(m.Blocks))
	copy(out, m.Blocks)
	for i := range out {
		out[i].Cache = nil
	}
	out[len(out)-1].Cache = &CacheControl{Ephemeral: true}
	return Message{Role: m.Role, Blocks: out}
}

// StopReason mirrors the small enum every provider response collapses to.
type StopReason string

const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
	StopError   StopReason = "error"
)

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental events during a ChatStream call.
// Token events may be coalesced or dropped under backpressure (§5); tool
// call and stop events never are.
type StreamHandler interface {
	OnDelta(text string)
	OnToolUse(block ContentBlock)
}

// ChatResult is the terminal outcome of one Chat/ChatStream call.
type ChatResult struct {
	Message    Message
	StopReason StopReason
	Model      string
	Usage      Usage
}

// Usage reports token accounting as surfaced by the provider, when known.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Provider is the opaque "LLM client": the core only ever calls Chat or
// ChatStream and never reaches into a vendor SDK directly.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (ChatResult, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) (ChatResult, error)
}
