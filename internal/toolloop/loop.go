// Package toolloop implements the Agentic Tool Loop (spec §4.7): repeated
// LLM calls interleaved with tool execution, strict event ordering, and
// the cache-control/memory-suppression discipline that keeps later
// iterations cheap to re-send.
package toolloop

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/semaphore"

	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memory"
	"sessioncore/internal/toolexec"
)

const defaultMaxIterations = 10
const maxConcurrentTools = 4

// Sink receives the strictly-ordered event sequence spec §4.7 names:
// memories -> start -> token* -> (tool_start -> tool_result)* -> done.
type Sink interface {
	OnMemories(entries []memory.Entry)
	OnStart()
	OnToken(text string)
	OnToolStart(toolUseID, name string, input json.RawMessage)
	OnToolResult(res toolexec.Result)
	OnDone(result Result)
	OnError(err error)
}

// Result is the loop's terminal outcome.
type Result struct {
	Content             string
	StopReason          llmtypes.StopReason // "max_iterations" is a fourth value layered on top of llmtypes.StopReason
	AccumulatedToolUses []llmtypes.ContentBlock
	// ToolExchanges holds the assistant tool_use / user tool_result message
	// pairs from every iteration, free of cache-control markers, in call
	// order. Callers append these to rolling_context as the structured
	// ToolExchange (spec §3) before the final assistant text.
	ToolExchanges []llmtypes.Message
	// FinalText is the terminal iteration's plain assistant text, set only
	// on normal termination (empty on StopMaxIterations, where no terminal
	// reply was produced).
	FinalText string
	Model     string
	Usage     llmtypes.Usage
}

// StopMaxIterations is returned in Result.StopReason when the loop
// exhausts MAX_ITERATIONS without a terminal response (spec §4.7).
const StopMaxIterations llmtypes.StopReason = "max_iterations"

// Config carries the loop's tunables.
type Config struct {
	MaxIterations int
	Model         string
}

// Run drives the loop. withMemories is the §4.5 output including the
// memories block (used verbatim for iteration 1); withoutMemories is the
// same sequence rebuilt with the memories block omitted (spliced with
// accumulated tool exchanges from iteration 2 on, per spec §4.7 step 6).
func Run(ctx context.Context, provider llmtypes.Provider, registry *toolexec.Registry, cfg Config, memories []memory.Entry, withMemories, withoutMemories []llmtypes.Message, sink Sink) Result {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	sink.OnMemories(memories)
	sink.OnStart()

	workingMessages := append([]llmtypes.Message(nil), withMemories...)
	var accumulatedToolUses []llmtypes.ContentBlock
	var toolExchanges []llmtypes.Message
	var fullContent string
	tools := registry.Schemas()

	for iter := 0; iter < maxIterations; iter++ {
		var iterText string
		var iterToolUses []llmtypes.ContentBlock
		handler := &relayHandler{
			onDelta: func(text string) {
				iterText += text
				sink.OnToken(text)
			},
			onToolUse: func(block llmtypes.ContentBlock) {
				iterToolUses = append(iterToolUses, block)
			},
		}

		result, err := provider.ChatStream(ctx, workingMessages, tools, cfg.Model, handler)
		if err != nil {
			sink.OnError(err)
			return Result{Content: fullContent, StopReason: llmtypes.StopError, Model: cfg.Model}
		}
		fullContent += iterText

		if result.StopReason != llmtypes.StopToolUse || len(iterToolUses) == 0 {
			final := Result{
				Content:             fullContent,
				StopReason:          result.StopReason,
				AccumulatedToolUses: accumulatedToolUses,
				ToolExchanges:       toolExchanges,
				FinalText:           iterText,
				Model:               result.Model,
				Usage:               result.Usage,
			}
			sink.OnDone(final)
			return final
		}

		accumulatedToolUses = append(accumulatedToolUses, iterToolUses...)

		assistantBlocks := make([]llmtypes.ContentBlock, 0, len(iterToolUses)+1)
		if iterText != "" {
			assistantBlocks = append(assistantBlocks, llmtypes.ContentBlock{Type: llmtypes.BlockText, Text: iterText})
		}
		assistantBlocks = append(assistantBlocks, iterToolUses...)
		assistantMsg := llmtypes.Message{Role: llmtypes.RoleAssistant, Blocks: assistantBlocks}

		toolResults := dispatchTools(ctx, registry, sink, iterToolUses)
		resultBlocks := make([]llmtypes.ContentBlock, 0, len(toolResults))
		for _, tr := range toolResults {
			resultBlocks = append(resultBlocks, llmtypes.ContentBlock{
				Type:            llmtypes.BlockToolResult,
				ToolResultForID: tr.ToolUseID,
				ToolResultText:  tr.Content,
				ToolIsError:     tr.IsError,
			})
		}
		toolResultMsg := llmtypes.Message{Role: llmtypes.RoleUser, Blocks: resultBlocks}
		toolExchanges = append(toolExchanges, assistantMsg, toolResultMsg)

		// Rebuild workingMessages from scratch each iteration rather than
		// diffing the previous workingMessages against withMemories: the
		// withoutMemories base has a different length than withMemories, so
		// slicing the prior workingMessages at len(withMemories) silently
		// drops earlier exchanges from iteration 2 onward. Driving the
		// rebuild off toolExchanges (which already holds every iteration's
		// pair, in order) sidesteps that entirely.
		rebuilt := append([]llmtypes.Message(nil), withoutMemories...) // memory suppression after iteration 1, spec §4.7 step 6
		rebuilt = append(rebuilt, toolExchanges...)
		// cache-control on tool iterations: extend the stable prefix
		// through the latest tool exchange (spec §4.7 step 5).
		last := len(rebuilt) - 1
		rebuilt[last] = rebuilt[last].WithCacheOnLast()
		workingMessages = rebuilt
	}

	final := Result{Content: fullContent, StopReason: StopMaxIterations, AccumulatedToolUses: accumulatedToolUses, ToolExchanges: toolExchanges, Model: cfg.Model}
	sink.OnDone(final)
	return final
}

func dispatchTools(ctx context.Context, registry *toolexec.Registry, sink Sink, toolUses []llmtypes.ContentBlock) []toolexec.Result {
	results := make([]toolexec.Result, len(toolUses))
	sem := semaphore.NewWeighted(maxConcurrentTools)

	for _, tu := range toolUses {
		sink.OnToolStart(tu.ToolUseID, tu.ToolName, tu.ToolInput)
	}

	done := make(chan struct{}, len(toolUses))
	for i, tu := range toolUses {
		i, tu := i, tu
		_ = sem.Acquire(ctx, 1)
		go func() {
			defer sem.Release(1)
			results[i] = registry.Execute(ctx, tu.ToolUseID, tu.ToolName, tu.ToolInput)
			done <- struct{}{}
		}()
	}
	for range toolUses {
		<-done
	}

	for _, r := range results {
		sink.OnToolResult(r)
	}
	return results
}

// relayHandler adapts plain callbacks to llmtypes.StreamHandler.
type relayHandler struct {
	onDelta   func(string)
	onToolUse func(llmtypes.ContentBlock)
}

func (h *relayHandler) OnDelta(text string)               { h.onDelta(text) }
func (h *relayHandler) OnToolUse(block llmtypes.ContentBlock) { h.onToolUse(block) }
