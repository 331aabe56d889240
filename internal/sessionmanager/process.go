package sessionmanager

import (
	"context"
	"fmt"
	"time"

	"sessioncore/internal/convstore"
	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memory"
	"sessioncore/internal/observability"
	"sessioncore/internal/promptassembler"
	"sessioncore/internal/ranker"
	"sessioncore/internal/session"
	"sessioncore/internal/toolexec"
	"sessioncore/internal/toolloop"
)

// ProcessResult is process_message's return value (spec §4.6).
type ProcessResult struct {
	Content                 string
	Model                   string
	Usage                   llmtypes.Usage
	StopReason              llmtypes.StopReason
	NewMemoriesRetrieved     int
	TotalMemoriesInContext   int
	TrimmedMemoryIDs         []string
	TrimmedContextMessages   int
}

// ProcessMessage implements spec §4.6's process_message: a single
// non-streaming turn.
func (m *Manager) ProcessMessage(ctx context.Context, conversationID, userMessage string, notes promptassembler.Notes) (ProcessResult, error) {
	e, err := m.acquire(conversationID)
	if err != nil {
		return ProcessResult{}, err
	}
	defer e.mu.Unlock()
	sess := e.sess

	retrieval, newMemories, trimmedMemIDs, trimmedCtx := m.runRetrievalAndTrim(ctx, sess, userMessage)

	in := m.buildPromptInput(sess, retrieval, userMessage, true, notes)
	messages := promptassembler.Assemble(in)

	result, err := m.provider.Chat(ctx, messages, nil, sess.Model)
	if err != nil {
		return ProcessResult{}, err
	}

	sess.AddExchange(userMessage, true, result.Message.PlainText())
	sess.UpdateCacheBreakpoint(m.countFn)

	m.persistExchange(ctx, sess, userMessage, true, result.Message.PlainText())

	return ProcessResult{
		Content:                result.Message.PlainText(),
		Model:                  result.Model,
		Usage:                  result.Usage,
		StopReason:             result.StopReason,
		NewMemoriesRetrieved:   newMemories,
		TotalMemoriesInContext: len(sess.InContextIDs()),
		TrimmedMemoryIDs:       trimmedMemIDs,
		TrimmedContextMessages: trimmedCtx,
	}, nil
}

// ProcessMessageStream implements spec §4.6/§4.7: identical setup through
// prompt assembly, then the Agentic Tool Loop instead of a single call.
func (m *Manager) ProcessMessageStream(ctx context.Context, conversationID, userMessage string, hasUserMessage bool, registry *toolexec.Registry, notes promptassembler.Notes, sink toolloop.Sink) (toolloop.Result, error) {
	e, err := m.acquire(conversationID)
	if err != nil {
		return toolloop.Result{}, err
	}
	defer e.mu.Unlock()
	sess := e.sess

	if !hasUserMessage && !sess.IsMultiEntity {
		return toolloop.Result{}, fmt.Errorf("continuation requires a multi-entity conversation")
	}

	retrieval, _, _, _ := m.runRetrievalAndTrim(ctx, sess, userMessage)

	withMemories := promptassembler.Assemble(m.buildPromptInput(sess, retrieval, userMessage, hasUserMessage, notes))
	withoutMemories := promptassembler.Assemble(m.buildPromptInput(sess, nil, userMessage, hasUserMessage, notes))

	cfg := toolloop.Config{MaxIterations: m.cfg.Session.ToolUseMaxIterations, Model: sess.Model}
	result := toolloop.Run(ctx, m.provider, registry, cfg, retrieval, withMemories, withoutMemories, sink)

	if result.StopReason == llmtypes.StopError {
		return result, fmt.Errorf("llm call failed")
	}

	// The structured ToolExchange (assistant tool_use blocks, then user
	// tool_result blocks) is appended between the user turn and the final
	// assistant text, as structured blocks rather than plain text (spec §3
	// ToolExchange lifecycle).
	sess.AppendUserTurn(userMessage, hasUserMessage)
	sess.AppendToolExchanges(result.ToolExchanges)
	sess.AppendAssistantText(result.FinalText)
	sess.UpdateCacheBreakpoint(m.countFn)

	m.persistExchange(ctx, sess, userMessage, hasUserMessage, result.Content)

	return result, nil
}

// runRetrievalAndTrim implements process_message step 1-2: run §4.3
// retrieval, add entries via add_memory (incrementing times_retrieved in
// the DB exactly for new retrievals), then trim memories/context to
// budget.
func (m *Manager) runRetrievalAndTrim(ctx context.Context, sess *session.Session, userMessage string) (retrieved []memory.Entry, newCount int, trimmedMemIDs []string, trimmedCtx int) {
	queries := ranker.DeriveQueries(sess.RollingContext, userMessage)
	hasRetrievedBefore := sess.HasRetrievedBefore()
	candidates := m.rnk.Retrieve(ctx, sess.EntityID, sess.ConversationID, queries, hasRetrievedBefore, sess.InContextIDs(), false)

	for _, c := range candidates {
		added, isNew := sess.AddMemory(c.Entry)
		if !added {
			continue
		}
		if isNew {
			newCount++
			link := convstore.MemoryLink{ConversationID: sess.ConversationID, MessageID: c.ID, EntityID: sess.EntityID}
			if err := m.conv.IncrementTimesRetrieved(ctx, link); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", c.ID).Msg("sessionmanager_increment_times_retrieved_failed")
			}
			m.memStore.UpdateMetadata(ctx, sess.EntityID, c.ID, map[string]string{"times_retrieved": fmt.Sprintf("%d", c.TimesRetrieved+1)})
		}
	}
	retrieved = sess.SortedMemories()

	trimmedMemIDs = sess.TrimMemoriesToLimit(m.cfg.Session.MemoryTokenLimit, func(entries []memory.Entry) int {
		return m.countFn(memoriesToMessages(entries))
	})
	trimmedCtx = sess.TrimContextToLimit(m.cfg.Session.ContextTokenLimit, m.countFn, userMessage)

	return sess.SortedMemories(), newCount, trimmedMemIDs, trimmedCtx
}

func (m *Manager) buildPromptInput(sess *session.Session, memories []memory.Entry, userMessage string, hasUserTurn bool, notes promptassembler.Notes) promptassembler.Input {
	return promptassembler.Input{
		RollingContext:          sess.RollingContext,
		LastCachedContextLength: sess.LastCachedContextLength,
		Memories:                memories,
		IncludeMemories:         len(memories) > 0,
		Now:                     time.Now(),
		UserDisplayName:         sess.UserDisplayName,
		RespondingLabel:         sess.RespondingLabel,
		IsMultiEntity:           sess.IsMultiEntity,
		ParticipantLabels:       sess.ParticipantLabels,
		Notes:                   notes,
		UserTurn:                userMessage,
		HasUserTurn:             hasUserTurn,
		ContinuationPrompt:      fmt.Sprintf("Continue the conversation as %s.", sess.RespondingLabel),
	}
}

func (m *Manager) countFn(msgs []llmtypes.Message) int {
	texts := make([]string, len(msgs))
	for i, msg := range msgs {
		texts[i] = msg.PlainText()
	}
	return m.counter.CountMessages(texts)
}

// isToolExchangeMessage reports whether msg carries a tool_use or
// tool_result block, i.e. it's one half of a structured ToolExchange
// (spec §3) rather than a plain-text turn.
func isToolExchangeMessage(msg llmtypes.Message) bool {
	for _, b := range msg.Blocks {
		if b.Type == llmtypes.BlockToolUse || b.Type == llmtypes.BlockToolResult {
			return true
		}
	}
	return false
}

func memoriesToMessages(entries []memory.Entry) []llmtypes.Message {
	out := make([]llmtypes.Message, len(entries))
	for i, e := range entries {
		out[i] = llmtypes.Text(llmtypes.RoleUser, e.Content)
	}
	return out
}

// Regenerate implements spec §6's POST /regenerate: discard the most
// recent assistant reply (database row, vector-store entry, and rolling
// context slot). In a single-entity conversation the trailing user turn
// that prompted it is discarded too (database row, vector-store entry, and
// rolling context slot), and its text is handed back so the caller
// resubmits it as the pending message — otherwise nothing would remain to
// drive the replacement generation, since a single-entity turn always
// requires a user message. A multi-entity conversation leaves the user
// turn (if any) in place and regenerates as a bare continuation, per spec
// §4.6's entity-switch continuation path.
func (m *Manager) Regenerate(ctx context.Context, conversationID string) (pendingText string, hasPendingText bool, err error) {
	e, err := m.acquire(conversationID)
	if err != nil {
		return "", false, err
	}
	defer e.mu.Unlock()
	sess := e.sess

	if len(sess.RollingContext) == 0 || sess.RollingContext[len(sess.RollingContext)-1].Role != llmtypes.RoleAssistant {
		return "", false, fmt.Errorf("sessionmanager: no assistant reply to regenerate")
	}

	msgs, err := m.conv.ListMessages(ctx, conversationID)
	if err != nil {
		return "", false, err
	}
	var lastAssistant *convstore.Message
	assistantIdx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == convstore.RoleAssistant {
			lastAssistant = &msgs[i]
			assistantIdx = i
			break
		}
	}
	if lastAssistant == nil {
		return "", false, fmt.Errorf("sessionmanager: no persisted assistant reply to regenerate")
	}

	if err := m.conv.DeleteMessage(ctx, lastAssistant.ID); err != nil {
		return "", false, err
	}
	if err := m.memStore.Delete(ctx, sess.EntityID, lastAssistant.ID); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("message_id", lastAssistant.ID).Msg("sessionmanager_regenerate_vector_delete_failed")
	}
	sess.RollingContext = sess.RollingContext[:len(sess.RollingContext)-1]

	// A tool-using turn's structured ToolExchange messages (spec §3) sit
	// between the user turn and the final assistant text in RollingContext
	// but are never persisted as their own convstore rows (persistExchange
	// only writes the human/assistant pair) — pop them here too, or a
	// regenerate after a tool-using turn would leave stale tool_use/
	// tool_result blocks behind.
	for len(sess.RollingContext) > 0 && isToolExchangeMessage(sess.RollingContext[len(sess.RollingContext)-1]) {
		sess.RollingContext = sess.RollingContext[:len(sess.RollingContext)-1]
	}

	if !sess.IsMultiEntity && assistantIdx > 0 && msgs[assistantIdx-1].Role == convstore.RoleHuman {
		lastHuman := msgs[assistantIdx-1]
		if err := m.conv.DeleteMessage(ctx, lastHuman.ID); err != nil {
			return "", false, err
		}
		if err := m.memStore.Delete(ctx, sess.EntityID, lastHuman.ID); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("message_id", lastHuman.ID).Msg("sessionmanager_regenerate_vector_delete_failed")
		}
		if len(sess.RollingContext) > 0 && sess.RollingContext[len(sess.RollingContext)-1].Role == llmtypes.RoleUser {
			sess.RollingContext = sess.RollingContext[:len(sess.RollingContext)-1]
		}
		pendingText, hasPendingText = lastHuman.Content, true
	}

	if sess.LastCachedContextLength > len(sess.RollingContext) {
		sess.LastCachedContextLength = len(sess.RollingContext)
	}
	return pendingText, hasPendingText, nil
}

// persistExchange implements spec §5's persistence ordering: append
// Message rows first, then best-effort upsert into the Memory Store.
// A Memory Store failure never rolls back the Message append.
func (m *Manager) persistExchange(ctx context.Context, sess *session.Session, userMessage string, hasHuman bool, assistantText string) {
	var msgs []convstore.Message
	if hasHuman {
		msgs = append(msgs, convstore.Message{Role: convstore.RoleHuman, Content: userMessage, SpeakerEntityID: sess.EntityID})
	}
	msgs = append(msgs, convstore.Message{Role: convstore.RoleAssistant, Content: assistantText, SpeakerEntityID: sess.EntityID})

	if err := m.conv.AppendMessages(ctx, sess.ConversationID, msgs); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("conversation_id", sess.ConversationID).Msg("sessionmanager_persist_failed")
		return
	}

	for _, msg := range msgs {
		metadata := map[string]string{"conversation_id": sess.ConversationID, "role": string(msg.Role)}
		if err := m.memStore.Upsert(ctx, sess.EntityID, msg.ID, msg.Content, metadata); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("message_id", msg.ID).Msg("sessionmanager_vector_upsert_failed")
		}
	}
}
