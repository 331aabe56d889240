// Package session implements the Session (spec §4.4): the single mutable
// per-conversation state a turn operates on, including the memory
// in-context/retrieved/all-time sets and the cache breakpoint discipline.
package session

import (
	"fmt"
	"sort"
	"time"

	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memory"
)

const (
	consolidateMinCachedTokens = 1024
	consolidateMaxNewTokens    = 2048
)

// CountFn renders a slice of messages and returns a token count, per spec
// §4.4's count_fn parameter (backed by the Token Counter).
type CountFn func(msgs []llmtypes.Message) int

// Session is the per-conversation mutable state spec §3/§4.4 describes.
// Mutation happens only through the methods below; callers are expected to
// hold the conversation's lock for the duration (spec §5 "a turn holds
// exclusive access to its Session for its duration").
type Session struct {
	ConversationID string
	EntityID       string
	IsMultiEntity  bool
	Model          string
	SystemPrompt   string
	UserDisplayName string
	RespondingLabel string
	// ParticipantLabels names every entity participating in a multi-entity
	// conversation (spec §3 Session), in participant order. Empty for
	// single-entity sessions.
	ParticipantLabels []string

	RollingContext []llmtypes.Message

	inContextIDs  map[string]bool
	retrievedIDs  map[string]bool
	sessionMemories map[string]memory.Entry
	insertOrder   []string // insertion order into session_memories, for FIFO trim

	LastCachedContextLength int
}

// New constructs an empty Session.
func New(conversationID, entityID string) *Session {
	return &Session{
		ConversationID:  conversationID,
		EntityID:        entityID,
		inContextIDs:    map[string]bool{},
		retrievedIDs:    map[string]bool{},
		sessionMemories: map[string]memory.Entry{},
	}
}

// InContextIDs returns a defensive copy.
func (s *Session) InContextIDs() map[string]bool {
	out := make(map[string]bool, len(s.inContextIDs))
	for k := range s.inContextIDs {
		out[k] = true
	}
	return out
}

// HasRetrievedBefore reports whether any memory has ever been retrieved
// into this session (spec §4.3.4: selects INITIAL_K vs STEADY_K).
func (s *Session) HasRetrievedBefore() bool { return len(s.retrievedIDs) > 0 }

// AddMemory implements spec §4.4.1's add_memory. Returns (added,
// isNewRetrieval). Restoring a previously-trimmed memory must never
// recount times_retrieved.
func (s *Session) AddMemory(entry memory.Entry) (added, isNewRetrieval bool) {
	if s.inContextIDs[entry.ID] {
		return false, false
	}
	if s.retrievedIDs[entry.ID] {
		s.inContextIDs[entry.ID] = true
		s.sessionMemories[entry.ID] = entry // refresh stored score
		return true, false
	}
	s.inContextIDs[entry.ID] = true
	s.retrievedIDs[entry.ID] = true
	s.sessionMemories[entry.ID] = entry
	s.insertOrder = append(s.insertOrder, entry.ID)
	return true, true
}

// AddExchange implements spec §4.4.1's add_exchange. humanText may be
// empty to signal "no human turn" (multi-entity continuation).
func (s *Session) AddExchange(humanText string, hasHuman bool, assistantText string) {
	if hasHuman {
		text := humanText
		if s.IsMultiEntity {
			text = "[Human]: " + humanText
		}
		s.RollingContext = append(s.RollingContext, llmtypes.Text(llmtypes.RoleUser, text))
	}
	text := assistantText
	if s.IsMultiEntity {
		label := s.RespondingLabel
		if label == "" {
			label = "assistant"
		}
		text = fmt.Sprintf("[%s]: %s", label, assistantText)
	}
	s.RollingContext = append(s.RollingContext, llmtypes.Text(llmtypes.RoleAssistant, text))
}

// AppendUserTurn appends the human turn half of an exchange, with the
// multi-entity "[Human]: " prefix session.AddExchange also applies. Used by
// callers that append a structured ToolExchange between the user turn and
// the final assistant text (spec §3 ToolExchange lifecycle), where a single
// AddExchange call can't interleave the tool blocks.
func (s *Session) AppendUserTurn(humanText string, hasHuman bool) {
	if !hasHuman {
		return
	}
	text := humanText
	if s.IsMultiEntity {
		text = "[Human]: " + humanText
	}
	s.RollingContext = append(s.RollingContext, llmtypes.Text(llmtypes.RoleUser, text))
}

// AppendToolExchanges appends structured assistant tool_use / user
// tool_result messages verbatim, with no text prefixing: spec §3 models a
// ToolExchange as blocks, not as the plain-text transcript AddExchange
// produces for ordinary turns.
func (s *Session) AppendToolExchanges(msgs []llmtypes.Message) {
	s.RollingContext = append(s.RollingContext, msgs...)
}

// AppendAssistantText appends the final plain-text assistant reply, with
// the same multi-entity "[Label]: " prefix AddExchange applies. A blank
// text (the loop hit max_iterations without a terminal reply) appends
// nothing rather than an empty message.
func (s *Session) AppendAssistantText(text string) {
	if text == "" {
		return
	}
	if s.IsMultiEntity {
		label := s.RespondingLabel
		if label == "" {
			label = "assistant"
		}
		text = fmt.Sprintf("[%s]: %s", label, text)
	}
	s.RollingContext = append(s.RollingContext, llmtypes.Text(llmtypes.RoleAssistant, text))
}

// SortedMemories returns the in-context memories ordered by id (spec §4.5
// "sort by id" for prompt stability, not by score).
func (s *Session) SortedMemories() []memory.Entry {
	out := make([]memory.Entry, 0, len(s.inContextIDs))
	for id := range s.inContextIDs {
		out = append(out, s.sessionMemories[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TrimMemoriesToLimit implements spec §4.4.1's trim_memories_to_limit:
// drop the oldest-retrieved in-context memory (FIFO by insertion order
// into session_memories) until render(count_fn) fits within maxTokens.
// Removed ids remain in retrieved_ids/session_memories so restoration via
// AddMemory does not recount.
func (s *Session) TrimMemoriesToLimit(maxTokens int, render func([]memory.Entry) int) []string {
	var removed []string
	for render(s.SortedMemories()) > maxTokens {
		oldest := s.oldestInContext()
		if oldest == "" {
			break
		}
		delete(s.inContextIDs, oldest)
		removed = append(removed, oldest)
	}
	return removed
}

func (s *Session) oldestInContext() string {
	for _, id := range s.insertOrder {
		if s.inContextIDs[id] {
			return id
		}
	}
	return ""
}

// TrimContextToLimit implements spec §4.4.1's trim_context_to_limit: drop
// whole exchanges (user+assistant pairs) from the front of RollingContext
// until the rendered context plus pendingUserMessage fits within
// maxTokens.
func (s *Session) TrimContextToLimit(maxTokens int, countFn CountFn, pendingUserMessage string) int {
	removed := 0
	for len(s.RollingContext) > 0 {
		total := countFn(s.RollingContext) + countFn([]llmtypes.Message{llmtypes.Text(llmtypes.RoleUser, pendingUserMessage)})
		if total <= maxTokens {
			break
		}
		drop := 2
		if drop > len(s.RollingContext) {
			drop = len(s.RollingContext)
		}
		s.RollingContext = s.RollingContext[drop:]
		removed += drop
	}
	return removed
}

// ShouldConsolidate implements the predicate spec §4.4.2 names
// should_consolidate.
func (s *Session) ShouldConsolidate(countFn CountFn) bool {
	if s.LastCachedContextLength == 0 {
		return false // bootstrap, not consolidate, handles this case
	}
	cachedPrefix := s.RollingContext
	if s.LastCachedContextLength < len(s.RollingContext) {
		cachedPrefix = s.RollingContext[:s.LastCachedContextLength]
	}
	newTail := s.RollingContext[min(s.LastCachedContextLength, len(s.RollingContext)):]
	return countFn(cachedPrefix) < consolidateMinCachedTokens || countFn(newTail) >= consolidateMaxNewTokens
}

// UpdateCacheBreakpoint applies the bootstrap/consolidate/hold policy
// (spec §4.4.2) after a turn's exchange has already been appended to
// RollingContext.
func (s *Session) UpdateCacheBreakpoint(countFn CountFn) {
	if s.LastCachedContextLength == 0 && len(s.RollingContext) > 0 {
		s.LastCachedContextLength = len(s.RollingContext) // bootstrap
		return
	}
	if s.ShouldConsolidate(countFn) {
		s.LastCachedContextLength = len(s.RollingContext) - 2
		if s.LastCachedContextLength < 0 {
			s.LastCachedContextLength = 0
		}
	}
	// else: hold, leave unchanged
}

// ResetCacheBreakpointOnEntitySwitch implements the Open Question
// decision recorded in DESIGN.md: on an entity switch where the new
// responding entity's system prompt differs from the one last used by
// this session, reset the cached prefix to 0 (the spec's named "safe
// choice") rather than preserving a stale, wrongly-keyed prefix.
func (s *Session) ResetCacheBreakpointOnEntitySwitch(newSystemPrompt string) {
	if newSystemPrompt != s.SystemPrompt {
		s.LastCachedContextLength = 0
	}
}

// clockNow exists so tests can observe deterministic timestamps where a
// Session needs to stamp one (currently unused by Session itself, kept
// for symmetry with ranker's injectable clock).
var clockNow = time.Now
