// Package sessionmanager owns the conversation_id -> Session mapping and
// orchestrates a turn end-to-end (spec §4.6): bootstrap/replay from the
// database of record, retrieval, trimming, cache-breakpoint maintenance,
// and persistence ordering.
package sessionmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sessioncore/internal/config"
	"sessioncore/internal/convstore"
	"sessioncore/internal/llmtypes"
	"sessioncore/internal/memory"
	"sessioncore/internal/memorystore"
	"sessioncore/internal/observability"
	"sessioncore/internal/ranker"
	"sessioncore/internal/session"
	"sessioncore/internal/tokencount"
)

var (
	// ErrNotFound mirrors convstore.ErrNotFound at the turn boundary: the
	// conversation_id named by the request does not exist.
	ErrNotFound = errors.New("sessionmanager: conversation not found")
	// ErrForbidden signals an invalid responding_entity_id for a
	// multi-entity conversation (spec §7).
	ErrForbidden = errors.New("sessionmanager: invalid responding entity")
	// ErrBusy is returned when a second turn is attempted on a
	// conversation that already holds its Session lock (spec §5:
	// "queue or fail-fast with a busy indicator").
	ErrBusy = errors.New("sessionmanager: conversation busy")
)

// Manager owns every live Session and the collaborators a turn needs.
type Manager struct {
	cfg      config.Config
	rankerCfg ranker.Config
	conv     convstore.Store
	memStore *memorystore.Adapter
	rnk      *ranker.Ranker
	counter  *tokencount.Counter
	provider llmtypes.Provider

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	sess *session.Session
}

// New constructs a Manager.
func New(cfg config.Config, rankerCfg ranker.Config, conv convstore.Store, memStore *memorystore.Adapter, rnk *ranker.Ranker, counter *tokencount.Counter, provider llmtypes.Provider) *Manager {
	return &Manager{
		cfg: cfg, rankerCfg: rankerCfg, conv: conv, memStore: memStore, rnk: rnk, counter: counter, provider: provider,
		sessions: map[string]*entry{},
	}
}

// Get returns an already-loaded Session, or nil if none is resident.
func (m *Manager) Get(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return e.sess
}

// Close evicts a Session from memory (it remains in the database of
// record; a future LoadFromDB recreates it).
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Create constructs a new, empty Session with defaults and registers it.
func (m *Manager) Create(id, entityID string) *session.Session {
	sess := session.New(id, entityID)
	m.mu.Lock()
	m.sessions[id] = &entry{sess: sess}
	m.mu.Unlock()
	return sess
}

// LoadFromDB implements spec §4.6's load_from_db bootstrap (7 steps).
// preserveContextCacheLength is nil unless the caller explicitly passed
// one through (multi-entity entity-switch continuation).
func (m *Manager) LoadFromDB(ctx context.Context, id string, respondingEntityID string, preserveContextCacheLength *int) (*session.Session, error) {
	conv, err := m.conv.GetConversation(ctx, id)
	if errors.Is(err, convstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Step 2: determine the acting entity.
	actingEntityID := conv.EntityID
	if conv.Type == convstore.ConversationMultiEntity {
		if respondingEntityID == "" {
			return nil, ErrForbidden
		}
		found := false
		for _, p := range conv.Participants {
			if p == respondingEntityID {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrForbidden
		}
		actingEntityID = respondingEntityID
	}

	entityCfg, ok := m.cfg.EntityByID(actingEntityID)
	if !ok {
		return nil, ErrForbidden
	}

	// Step 3: choose the model: entity default, else provider default,
	// else the global fallback (spec §4.6 step 3).
	model := entityCfg.DefaultModel
	if model == "" {
		model = providerDefaultModel(entityCfg.Provider)
	}
	if model == "" {
		model = globalDefaultModel
	}

	// Step 4: choose the system prompt.
	systemPrompt := entityCfg.SystemPrompt
	if conv.SystemPrompts != nil {
		if p, ok := conv.SystemPrompts[actingEntityID]; ok {
			systemPrompt = p
		}
	} else if conv.LegacySystemPrompt != "" {
		systemPrompt = conv.LegacySystemPrompt
	}

	sess := session.New(id, actingEntityID)
	sess.IsMultiEntity = conv.Type == convstore.ConversationMultiEntity
	sess.Model = model
	sess.SystemPrompt = systemPrompt
	sess.RespondingLabel = entityCfg.Label
	if sess.IsMultiEntity {
		for _, p := range conv.Participants {
			if pCfg, ok := m.cfg.EntityByID(p); ok {
				sess.ParticipantLabels = append(sess.ParticipantLabels, pCfg.Label)
			}
		}
	}

	// Step 5: replay messages into rolling_context.
	msgs, err := m.conv.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		sess.RollingContext = append(sess.RollingContext, toLLMMessage(msg, sess.IsMultiEntity))
	}

	// Step 6: replay retrieved_ids from ConversationMemoryLink.
	filterEntity := ""
	if sess.IsMultiEntity {
		filterEntity = actingEntityID
	}
	links, err := m.conv.ListMemoryLinks(ctx, id, filterEntity)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("conversation_id", id).Msg("sessionmanager_list_memory_links_failed")
	}
	for _, link := range links {
		fullMsg, err := m.conv.GetMessage(ctx, link.MessageID)
		if err != nil {
			continue // orphaned link: skip silently
		}
		sess.AddMemory(memory.Entry{
			ID:                   fullMsg.ID,
			SourceConversationID: fullMsg.ConversationID,
			Role:                 roleOf(fullMsg.Role),
			Content:              fullMsg.Content,
			CreatedAt:            fullMsg.CreatedAt,
			TimesRetrieved:       fullMsg.TimesRetrieved,
			LastRetrievedAt:      fullMsg.LastRetrievedAt,
		})
	}

	// Step 7: cache breakpoint.
	if preserveContextCacheLength != nil {
		v := *preserveContextCacheLength
		if v > len(sess.RollingContext) {
			v = len(sess.RollingContext)
		}
		if v < 0 {
			v = 0
		}
		sess.LastCachedContextLength = v
		// Compare against the prompt the resident Session last used, if any.
		m.mu.Lock()
		prev, resident := m.sessions[id]
		m.mu.Unlock()
		if resident {
			sess.SystemPrompt = prev.sess.SystemPrompt
		}
		sess.ResetCacheBreakpointOnEntitySwitch(systemPrompt)
		sess.SystemPrompt = systemPrompt
	} else {
		sess.LastCachedContextLength = len(sess.RollingContext)
	}

	m.mu.Lock()
	m.sessions[id] = &entry{sess: sess}
	m.mu.Unlock()
	return sess, nil
}

// acquire locks the conversation's Session for the duration of a turn,
// failing fast rather than queuing (spec §5's stated implementation
// choice for this core).
func (m *Manager) acquire(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	return e, nil
}

func toLLMMessage(msg convstore.Message, multiEntity bool) llmtypes.Message {
	role := llmtypes.RoleUser
	text := msg.Content
	switch msg.Role {
	case convstore.RoleAssistant:
		role = llmtypes.RoleAssistant
		if multiEntity && msg.SpeakerEntityID != "" {
			text = fmt.Sprintf("[%s]: %s", msg.SpeakerEntityID, text)
		}
	case convstore.RoleHuman:
		if multiEntity {
			text = "[Human]: " + text
		}
	case convstore.RoleToolUse, convstore.RoleToolResult:
		role = llmtypes.RoleAssistant
		if msg.Role == convstore.RoleToolResult {
			role = llmtypes.RoleUser
		}
	}
	return llmtypes.Text(role, text)
}

// globalDefaultModel is the last-resort fallback when neither the entity
// nor its provider names a default (spec §4.6 step 3).
const globalDefaultModel = "claude-sonnet-4-5"

// providerDefaultModel maps a configured provider name to its default
// model when the entity itself doesn't specify one.
func providerDefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4.1"
	default:
		return ""
	}
}

func roleOf(r convstore.MessageRole) memory.Role {
	if r == convstore.RoleAssistant {
		return memory.RoleAssistant
	}
	return memory.RoleHuman
}
