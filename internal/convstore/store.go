// Package convstore is the database-of-record persistence interface the
// core reads to bootstrap a Session and writes to after a turn (spec §3
// "Ownership"). It is deliberately narrow: HTTP routing, request
// validation, and the full SQL schema are external collaborators: this
// package only carries the shape the Session Manager actually consumes.
package convstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("convstore: not found")
	ErrForbidden = errors.New("convstore: forbidden")
)

// ConversationType distinguishes single-entity from multi-entity threads
// (spec §3 data model: "entity_id ≠ multi-entity sentinel ⟺ type ≠ multi_entity").
type ConversationType string

const (
	ConversationNormal      ConversationType = "normal"
	ConversationReflection  ConversationType = "reflection"
	ConversationMultiEntity ConversationType = "multi_entity"
)

// MultiEntitySentinel is the reserved entity_id value for multi-entity
// conversations.
const MultiEntitySentinel = "multi-entity"

// MessageRole is the persisted role enum (spec §3).
type MessageRole string

const (
	RoleHuman      MessageRole = "human"
	RoleAssistant  MessageRole = "assistant"
	RoleToolUse    MessageRole = "tool_use"
	RoleToolResult MessageRole = "tool_result"
)

// Conversation is the external Conversation row.
type Conversation struct {
	ID                string
	EntityID          string // MultiEntitySentinel for multi-entity
	Type              ConversationType
	CreatedAt         time.Time
	SystemPrompts     map[string]string // per-entity; nil means "legacy single prompt"
	LegacySystemPrompt string
	Archived          bool
	Participants      []string // multi-entity: listed entity ids, in display order
}

// Message is the external, persisted Message row.
type Message struct {
	ID              string
	ConversationID  string
	Role            MessageRole
	Content         string
	CreatedAt       time.Time
	TimesRetrieved  int
	LastRetrievedAt *time.Time
	SpeakerEntityID string // multi-entity only
}

// MemoryLink records that Message was surfaced to Conversation for Entity
// (spec §3 ConversationMemoryLink): created once on first retrieval, never
// updated or deleted.
type MemoryLink struct {
	ConversationID string
	MessageID      string
	EntityID       string // optional
}

// Store is the narrow persistence contract the Session Manager consumes.
// Implementations: an in-memory store (tests, single-process dev) and a
// Postgres store (production).
type Store interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	AppendMessages(ctx context.Context, conversationID string, msgs []Message) error
	GetMessage(ctx context.Context, id string) (Message, error)

	// IncrementTimesRetrieved bumps Message.TimesRetrieved and
	// LastRetrievedAt, and inserts the MemoryLink, atomically. Called once
	// per (message, session) the first time a memory is surfaced — never
	// again for that session even if the memory is trimmed and restored
	// (spec §3, §8 "at most once per session per id").
	IncrementTimesRetrieved(ctx context.Context, link MemoryLink) error

	// ListMemoryLinks returns every MemoryLink for conversationID, optionally
	// filtered to a single entity (multi-entity conversations).
	ListMemoryLinks(ctx context.Context, conversationID, entityID string) ([]MemoryLink, error)

	// ArchivedConversationIDs returns the set of archived conversation ids
	// excluded from retrieval for entityID: those whose entity id is
	// entityID, and multi-entity conversations listing entityID as a
	// participant. Archived conversations with no entity id are not matched.
	ArchivedConversationIDs(ctx context.Context, entityID string) (map[string]bool, error)

	// DeleteMessage removes a message (for /regenerate, spec §6).
	DeleteMessage(ctx context.Context, id string) error
}
