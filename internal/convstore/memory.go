package convstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-process Store, grounded on the same map-of-slices
// pattern as the teacher's in-memory chat store: suitable for tests and
// single-process development, never for production.
type memStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string][]Message
	links         map[string][]MemoryLink // keyed by conversationID
	archived      map[string]map[string]bool // entityID -> conversationID set
}

// NewMemoryStore constructs an in-memory store. The concrete type is
// returned (rather than the Store interface) so tests can also reach
// CreateConversation to seed fixtures.
func NewMemoryStore() *memStore {
	return &memStore{
		conversations: map[string]Conversation{},
		messages:      map[string][]Message{},
		links:         map[string][]MemoryLink{},
		archived:      map[string]map[string]bool{},
	}
}

func (s *memStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				return m, nil
			}
		}
	}
	return Message{}, ErrNotFound
}

func (s *memStore) AppendMessages(ctx context.Context, conversationID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		msgs[i].ConversationID = conversationID
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	s.messages[conversationID] = append(s.messages[conversationID], msgs...)
	return nil
}

func (s *memStore) IncrementTimesRetrieved(ctx context.Context, link MemoryLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.links[link.ConversationID] {
		if existing.MessageID == link.MessageID && existing.EntityID == link.EntityID {
			return nil // at-most-once per (message, session): already recorded
		}
	}
	now := time.Now().UTC()
	found := false
	for convID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == link.MessageID {
				msgs[i].TimesRetrieved++
				msgs[i].LastRetrievedAt = &now
				found = true
			}
		}
		_ = convID
	}
	if !found {
		return ErrNotFound
	}
	s.links[link.ConversationID] = append(s.links[link.ConversationID], link)
	return nil
}

func (s *memStore) ListMemoryLinks(ctx context.Context, conversationID, entityID string) ([]MemoryLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.links[conversationID]
	if entityID == "" {
		out := make([]MemoryLink, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]MemoryLink, 0, len(all))
	for _, l := range all {
		if l.EntityID == entityID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) ArchivedConversationIDs(ctx context.Context, entityID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]bool{}
	for id, ok := range s.archived[entityID] {
		if ok {
			out[id] = true
		}
	}
	for id, c := range s.conversations {
		if !c.Archived {
			continue
		}
		if c.EntityID == entityID {
			out[id] = true
			continue
		}
		for _, p := range c.Participants {
			if p == entityID {
				out[id] = true
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, msgs := range s.messages {
		for i, m := range msgs {
			if m.ID == id {
				s.messages[convID] = append(msgs[:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

// CreateConversation is a test/bootstrap helper the Postgres store doesn't
// need an equivalent of at this layer (its rows are created by an external
// API layer against the full schema).
func (s *memStore) CreateConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conversations[c.ID] = c
	if s.messages[c.ID] == nil {
		s.messages[c.ID] = nil
	}
}
