package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sessioncore/internal/observability"
)

// pgStore is a Postgres-backed Store.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// Init creates/migrates the schema. Mirrors the teacher's
// CREATE-TABLE-IF-NOT-EXISTS + ADD-COLUMN-IF-NOT-EXISTS migration idiom.
func (s *pgStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    entity_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'normal',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    system_prompts JSONB NOT NULL DEFAULT '{}',
    legacy_system_prompt TEXT NOT NULL DEFAULT '',
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    participants JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    times_retrieved INTEGER NOT NULL DEFAULT 0,
    last_retrieved_at TIMESTAMPTZ,
    speaker_entity_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS conversation_messages_conv_created_idx
    ON conversation_messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS conversation_memory_links (
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    message_id UUID NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (conversation_id, message_id, entity_id)
);

ALTER TABLE conversations
    ADD COLUMN IF NOT EXISTS archived BOOLEAN NOT NULL DEFAULT FALSE;
`)
	return err
}

func (s *pgStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *pgStore) scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	var prompts, participants []byte
	if err := row.Scan(&c.ID, &c.EntityID, &c.Type, &c.CreatedAt, &prompts, &c.LegacySystemPrompt, &c.Archived, &participants); err != nil {
		return Conversation{}, err
	}
	if len(prompts) > 0 {
		_ = json.Unmarshal(prompts, &c.SystemPrompts)
	}
	if len(participants) > 0 {
		_ = json.Unmarshal(participants, &c.Participants)
	}
	return c, nil
}

func (s *pgStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, entity_id, type, created_at, system_prompts, legacy_system_prompt, archived, participants
FROM conversations WHERE id = $1`, id)
	c, err := s.scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func (s *pgStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, role, content, created_at, times_retrieved, last_retrieved_at, speaker_entity_id
FROM conversation_messages
WHERE conversation_id = $1
ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var lastRetrieved sql.NullTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.TimesRetrieved, &lastRetrieved, &m.SpeakerEntityID); err != nil {
		return Message{}, err
	}
	if lastRetrieved.Valid {
		t := lastRetrieved.Time
		m.LastRetrievedAt = &t
	}
	return m, nil
}

func (s *pgStore) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, conversation_id, role, content, created_at, times_retrieved, last_retrieved_at, speaker_entity_id
FROM conversation_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *pgStore) AppendMessages(ctx context.Context, conversationID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	log := observability.LoggerWithTrace(ctx)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
		_, err := tx.Exec(ctx, `
INSERT INTO conversation_messages (id, conversation_id, role, content, created_at, speaker_entity_id)
VALUES ($1, $2, $3, $4, $5, $6)`,
			msgs[i].ID, conversationID, msgs[i].Role, msgs[i].Content, msgs[i].CreatedAt, msgs[i].SpeakerEntityID)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Debug().Str("conversation_id", conversationID).Int("count", len(msgs)).Msg("convstore_append_messages")
	return nil
}

func (s *pgStore) IncrementTimesRetrieved(ctx context.Context, link MemoryLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO conversation_memory_links (conversation_id, message_id, entity_id)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`, link.ConversationID, link.MessageID, link.EntityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil // already recorded for this session: at-most-once per spec §3
	}
	_, err = tx.Exec(ctx, `
UPDATE conversation_messages
SET times_retrieved = times_retrieved + 1, last_retrieved_at = NOW()
WHERE id = $1`, link.MessageID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgStore) ListMemoryLinks(ctx context.Context, conversationID, entityID string) ([]MemoryLink, error) {
	query := `SELECT conversation_id, message_id, entity_id FROM conversation_memory_links WHERE conversation_id = $1`
	args := []any{conversationID}
	if entityID != "" {
		query += ` AND entity_id = $2`
		args = append(args, entityID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]MemoryLink, 0)
	for rows.Next() {
		var l MemoryLink
		if err := rows.Scan(&l.ConversationID, &l.MessageID, &l.EntityID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *pgStore) ArchivedConversationIDs(ctx context.Context, entityID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM conversations WHERE archived = TRUE
AND (entity_id = $1 OR participants @> to_jsonb($1::text))`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversation_messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
