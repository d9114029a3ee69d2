// Package pgstore is a chat.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/estate-realtime/chat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the conversation and message tables. It is safe to run
// repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                   uuid PRIMARY KEY,
	participant_a        text NOT NULL,
	participant_b        text NOT NULL,
	property_id          text,
	last_message_at      timestamptz,
	last_message_preview text NOT NULL DEFAULT '',
	created_at           timestamptz NOT NULL,
	UNIQUE (participant_a, participant_b)
);
CREATE INDEX IF NOT EXISTS conversations_a_idx ON conversations (participant_a);
CREATE INDEX IF NOT EXISTS conversations_b_idx ON conversations (participant_b);

CREATE TABLE IF NOT EXISTS messages (
	id              uuid PRIMARY KEY,
	conversation_id uuid NOT NULL REFERENCES conversations (id),
	sender_id       text NOT NULL,
	content         text NOT NULL,
	attachment_url  text,
	state           text NOT NULL CHECK (state IN ('sent', 'delivered', 'read')),
	created_at      timestamptz NOT NULL,
	read_at         timestamptz
);
CREATE INDEX IF NOT EXISTS messages_log_idx
	ON messages (conversation_id, created_at DESC, id DESC);
`

// Store implements chat.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("chat pgstore: migrate: %w", err)
	}
	return nil
}

// classify maps driver errors onto chat sentinels. IDs that are not UUIDs
// cannot name any row.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return chat.ErrNotFound
	}
	return fmt.Errorf("%w: %w", chat.ErrTransient, err)
}

const conversationColumns = `id::text, participant_a, participant_b, property_id, last_message_at, last_message_preview, created_at`

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var c chat.Conversation
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.PropertyID, &c.LastMessageAt, &c.LastMessagePreview, &c.CreatedAt)
	return c, err
}

const messageColumns = `id::text, conversation_id::text, sender_id, content, attachment_url, state, created_at, read_at`

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		m     chat.Message
		state string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.AttachmentURL, &state, &m.CreatedAt, &m.ReadAt); err != nil {
		return chat.Message{}, err
	}
	m.State = chat.State(state)
	return m, nil
}

func (s *Store) GetOrCreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	a, b := chat.CanonicalPair(c.ParticipantA, c.ParticipantB)
	got, err := scanConversation(s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, property_id, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
		RETURNING `+conversationColumns,
		c.ID, a, b, c.PropertyID, c.CreatedAt))
	if err == nil {
		return got, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, false, classify(err)
	}
	// Lost the race or the pair already existed.
	got, err = scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_a = $1 AND participant_b = $2
	`, a, b))
	if err != nil {
		return chat.Conversation{}, false, classify(err)
	}
	return got, false, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1::uuid`, id))
	if err != nil {
		return chat.Conversation{}, classify(err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, classify(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Conversation, error) {
		return scanConversation(row)
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, m chat.Message, preview string) (chat.Message, chat.Conversation, error) {
	var conv chat.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock on the conversation serializes appends, and the
		// returned last_message_at is the message's commit timestamp.
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, `
			UPDATE conversations
			SET last_message_at = GREATEST($2, last_message_at + interval '1 microsecond'),
			    last_message_preview = $3
			WHERE id = $1::uuid
			RETURNING `+conversationColumns,
			m.ConversationID, m.CreatedAt, preview))
		if err != nil {
			return err
		}
		m.CreatedAt = *conv.LastMessageAt
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, attachment_url, state, created_at)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
		`, m.ID, m.ConversationID, m.SenderID, m.Content, m.AttachmentURL, string(m.State), m.CreatedAt)
		return err
	})
	if err != nil {
		return chat.Message{}, chat.Conversation{}, classify(err)
	}
	return m, conv, nil
}

func (s *Store) exists(ctx context.Context, conversationID string) error {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1::uuid)`, conversationID).Scan(&ok); err != nil {
		return classify(err)
	}
	if !ok {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1::uuid AND ($3::timestamptz IS NULL OR created_at < $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) page
		ORDER BY created_at, id
	`, conversationID, limit, before)
	if err != nil {
		return nil, classify(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out) == 0 {
		if err := s.exists(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1::uuid`, id))
	if err != nil {
		return chat.Message{}, classify(err)
	}
	return m, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	return s.advance(ctx, conversationID, `
		UPDATE messages SET state = 'read', read_at = $3
		WHERE conversation_id = $1::uuid AND sender_id <> $2 AND state <> 'read'
		RETURNING id::text
	`, conversationID, readerID, at)
}

func (s *Store) MarkDelivered(ctx context.Context, conversationID, recipientID string) ([]string, error) {
	return s.advance(ctx, conversationID, `
		UPDATE messages SET state = 'delivered'
		WHERE conversation_id = $1::uuid AND sender_id <> $2 AND state = 'sent'
		RETURNING id::text
	`, conversationID, recipientID)
}

func (s *Store) advance(ctx context.Context, conversationID, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return nil, s.exists(ctx, conversationID)
	}
	// UUIDv7 text order is creation order.
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1::uuid`, id)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

var _ chat.Store = (*Store)(nil)
