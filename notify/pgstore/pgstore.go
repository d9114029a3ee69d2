// Package pgstore is a notify.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ggoodman/estate-realtime/notify"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the notifications table. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id           uuid PRIMARY KEY,
	recipient_id text NOT NULL,
	type         text NOT NULL,
	payload      jsonb NOT NULL,
	is_read      boolean NOT NULL DEFAULT false,
	created_at   timestamptz NOT NULL,
	read_at      timestamptz
);
CREATE INDEX IF NOT EXISTS notifications_feed_idx
	ON notifications (recipient_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS notifications_unread_idx
	ON notifications (recipient_id) WHERE NOT is_read;
`

// Store implements notify.Store.
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
		return fmt.Errorf("notify pgstore: migrate: %w", err)
	}
	return nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %w", notify.ErrTransient, err)
}

// badID reports a malformed uuid parameter, which cannot name any row.
func badID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func (s *Store) Insert(ctx context.Context, records []notify.Record) error {
	if len(records) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			payload, err := json.Marshal(r.Payload)
			if err != nil {
				return fmt.Errorf("%w: encode payload: %w", notify.ErrInvalidArgument, err)
			}
			batch.Queue(`
				INSERT INTO notifications (id, recipient_id, type, payload, is_read, created_at, read_at)
				VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
			`, r.ID, r.RecipientID, string(r.Type), payload, r.IsRead, r.CreatedAt, r.ReadAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if errors.Is(err, notify.ErrInvalidArgument) {
			return err
		}
		return transient(err)
	}
	return nil
}

const selectColumns = `id::text, recipient_id, type, payload, is_read, created_at, read_at`

func scanRecord(row pgx.Row) (notify.Record, error) {
	var (
		r       notify.Record
		typ     string
		payload []byte
	)
	if err := row.Scan(&r.ID, &r.RecipientID, &typ, &payload, &r.IsRead, &r.CreatedAt, &r.ReadAt); err != nil {
		return notify.Record{}, err
	}
	r.Type = notify.Type(typ)
	p, err := notify.DecodePayload(r.Type, payload)
	if err != nil {
		return notify.Record{}, err
	}
	r.Payload = p
	return r, nil
}

func (s *Store) Get(ctx context.Context, id string) (notify.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM notifications WHERE id = $1::uuid`, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows), badID(err):
		return notify.Record{}, notify.ErrNotFound
	case errors.Is(err, notify.ErrInvalidArgument):
		return notify.Record{}, err
	case err != nil:
		return notify.Record{}, transient(err)
	}
	return r, nil
}

func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = true, read_at = $2
		WHERE id = $1::uuid AND NOT is_read
	`, id, at)
	if badID(err) {
		return false, notify.ErrNotFound
	}
	if err != nil {
		return false, transient(err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1::uuid)`, id).Scan(&exists); err != nil {
		return false, transient(err)
	}
	if !exists {
		return false, notify.ErrNotFound
	}
	return false, nil
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications SET is_read = true, read_at = $2
		WHERE recipient_id = $1 AND NOT is_read
		RETURNING id::text
	`, recipientID, at)
	if err != nil {
		return nil, transient(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, transient(err)
	}
	return ids, nil
}

func (s *Store) List(ctx context.Context, recipientID string, offset, limit int) ([]notify.Record, bool, error) {
	if offset < 0 || limit < 0 || limit == math.MaxInt {
		return nil, false, fmt.Errorf("%w: offset %d, limit %d", notify.ErrInvalidArgument, offset, limit)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, recipientID, limit+1, offset)
	if err != nil {
		return nil, false, transient(err)
	}
	defer rows.Close()

	var out []notify.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, false, transient(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, transient(err)
	}
	more := len(out) > limit
	if more {
		out = out[:limit]
	}
	return out, more, nil
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read
	`, recipientID).Scan(&n); err != nil {
		return 0, transient(err)
	}
	return n, nil
}

var _ notify.Store = (*Store)(nil)
