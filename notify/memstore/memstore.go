// Package memstore is an in-memory notify.Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/estate-realtime/notify"
)

// Store implements notify.Store in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]notify.Record
	byUser  map[string][]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]notify.Record),
		byUser:  make(map[string][]string),
	}
}

func (s *Store) Insert(ctx context.Context, records []notify.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, exists := s.records[r.ID]; exists {
			return fmt.Errorf("%w: duplicate notification id %s", notify.ErrInvalidArgument, r.ID)
		}
	}
	for _, r := range records {
		s.records[r.ID] = r
		s.byUser[r.RecipientID] = append(s.byUser[r.RecipientID], r.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (notify.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return notify.Record{}, notify.ErrNotFound
	}
	return r, nil
}

func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, notify.ErrNotFound
	}
	if r.IsRead {
		return false, nil
	}
	r.IsRead = true
	r.ReadAt = &at
	s.records[id] = r
	return true, nil
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range s.byUser[recipientID] {
		r := s.records[id]
		if r.IsRead {
			continue
		}
		r.IsRead = true
		readAt := at
		r.ReadAt = &readAt
		s.records[id] = r
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Store) List(ctx context.Context, recipientID string, offset, limit int) ([]notify.Record, bool, error) {
	if offset < 0 || limit < 0 {
		return nil, false, fmt.Errorf("%w: offset %d, limit %d", notify.ErrInvalidArgument, offset, limit)
	}
	s.mu.RLock()
	ids := s.byUser[recipientID]
	all := make([]notify.Record, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.records[id])
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b notify.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	if offset >= len(all) {
		return nil, false, nil
	}
	end := offset + min(limit, len(all)-offset)
	return all[offset:end], end < len(all), nil
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.byUser[recipientID] {
		if !s.records[id].IsRead {
			n++
		}
	}
	return n, nil
}

var _ notify.Store = (*Store)(nil)
