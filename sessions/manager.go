package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/internal/backoff"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/storage"
	"github.com/google/uuid"
)

// DefaultReconcileInterval is how often sessions recount unread
// notifications.
const DefaultReconcileInterval = 30 * time.Second

// DefaultResumeTTL is how long a session's watch list is kept for Resume.
const DefaultResumeTTL = 10 * time.Minute

// ErrUnknownSession is returned by Resume when no saved state exists.
var ErrUnknownSession = errors.New("sessions: unknown or expired session")

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithReconcileInterval overrides DefaultReconcileInterval.
func WithReconcileInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithBackoff sets the resubscribe policy used by Reconnect.
func WithBackoff(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithResumeStore keeps each session's watched conversations in store so
// that a new connection can Resume it, possibly on another node.
func WithResumeStore(store storage.Storage, ttl time.Duration) Option {
	return func(m *Manager) {
		m.store = store
		m.resumeTTL = ttl
	}
}

// Manager opens and tracks the sessions of one process.
type Manager struct {
	rec       Reconciler
	log       *slog.Logger
	interval  time.Duration
	policy    backoff.Policy
	store     storage.Storage
	resumeTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions reconcile through rec.
func NewManager(rec Reconciler, opts ...Option) *Manager {
	m := &Manager{
		rec:       rec,
		log:       slog.Default(),
		interval:  DefaultReconcileInterval,
		policy:    backoff.Default,
		resumeTTL: DefaultResumeTTL,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a session for userID over link. Nothing is subscribed until
// Connect.
func (m *Manager) Open(ctx context.Context, userID string, link Link) *Session {
	return m.open(ctx, uuid.NewString(), userID, link)
}

func (m *Manager) open(ctx context.Context, id, userID string, link Link) *Session {
	life, stop := context.WithCancel(context.Background())
	s := &Session{
		id:            id,
		userID:        userID,
		link:          link,
		rec:           m.rec,
		log:           m.log,
		policy:        m.policy,
		interval:      m.interval,
		life:          life,
		stop:          stop,
		topics:        make(map[broker.Topic]struct{}),
		timelines:     make(map[string]map[string]chat.Message),
		tombstones:    make(map[string]struct{}),
		conversations: make(map[string]chat.Conversation),
		feed:          make(map[string]notify.Record),
		readElsewhere: make(map[string]struct{}),
		observers:     make(map[int]func(Change)),
		onClose:       m.forget,
	}
	if m.store != nil {
		s.persist = m.save
	}
	if d, ok := link.(Dropper); ok {
		s.dropRemove = d.OnDrop(func() {
			if s.closed.Load() {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.Reconnect(s.life); err != nil && !errors.Is(err, ErrClosed) && s.life.Err() == nil {
					s.log.Warn("session.reconnect.fail", slog.String("session", s.id), slog.String("err", err.Error()))
				}
			}()
		})
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.InfoContext(ctx, "session.open", slog.String("session", id), slog.String("user", userID))
	return s
}

// Resume reopens a saved session for userID and connects it to the
// conversations it was watching. Callers whose observers must see what the
// catch-up reconciliation finds use Restore instead.
func (m *Manager) Resume(ctx context.Context, sessionID, userID string, link Link) (*Session, error) {
	s, watching, err := m.Restore(ctx, sessionID, userID, link)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx, watching...); err != nil {
		return s, err
	}
	return s, nil
}

// Restore reopens a saved session for userID without subscribing anything
// and returns the conversations it was watching. The caller registers its
// observers and then calls Connect, so the catch-up reconciliation reaches
// them.
func (m *Manager) Restore(ctx context.Context, sessionID, userID string, link Link) (*Session, []string, error) {
	if m.store == nil {
		return nil, nil, ErrUnknownSession
	}
	if _, ok := m.Get(sessionID); ok {
		return nil, nil, fmt.Errorf("%w: session %s is still open", ErrUnknownSession, sessionID)
	}
	item, err := m.store.Get(ctx, resumeKey(sessionID), storage.WithUser(userID))
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if item == nil {
		return nil, nil, ErrUnknownSession
	}
	var saved savedSession
	if err := json.Unmarshal(item.Data, &saved); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnknownSession, err)
	}
	return m.open(ctx, sessionID, userID, link), saved.Conversations, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close closes every open session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var errs []error
	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

type savedSession struct {
	Conversations []string `json:"conversations"`
}

func resumeKey(sessionID string) string { return "session:" + sessionID }

func (m *Manager) save(ctx context.Context, s *Session) {
	data, err := json.Marshal(savedSession{Conversations: s.Watching()})
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, resumeKey(s.id), data, storage.WithUser(s.userID), storage.WithTTL(m.resumeTTL)); err != nil {
		m.log.WarnContext(ctx, "session.save.fail", slog.String("session", s.id), slog.String("err", err.Error()))
	}
}
