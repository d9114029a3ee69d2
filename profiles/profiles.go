// Package profiles is the read side of the marketplace's user directory. The
// chat service joins conversation counterparts against it at read time; no
// profile data is stored alongside conversations.
package profiles

import (
	"context"
	"errors"
	"sync"
)

// ErrTransient is returned when the directory backend is unavailable.
var ErrTransient = errors.New("profiles: directory unavailable")

// Profile is the public face of a marketplace user.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	// Role is "agent", "owner" or "buyer" as reported by the directory.
	Role string `json:"role,omitempty"`
}

// Placeholder is the profile shown for users the directory does not know.
func Placeholder(userID string) Profile {
	return Profile{UserID: userID}
}

// Directory resolves profiles by user ID. Unknown IDs are absent from the
// returned map rather than reported as errors.
type Directory interface {
	Lookup(ctx context.Context, userIDs ...string) (map[string]Profile, error)
}

// Memory is a Directory held in process. It backs tests and single-node
// development setups.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemory returns a directory seeded with ps.
func NewMemory(ps ...Profile) *Memory {
	m := &Memory{profiles: make(map[string]Profile, len(ps))}
	for _, p := range ps {
		m.profiles[p.UserID] = p
	}
	return m
}

// Put inserts or replaces a profile.
func (m *Memory) Put(p Profile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

func (m *Memory) Lookup(ctx context.Context, userIDs ...string) (map[string]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var _ Directory = (*Memory)(nil)
