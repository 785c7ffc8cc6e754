package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

type memoryEntry struct {
	session   *chat.Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process. Expiry is checked lazily on read.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: make(map[string]*memoryEntry), ttl: ttl, now: time.Now}
}

// lookup returns the live entry and purges an expired one. Caller holds mu.
func (s *MemoryStore) lookup(id string) (*memoryEntry, bool) {
	entry, ok := s.items[id]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && s.now().After(entry.expiresAt) {
		delete(s.items, id)
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) Get(_ context.Context, id string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry.session.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, sess *chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sess.ID] = &memoryEntry{session: sess.Clone(), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(m.Session.ID)
	if !ok {
		return ErrSessionNotFound
	}
	if entry.session.Version != m.ExpectedVersion {
		return ErrVersionConflict
	}
	entry.session = m.Session.Clone()
	entry.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.lookup(id); ok {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, before *Cursor, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	entry, ok := s.lookup(sessionID)
	var messages []chat.Message
	if ok {
		messages = append(messages, entry.session.Messages...)
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	out := make([]chat.Message, 0, limit)
	for _, m := range messages {
		if before != nil && !olderThan(m, *before) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
