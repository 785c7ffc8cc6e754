package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/zhouzirui/z-tavern/npc/internal/model/memory"
)

// MemStore keeps memories in process and searches them by brute-force L2.
type MemStore struct {
	mu         sync.RWMutex
	entries    map[string]memory.Entry
	embeddings map[string][]float32
}

func NewMemStore() *MemStore {
	return &MemStore{
		entries:    make(map[string]memory.Entry),
		embeddings: make(map[string][]float32),
	}
}

func (s *MemStore) Create(_ context.Context, entry memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; !exists {
		s.entries[entry.ID] = entry
	}
	return nil
}

func (s *MemStore) UpsertEmbedding(_ context.Context, id string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[id] = append([]float32(nil), vector...)
	return nil
}

func (s *MemStore) Nearest(_ context.Context, characterID string, vector []float32, k int) ([]memory.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []memory.Match
	for id, emb := range s.embeddings {
		entry, ok := s.entries[id]
		if !ok || entry.CharacterID != characterID || len(emb) != len(vector) {
			continue
		}
		matches = append(matches, memory.Match{Entry: entry, Distance: l2(emb, vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemStore) List(_ context.Context, filter ListFilter) ([]memory.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []memory.Entry
	for _, entry := range s.entries {
		if filter.CharacterID != "" && entry.CharacterID != filter.CharacterID {
			continue
		}
		if filter.SessionID != "" && entry.SessionID != filter.SessionID {
			continue
		}
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[filter.Offset:end], total, nil
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
