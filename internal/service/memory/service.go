package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/model/memory"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// ErrBackendUnavailable marks failures that callers may degrade on.
var ErrBackendUnavailable = errors.New("memory backend unavailable")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ListFilter narrows the memory stream listing.
type ListFilter struct {
	CharacterID string
	SessionID   string
	Limit       int
	Offset      int
}

// Store persists entries and their embeddings.
type Store interface {
	Create(ctx context.Context, entry memory.Entry) error
	UpsertEmbedding(ctx context.Context, id string, vector []float32) error
	Nearest(ctx context.Context, characterID string, vector []float32, k int) ([]memory.Match, error)
	List(ctx context.Context, filter ListFilter) ([]memory.Entry, int64, error)
}

// ListResult is one page of the memory stream.
type ListResult struct {
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
	Items  []memory.Entry `json:"items"`
}

// Service 负责长期记忆的写入、向量化与检索。store 为 nil 表示记忆功能关闭。
type Service struct {
	store    Store
	embedder Embedder
	cfg      config.MemoryConfig
	log      *logger.Logger
}

func NewService(store Store, embedder Embedder, cfg config.MemoryConfig, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		log:      log.With("component", "memory"),
	}
}

// Enabled reports whether a backend is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.store != nil
}

// Search returns memories of characterID close to query, nearest first.
func (s *Service) Search(ctx context.Context, characterID, query string) ([]memory.Match, error) {
	if !s.Enabled() {
		return nil, ErrBackendUnavailable
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrBackendUnavailable, err)
	}

	k := s.cfg.TopK
	if k <= 0 {
		k = 5
	}
	matches, err := s.store.Nearest(ctx, characterID, vector, k)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: nearest: %w", ErrBackendUnavailable, err)
	}

	filtered := make([]memory.Match, 0, len(matches))
	for _, m := range matches {
		if m.Distance <= s.cfg.Threshold {
			filtered = append(filtered, m)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Distance < filtered[j].Distance })
	if len(filtered) > k {
		filtered = filtered[:k]
	}
	if len(filtered) == 0 {
		return nil, nil
	}
	return filtered, nil
}

// Create stores entry; an existing id is left untouched.
func (s *Service) Create(ctx context.Context, entry memory.Entry) error {
	if !s.Enabled() {
		return ErrBackendUnavailable
	}
	entry.Importance = clampImportance(entry.Importance)
	if err := s.store.Create(ctx, entry); err != nil {
		return fmt.Errorf("create memory %s: %w", entry.ID, err)
	}
	return nil
}

// UpsertEmbedding embeds text and stores the vector under id.
func (s *Service) UpsertEmbedding(ctx context.Context, id, text string) error {
	if !s.Enabled() {
		return ErrBackendUnavailable
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: embed memory: %w", ErrBackendUnavailable, err)
	}
	if err := s.store.UpsertEmbedding(ctx, id, vector); err != nil {
		return fmt.Errorf("upsert embedding %s: %w", id, err)
	}
	return nil
}

// Remember creates the entry and embeds its content.
func (s *Service) Remember(ctx context.Context, entry memory.Entry) error {
	if err := s.Create(ctx, entry); err != nil {
		return err
	}
	return s.UpsertEmbedding(ctx, entry.ID, entry.Content)
}

// Importance scores a turn from its stress and trust deltas on a 1..10 scale.
func (s *Service) Importance(stressDelta, trustDelta float64) int {
	factor := s.cfg.ImportanceFactor
	if factor <= 0 {
		factor = 5
	}
	return clampImportance(int(math.Round(math.Abs(stressDelta+trustDelta) * factor)))
}

// MinImportance is the threshold below which write-back is skipped.
func (s *Service) MinImportance() int {
	return s.cfg.MinImportance
}

// List pages through the memory stream, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	result := ListResult{Limit: filter.Limit, Offset: filter.Offset, Items: []memory.Entry{}}
	if !s.Enabled() {
		return result, nil
	}

	items, total, err := s.store.List(ctx, filter)
	if err != nil {
		return ListResult{}, fmt.Errorf("list memories: %w", err)
	}
	result.Total = total
	if items != nil {
		result.Items = items
	}
	return result, nil
}

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
