package memory

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/z-tavern/npc/internal/database"
	"github.com/zhouzirui/z-tavern/npc/internal/model/memory"
)

// GormStore keeps the memory stream in SQL. Vector operations need Postgres
// with pgvector; other dialects report ErrBackendUnavailable for them.
type GormStore struct {
	db  *gorm.DB
	dim int
}

func NewGormStore(db *gorm.DB, dim int) *GormStore {
	return &GormStore{db: db, dim: dim}
}

func (s *GormStore) vectorsEnabled() bool {
	return database.IsPostgres(s.db)
}

// Migrate 创建记忆表；Postgres 下额外创建 pgvector 向量表与 hnsw 索引。
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&memory.Entry{}); err != nil {
		return fmt.Errorf("migrate memory stream: %w", err)
	}
	if !s.vectorsEnabled() {
		return nil
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS character_memory_embeddings (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_character_memory_embeddings_hnsw
			ON character_memory_embeddings USING hnsw (embedding vector_l2_ops)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migrate memory embeddings: %w", err)
		}
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, entry memory.Entry) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&entry).Error
}

func (s *GormStore) UpsertEmbedding(ctx context.Context, id string, vector []float32) error {
	if !s.vectorsEnabled() {
		return fmt.Errorf("%w: vector embeddings require postgres with pgvector", ErrBackendUnavailable)
	}
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO character_memory_embeddings (id, embedding) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		id, pgvector.NewVector(vector),
	).Error
}

func (s *GormStore) Nearest(ctx context.Context, characterID string, vector []float32, k int) ([]memory.Match, error) {
	if !s.vectorsEnabled() {
		return nil, fmt.Errorf("%w: vector search requires postgres with pgvector", ErrBackendUnavailable)
	}
	query := pgvector.NewVector(vector)

	var matches []memory.Match
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.id, s.character_id, s.session_id, s.type, s.content, s.importance, s.created_at,
		        (e.embedding <-> ?) AS distance
		 FROM character_memory_stream s
		 JOIN character_memory_embeddings e ON s.id = e.id
		 WHERE s.character_id = ?
		 ORDER BY e.embedding <-> ? ASC
		 LIMIT ?`,
		query, characterID, query, k,
	).Scan(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]memory.Entry, int64, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&memory.Entry{})
		if filter.CharacterID != "" {
			q = q.Where("character_id = ?", filter.CharacterID)
		}
		if filter.SessionID != "" {
			q = q.Where("session_id = ?", filter.SessionID)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []memory.Entry
	err := scoped().Order("created_at DESC").Order("id DESC").
		Limit(filter.Limit).Offset(filter.Offset).
		Find(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
