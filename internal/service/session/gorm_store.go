package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/z-tavern/npc/internal/database"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
)

type sessionRow struct {
	ID             string         `gorm:"column:id;primaryKey"`
	CharacterID    string         `gorm:"column:character_id;not null;index"`
	LanguageCode   string         `gorm:"column:language_code;not null"`
	CharacterState datatypes.JSON `gorm:"column:character_state;not null"`
	PersonaID      string         `gorm:"column:persona_id"`
	PersonaRuntime datatypes.JSON `gorm:"column:persona_runtime"`
	Version        int            `gorm:"column:version;not null"`
	CreatedAtMs    int64          `gorm:"column:created_at;not null"`
	UpdatedAtMs    int64          `gorm:"column:updated_at;not null"`
}

func (sessionRow) TableName() string { return "sessions" }

type messageRow struct {
	SessionID   string         `gorm:"column:session_id;primaryKey;index:idx_session_messages_page,priority:1"`
	MessageID   string         `gorm:"column:message_id;primaryKey;index:idx_session_messages_page,priority:3"`
	Role        string         `gorm:"column:role;not null"`
	Content     string         `gorm:"column:content;not null"`
	Thought     string         `gorm:"column:thought"`
	Attributes  datatypes.JSON `gorm:"column:attributes"`
	CreatedAtMs int64          `gorm:"column:created_at;not null;index:idx_session_messages_page,priority:2"`
}

func (messageRow) TableName() string { return "session_messages" }

type messageAttributes struct {
	StressChange  *float64 `json:"stressChange,omitempty"`
	TrustChange   *float64 `json:"trustChange,omitempty"`
	CurrentStress *float64 `json:"currentStress,omitempty"`
	ImageURL      string   `json:"imageUrl,omitempty"`
	ImagePrompt   string   `json:"imagePrompt,omitempty"`
}

// GormStore persists sessions and messages in SQL. Every mutation runs in a
// single transaction guarded by a row lock and a version predicate.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*chat.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("created_at ASC").Order("message_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}

	return fromRows(row, rows)
}

func (s *GormStore) Create(ctx context.Context, sess *chat.Session) error {
	row, err := toSessionRow(sess)
	if err != nil {
		return err
	}
	messages, err := toMessageRows(sess.ID, sess.Messages)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if len(messages) > 0 {
			if err := tx.Create(&messages).Error; err != nil {
				return fmt.Errorf("insert messages: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) Commit(ctx context.Context, m Mutation) error {
	row, err := toSessionRow(m.Session)
	if err != nil {
		return err
	}
	appended, err := toMessageRows(m.Session.ID, m.Append)
	if err != nil {
		return err
	}
	updated, err := toMessageRows(m.Session.ID, m.Update)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current sessionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "version").
			Where("id = ?", row.ID).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if current.Version != m.ExpectedVersion {
			return ErrVersionConflict
		}

		res := tx.Model(&sessionRow{}).
			Where("id = ? AND version = ?", row.ID, m.ExpectedVersion).
			Updates(map[string]any{
				"language_code":   row.LanguageCode,
				"character_state": row.CharacterState,
				"persona_id":      row.PersonaID,
				"persona_runtime": row.PersonaRuntime,
				"version":         row.Version,
				"updated_at":      row.UpdatedAtMs,
			})
		if res.Error != nil {
			return fmt.Errorf("update session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}

		if len(appended) > 0 {
			if err := tx.Create(&appended).Error; err != nil {
				return fmt.Errorf("append messages: %w", err)
			}
		}
		for _, msg := range updated {
			err := tx.Model(&messageRow{}).
				Where("session_id = ? AND message_id = ?", msg.SessionID, msg.MessageID).
				Updates(map[string]any{
					"content":    msg.Content,
					"thought":    msg.Thought,
					"attributes": msg.Attributes,
				}).Error
			if err != nil {
				return fmt.Errorf("update message %s: %w", msg.MessageID, err)
			}
		}
		return nil
	})
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&sessionRow{}).Error
	})
}

func (s *GormStore) Touch(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", id).
		Update("updated_at", nowMillis().UnixMilli()).Error
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID string, before *Cursor, limit int) ([]chat.Message, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrSessionNotFound
	}

	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if before != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND message_id < ?))",
			before.CreatedAtMs, before.CreatedAtMs, before.MessageID)
	}

	var rows []messageRow
	err := q.Order("created_at DESC").Order("message_id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := fromMessageRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	return database.Ping(ctx, s.db)
}

func toSessionRow(sess *chat.Session) (sessionRow, error) {
	state, err := json.Marshal(sess.CharacterState)
	if err != nil {
		return sessionRow{}, fmt.Errorf("encode character state: %w", err)
	}
	var runtime datatypes.JSON
	if sess.PersonaRuntime != nil {
		runtime, err = json.Marshal(sess.PersonaRuntime)
		if err != nil {
			return sessionRow{}, fmt.Errorf("encode persona runtime: %w", err)
		}
	}
	return sessionRow{
		ID:             sess.ID,
		CharacterID:    sess.CharacterID,
		LanguageCode:   sess.LanguageCode,
		CharacterState: state,
		PersonaID:      sess.PersonaID,
		PersonaRuntime: runtime,
		Version:        sess.Version,
		CreatedAtMs:    sess.CreatedAt.UnixMilli(),
		UpdatedAtMs:    sess.UpdatedAt.UnixMilli(),
	}, nil
}

func toMessageRows(sessionID string, messages []chat.Message) ([]messageRow, error) {
	rows := make([]messageRow, 0, len(messages))
	for _, m := range messages {
		attrs, err := json.Marshal(messageAttributes{
			StressChange:  m.StressChange,
			TrustChange:   m.TrustChange,
			CurrentStress: m.CurrentStress,
			ImageURL:      m.ImageURL,
			ImagePrompt:   m.ImagePrompt,
		})
		if err != nil {
			return nil, fmt.Errorf("encode message attributes: %w", err)
		}
		rows = append(rows, messageRow{
			SessionID:   sessionID,
			MessageID:   m.ID,
			Role:        string(m.Role),
			Content:     m.Content,
			Thought:     m.Thought,
			Attributes:  attrs,
			CreatedAtMs: m.CreatedAt.UnixMilli(),
		})
	}
	return rows, nil
}

func fromRows(row sessionRow, messages []messageRow) (*chat.Session, error) {
	sess := &chat.Session{
		ID:           row.ID,
		CharacterID:  row.CharacterID,
		LanguageCode: row.LanguageCode,
		PersonaID:    row.PersonaID,
		Version:      row.Version,
		CreatedAt:    fromMillis(row.CreatedAtMs),
		UpdatedAt:    fromMillis(row.UpdatedAtMs),
		Messages:     make([]chat.Message, 0, len(messages)),
	}
	if err := json.Unmarshal(row.CharacterState, &sess.CharacterState); err != nil {
		return nil, fmt.Errorf("decode character state: %w", err)
	}
	if len(row.PersonaRuntime) > 0 && string(row.PersonaRuntime) != "null" {
		sess.PersonaRuntime = &persona.RuntimeState{}
		if err := json.Unmarshal(row.PersonaRuntime, sess.PersonaRuntime); err != nil {
			return nil, fmt.Errorf("decode persona runtime: %w", err)
		}
	}
	for _, r := range messages {
		msg, err := fromMessageRow(r)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, nil
}

func fromMessageRow(r messageRow) (chat.Message, error) {
	var attrs messageAttributes
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
			return chat.Message{}, fmt.Errorf("decode message attributes: %w", err)
		}
	}
	return chat.Message{
		ID:            r.MessageID,
		Role:          chat.Role(r.Role),
		Content:       r.Content,
		Thought:       r.Thought,
		StressChange:  attrs.StressChange,
		TrustChange:   attrs.TrustChange,
		CurrentStress: attrs.CurrentStress,
		ImageURL:      attrs.ImageURL,
		ImagePrompt:   attrs.ImagePrompt,
		CreatedAt:     fromMillis(r.CreatedAtMs),
	}, nil
}
