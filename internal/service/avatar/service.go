package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zhouzirui/z-tavern/npc/internal/model/avatar"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// ErrNotFound is returned when an avatar id does not exist.
var ErrNotFound = errors.New("avatar not found")

type CreateParams struct {
	CharacterID string
	StatusLabel string
	ImageURL    string
	Metadata    map[string]any
}

type ListParams struct {
	CharacterID string
	// IncludeGlobal adds avatars without a character; callers default it to true.
	IncludeGlobal bool
}

// Service stores generated avatars per character and status label.
type Service struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewService(db *gorm.DB, log *logger.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With("component", "avatar"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&avatar.Avatar{})
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*avatar.Avatar, error) {
	if strings.TrimSpace(params.StatusLabel) == "" || strings.TrimSpace(params.ImageURL) == "" {
		return nil, errors.New("statusLabel and imageUrl are required")
	}

	item := &avatar.Avatar{
		ID:          uuid.NewString(),
		CharacterID: params.CharacterID,
		StatusLabel: strings.ToLower(params.StatusLabel),
		ImageURL:    params.ImageURL,
		CreatedAt:   s.now(),
	}
	if len(params.Metadata) > 0 {
		raw, err := json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode avatar metadata: %w", err)
		}
		item.Metadata = raw
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("create avatar: %w", err)
	}
	s.log.Info("avatar stored", "avatarId", item.ID, "characterId", item.CharacterID, "label", item.StatusLabel)
	return item, nil
}

// List returns avatars newest first.
func (s *Service) List(ctx context.Context, params ListParams) ([]avatar.Avatar, error) {
	q := s.db.WithContext(ctx).Model(&avatar.Avatar{})
	switch {
	case params.CharacterID != "" && params.IncludeGlobal:
		q = q.Where("character_id = ? OR character_id = ''", params.CharacterID)
	case params.CharacterID != "":
		q = q.Where("character_id = ?", params.CharacterID)
	case !params.IncludeGlobal:
		q = q.Where("character_id <> ''")
	}

	items := []avatar.Avatar{}
	if err := q.Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list avatars: %w", err)
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, id string) (*avatar.Avatar, error) {
	var item avatar.Avatar
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get avatar: %w", err)
	}
	return &item, nil
}

// FindLatestByLabel returns (nil, nil) when nothing matches.
func (s *Service) FindLatestByLabel(ctx context.Context, characterID, label string) (*avatar.Avatar, error) {
	return s.latest(ctx, s.db.Where("character_id = ? AND status_label = ?", characterID, strings.ToLower(label)))
}

// FindLatest returns (nil, nil) when the character has no avatar.
func (s *Service) FindLatest(ctx context.Context, characterID string) (*avatar.Avatar, error) {
	return s.latest(ctx, s.db.Where("character_id = ?", characterID))
}

func (s *Service) latest(ctx context.Context, scope *gorm.DB) (*avatar.Avatar, error) {
	var items []avatar.Avatar
	err := scope.WithContext(ctx).Order("created_at DESC").Limit(1).Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}
