package avatar

import (
	"time"

	"gorm.io/datatypes"
)

// Avatar is a stored character image tagged with the status it represents.
// An empty CharacterID marks a global avatar usable by every character.
type Avatar struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	CharacterID string         `gorm:"column:character_id;index:idx_avatar_lookup,priority:1" json:"characterId,omitempty"`
	StatusLabel string         `gorm:"column:status_label;not null;index:idx_avatar_lookup,priority:2" json:"statusLabel"`
	ImageURL    string         `gorm:"column:image_url;not null" json:"imageUrl"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;index:idx_avatar_lookup,priority:3" json:"createdAt"`
}

func (Avatar) TableName() string { return "character_avatars" }
