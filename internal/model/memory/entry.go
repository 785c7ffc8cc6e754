package memory

import "time"

// Type classifies a long-term memory.
type Type string

const (
	TypeInsight Type = "INSIGHT"
	TypeFact    Type = "FACT"
	TypeTrait   Type = "TRAIT"
	TypeGoal    Type = "GOAL"
)

// Entry is one long-term memory of a character. Entries are write-once.
type Entry struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	CharacterID string    `gorm:"column:character_id;not null;index" json:"characterId"`
	SessionID   string    `gorm:"column:session_id;index" json:"sessionId,omitempty"`
	Type        Type      `gorm:"column:type;not null" json:"type"`
	Content     string    `gorm:"column:content;not null" json:"content"`
	Importance  int       `gorm:"column:importance;not null" json:"importance"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index" json:"createdAt"`
}

func (Entry) TableName() string { return "character_memory_stream" }

// Match is a search hit with its L2 distance to the query embedding.
type Match struct {
	Entry
	Distance float64 `json:"distance"`
}
