package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a session transcript. Messages are immutable once
// appended, except for the late image attach on the last assistant message.
type Message struct {
	ID            string    `json:"messageId,omitempty"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Thought       string    `json:"thought,omitempty"`
	StressChange  *float64  `json:"stressChange,omitempty"`
	TrustChange   *float64  `json:"trustChange,omitempty"`
	CurrentStress *float64  `json:"currentStress,omitempty"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	ImagePrompt   string    `json:"imagePrompt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Float returns a pointer to v, handy for the optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
