package chat

import (
	"time"

	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
)

// Mode is the coarse emotional bucket derived from stress.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeElevated Mode = "ELEVATED"
	ModeBroken   Mode = "BROKEN"
)

// Label returns the avatar status label associated with the mode.
func (m Mode) Label() string {
	switch m {
	case ModeElevated:
		return "elevated"
	case ModeBroken:
		return "broken"
	default:
		return "normal"
	}
}

// CharacterState is derived every turn from the previous state and the
// model-reported deltas.
type CharacterState struct {
	Stress      float64 `json:"stress" yaml:"stress"`
	Trust       float64 `json:"trust" yaml:"trust"`
	Mode        Mode    `json:"mode" yaml:"mode"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	AvatarID    string  `json:"avatarId,omitempty" yaml:"avatarId,omitempty"`
	AvatarLabel string  `json:"avatarLabel,omitempty" yaml:"avatarLabel,omitempty"`
	AvatarURL   string  `json:"avatarUrl,omitempty" yaml:"avatarUrl,omitempty"`

	// 读取时回填的头像字段，不参与持久化
	backfilledURL      bool
	backfilledIdentity bool
}

// ClearAvatar drops the avatar assignment.
func (s *CharacterState) ClearAvatar() {
	s.AvatarID = ""
	s.AvatarLabel = ""
	s.AvatarURL = ""
	s.backfilledURL = false
	s.backfilledIdentity = false
}

// BackfillAvatar fills a missing avatar for display. The filled fields are
// remembered so Stored can drop them again.
func (s *CharacterState) BackfillAvatar(id, label, url string) {
	if s.AvatarURL != "" || url == "" {
		return
	}
	s.AvatarURL = url
	s.backfilledURL = true
	if s.AvatarID == "" {
		s.AvatarID = id
		s.AvatarLabel = label
		s.backfilledIdentity = true
	}
}

// Stored returns the state as persisted, without read-time avatar backfill.
func (s CharacterState) Stored() CharacterState {
	if s.backfilledURL {
		s.AvatarURL = ""
	}
	if s.backfilledIdentity {
		s.AvatarID = ""
		s.AvatarLabel = ""
	}
	s.backfilledURL = false
	s.backfilledIdentity = false
	return s
}

// Session captures a conversation between a user and one character.
type Session struct {
	ID             string                `json:"sessionId"`
	CharacterID    string                `json:"characterId"`
	LanguageCode   string                `json:"languageCode"`
	CharacterState CharacterState        `json:"characterState"`
	PersonaID      string                `json:"personaId,omitempty"`
	PersonaRuntime *persona.RuntimeState `json:"personaRuntime,omitempty"`
	Messages       []Message             `json:"messages"`
	Version        int                   `json:"version"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.PersonaRuntime = s.PersonaRuntime.Clone()
	return &out
}

// LastAssistantIndex returns the index of the most recent assistant message or -1.
func (s *Session) LastAssistantIndex() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}
