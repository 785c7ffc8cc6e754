package session

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrVersionConflict   = errors.New("session version conflict")
	ErrCharacterRequired = errors.New("characterId is required when creating a new session")
	ErrInvalidCursor     = errors.New("invalid cursor")
)

// RoleMismatchError is returned when a turn carries a message with the wrong role.
type RoleMismatchError struct {
	Field    string
	Expected chat.Role
	Got      chat.Role
}

func (e *RoleMismatchError) Error() string {
	return fmt.Sprintf("%s must have role=%q, got %q", e.Field, e.Expected, e.Got)
}
