package session

import (
	"context"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

// Mutation is one versioned change to a session. Session carries the new
// state (version already bumped); ExpectedVersion is the version the store
// must currently hold.
type Mutation struct {
	Session         *chat.Session
	ExpectedVersion int
	Append          []chat.Message
	Update          []chat.Message
}

// Store is the durable session persistence.
type Store interface {
	Get(ctx context.Context, id string) (*chat.Session, error)
	Create(ctx context.Context, s *chat.Session) error
	Commit(ctx context.Context, m Mutation) error
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	// ListMessages returns up to limit messages strictly older than before
	// (nil means newest), ordered newest first.
	ListMessages(ctx context.Context, sessionID string, before *Cursor, limit int) ([]chat.Message, error)
	Ping(ctx context.Context) error
}

// Cache is a best-effort read-through cache in front of Store.
type Cache interface {
	Get(ctx context.Context, id string) (*chat.Session, error)
	Set(ctx context.Context, s *chat.Session) error
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
