package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

// Cursor identifies a message position as (createdAt millis, messageId).
type Cursor struct {
	CreatedAtMs int64
	MessageID   string
}

// ParseCursor decodes "<millis>:<messageId>".
func ParseCursor(raw string) (*Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ms, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || millis < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	return &Cursor{CreatedAtMs: millis, MessageID: id}, nil
}

func (c Cursor) String() string {
	return strconv.FormatInt(c.CreatedAtMs, 10) + ":" + c.MessageID
}

func cursorOf(m chat.Message) Cursor {
	return Cursor{CreatedAtMs: m.CreatedAt.UnixMilli(), MessageID: m.ID}
}

// olderThan reports whether m sorts strictly before c in (createdAt, id) order.
func olderThan(m chat.Message, c Cursor) bool {
	ms := m.CreatedAt.UnixMilli()
	if ms != c.CreatedAtMs {
		return ms < c.CreatedAtMs
	}
	return m.ID < c.MessageID
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nowMillis truncates to the millisecond precision stored by every backend.
func nowMillis() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
