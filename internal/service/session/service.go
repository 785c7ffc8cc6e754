package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-tavern/npc/internal/model/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

const (
	defaultLanguage  = "en"
	defaultPageLimit = 50
	maxPageLimit     = 200
	greetingThought  = "Opening line"
)

// AvatarFinder looks up stored avatars for hydration.
type AvatarFinder interface {
	FindLatestByLabel(ctx context.Context, characterID, label string) (*avatar.Avatar, error)
	FindLatest(ctx context.Context, characterID string) (*avatar.Avatar, error)
}

// GetOrCreateParams selects an existing session or describes a new one.
type GetOrCreateParams struct {
	SessionID    string
	CharacterID  string
	LanguageCode string
}

// Turn is one user/assistant exchange to append.
type Turn struct {
	UserMessage      chat.Message
	AssistantMessage chat.Message
	CharacterState   chat.CharacterState
	PersonaPatch     *persona.RuntimeState
	// ExpectedVersion enables optimistic concurrency when > 0.
	ExpectedVersion int
}

type AvatarUpdate struct {
	AvatarID    string
	ImageURL    string
	StatusLabel string
}

type ImageAttachment struct {
	ImageURL    string
	ImagePrompt string
}

type ListParams struct {
	SessionID string
	Limit     int
	Cursor    string
}

// MessagePage is a chronological slice of a transcript.
type MessagePage struct {
	Items      []chat.Message `json:"items"`
	NextCursor *string        `json:"nextCursor"`
}

// Service 负责会话生命周期：创建、读取、追加回合、头像与图片更新、分页。
type Service struct {
	store      Store
	cache      Cache
	characters character.Store
	avatars    AvatarFinder
	log        *logger.Logger

	locks   *keyedMutex
	hydrate singleflight.Group
	now     func() time.Time
}

// NewService wires the session service. cache and avatars may be nil.
func NewService(store Store, cache Cache, characters character.Store, avatars AvatarFinder, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		cache:      cache,
		characters: characters,
		avatars:    avatars,
		log:        log.With("component", "session"),
		locks:      newKeyedMutex(),
		now:        nowMillis,
	}
}

// GetOrCreate returns the session for params.SessionID when it exists in the
// requested language, otherwise creates a fresh one for params.CharacterID.
// An empty LanguageCode keeps an existing session in whatever language it has.
func (s *Service) GetOrCreate(ctx context.Context, params GetOrCreateParams) (*chat.Session, error) {
	requested := strings.ToLower(strings.TrimSpace(params.LanguageCode))
	lang := requested
	if lang == "" {
		lang = defaultLanguage
	}

	if params.SessionID != "" {
		existing, err := s.load(ctx, params.SessionID)
		switch {
		case err == nil && requested != "" && existing.LanguageCode != requested:
			// 语言切换：删除旧会话后重建，避免跨语言历史污染
			s.log.Info("language changed, recreating session",
				"sessionId", existing.ID, "from", existing.LanguageCode, "to", lang)
			if err := s.Delete(ctx, existing.ID); err != nil {
				return nil, err
			}
			if params.CharacterID == "" {
				params.CharacterID = existing.CharacterID
			}
		case err == nil:
			if err := s.store.Touch(ctx, existing.ID); err != nil {
				s.log.Warn("touch session failed", "sessionId", existing.ID, "error", err)
			}
			if s.cache != nil {
				if err := s.cache.Touch(ctx, existing.ID); err != nil {
					s.log.Warn("cache touch failed", "sessionId", existing.ID, "error", err)
				}
			}
			return s.hydrated(ctx, existing), nil
		case !errors.Is(err, ErrSessionNotFound):
			return nil, err
		}
	}

	if strings.TrimSpace(params.CharacterID) == "" {
		return nil, ErrCharacterRequired
	}
	profile, err := s.characters.FindByID(params.CharacterID)
	if err != nil {
		return nil, err
	}

	sess := s.newSession(profile, lang)
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.cacheSet(ctx, sess)
	s.log.Info("session created", "sessionId", sess.ID, "characterId", sess.CharacterID, "language", lang)
	return s.hydrated(ctx, sess), nil
}

// Get reads a session, cache first.
func (s *Service) Get(ctx context.Context, id string) (*chat.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.hydrated(ctx, sess), nil
}

// Delete removes the session from the store and the cache.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, id); err != nil {
			s.log.Warn("cache delete failed", "sessionId", id, "error", err)
		}
	}
	return nil
}

// AppendTurn appends a user/assistant pair, replaces the character state and
// merges the persona patch, bumping the version once.
func (s *Service) AppendTurn(ctx context.Context, id string, turn Turn) (*chat.Session, error) {
	if turn.UserMessage.Role != chat.RoleUser {
		return nil, &RoleMismatchError{Field: "userMessage", Expected: chat.RoleUser, Got: turn.UserMessage.Role}
	}
	if turn.AssistantMessage.Role != chat.RoleAssistant {
		return nil, &RoleMismatchError{Field: "assistantMessage", Expected: chat.RoleAssistant, Got: turn.AssistantMessage.Role}
	}

	return s.mutate(ctx, id, turn.ExpectedVersion, func(sess *chat.Session) ([]chat.Message, []chat.Message, bool) {
		now := s.now()
		user := turn.UserMessage
		assistant := turn.AssistantMessage

		floor := now
		if n := len(sess.Messages); n > 0 {
			floor = laterOf(floor, sess.Messages[n-1].CreatedAt.Add(time.Millisecond))
		}
		stamp(&user, floor)
		stamp(&assistant, user.CreatedAt.Add(time.Millisecond))

		sess.Messages = append(sess.Messages, user, assistant)
		sess.CharacterState = turn.CharacterState
		if turn.PersonaPatch != nil {
			sess.PersonaRuntime = persona.Merge(sess.PersonaRuntime, turn.PersonaPatch)
		}
		return []chat.Message{user, assistant}, nil, true
	})
}

// UpdateAvatar assigns a stored avatar to the session.
func (s *Service) UpdateAvatar(ctx context.Context, id string, update AvatarUpdate) (*chat.Session, error) {
	return s.mutate(ctx, id, 0, func(sess *chat.Session) ([]chat.Message, []chat.Message, bool) {
		sess.CharacterState.AvatarID = update.AvatarID
		sess.CharacterState.AvatarURL = update.ImageURL
		sess.CharacterState.AvatarLabel = update.StatusLabel
		return nil, nil, true
	})
}

// AttachImageToLastAssistantMessage sets the image on the latest assistant
// message. Without an assistant message the session is returned unchanged.
func (s *Service) AttachImageToLastAssistantMessage(ctx context.Context, id string, img ImageAttachment) (*chat.Session, error) {
	return s.mutate(ctx, id, 0, func(sess *chat.Session) ([]chat.Message, []chat.Message, bool) {
		idx := sess.LastAssistantIndex()
		if idx < 0 {
			return nil, nil, false
		}
		msg := &sess.Messages[idx]
		msg.ImageURL = img.ImageURL
		if img.ImagePrompt != "" {
			msg.ImagePrompt = img.ImagePrompt
		}
		return nil, []chat.Message{*msg}, true
	})
}

// ListMessages pages backwards through the transcript. Items are returned in
// chronological order; NextCursor points at the oldest returned item when
// older messages remain.
func (s *Service) ListMessages(ctx context.Context, params ListParams) (*MessagePage, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	cursor, err := ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListMessages(ctx, params.SessionID, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	items := make([]chat.Message, len(rows))
	for i, m := range rows {
		items[len(rows)-1-i] = m
	}

	page := &MessagePage{Items: items}
	if hasMore && len(items) > 0 {
		next := cursorOf(items[0]).String()
		page.NextCursor = &next
	}
	return page, nil
}

type mutator func(sess *chat.Session) (appended, updated []chat.Message, changed bool)

// mutate runs read-current, mutate, version+1, store commit, cache set under
// the per-session lock.
func (s *Service) mutate(ctx context.Context, id string, expectedVersion int, fn mutator) (*chat.Session, error) {
	release := s.locks.Lock(id)
	defer release()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected %d, found %d", ErrVersionConflict, expectedVersion, current.Version)
	}

	next := current.Clone()
	appended, updated, changed := fn(next)
	if !changed {
		return s.hydrated(ctx, current), nil
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	err = s.store.Commit(ctx, Mutation{
		Session:         next,
		ExpectedVersion: current.Version,
		Append:          appended,
		Update:          updated,
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) && s.cache != nil {
			_ = s.cache.Delete(ctx, id)
		}
		return nil, err
	}
	s.cacheSet(ctx, next)
	return s.hydrated(ctx, next), nil
}

func (s *Service) load(ctx context.Context, id string) (*chat.Session, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err != nil {
			s.log.Warn("cache get failed", "sessionId", id, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}
	return s.store.Get(ctx, id)
}

func (s *Service) cacheSet(ctx context.Context, sess *chat.Session) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, sess); err != nil {
		s.log.Warn("cache set failed", "sessionId", sess.ID, "error", err)
	}
}

// hydrated backfills the avatar URL on a copy when the session has none.
func (s *Service) hydrated(ctx context.Context, sess *chat.Session) *chat.Session {
	out := sess.Clone()
	if s.avatars == nil || out.CharacterState.AvatarURL != "" {
		return out
	}

	label := out.CharacterState.Mode.Label()
	key := out.CharacterID + ":" + label
	v, err, _ := s.hydrate.Do(key, func() (any, error) {
		found, err := s.avatars.FindLatestByLabel(ctx, out.CharacterID, label)
		if err != nil || found != nil {
			return found, err
		}
		return s.avatars.FindLatest(ctx, out.CharacterID)
	})
	if err != nil {
		s.log.Warn("avatar hydration failed", "sessionId", out.ID, "error", err)
		return out
	}
	if found, _ := v.(*avatar.Avatar); found != nil {
		out.CharacterState.BackfillAvatar(found.ID, found.StatusLabel, found.ImageURL)
	}
	return out
}

func (s *Service) newSession(profile character.Profile, lang string) *chat.Session {
	now := s.now()
	state := profile.DefaultState
	state.Name = profile.Name
	if state.Mode == "" {
		state.Mode = chat.ModeNormal
	}

	greeting := chat.Message{
		ID:            newMessageID(),
		Role:          chat.RoleAssistant,
		Content:       profile.DefaultGreeting,
		Thought:       greetingThought,
		StressChange:  chat.Float(0),
		TrustChange:   chat.Float(0),
		CurrentStress: chat.Float(profile.DefaultState.Stress),
		CreatedAt:     now,
	}

	return &chat.Session{
		ID:             uuid.NewString(),
		CharacterID:    profile.ID,
		LanguageCode:   lang,
		CharacterState: state,
		PersonaID:      profile.PersonaID(),
		PersonaRuntime: profile.PersonaRuntime(),
		Messages:       []chat.Message{greeting},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func stamp(m *chat.Message, floor time.Time) {
	if m.ID == "" {
		m.ID = newMessageID()
	}
	m.CreatedAt = laterOf(m.CreatedAt.UTC().Truncate(time.Millisecond), floor)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// newMessageID returns a time-ordered UUIDv7.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
