package image

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/zhouzirui/z-tavern/npc/internal/model/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

const (
	IntentAvatar = "avatar"
	IntentScene  = "scene"
)

var (
	ErrInvalidIntent = errors.New("intent must be avatar or scene")
	ErrInvalidRatio  = errors.New("ratio must be one of 1:1, 16:9, 4:3")
	ErrEmptyImage    = errors.New("image api returned empty payload")
)

var supportedRatios = map[string]bool{"1:1": true, "16:9": true, "4:3": true}

// Generator calls the upstream image model.
type Generator interface {
	GenerateImage(ctx context.Context, prompt, ratio string) (string, error)
}

type AvatarStore interface {
	Create(ctx context.Context, params avatarservice.CreateParams) (*avatar.Avatar, error)
}

type Sessions interface {
	UpdateAvatar(ctx context.Context, id string, update session.AvatarUpdate) (*chat.Session, error)
	AttachImageToLastAssistantMessage(ctx context.Context, id string, img session.ImageAttachment) (*chat.Session, error)
}

// GenerateParams 描述一次图片生成请求。
type GenerateParams struct {
	Session        *chat.Session
	Intent         string
	AvatarMood     string
	Ratio          string
	Prompt         string
	UseImagePrompt bool
	UpdateAvatar   bool
	Metadata       map[string]any
}

type Result struct {
	ImageURL string
	Session  *chat.Session
	Avatar   *avatar.Avatar
}

// Service 根据角色配置解析提示词并生成图片，可选地把结果保存为头像。
type Service struct {
	generator  Generator
	avatars    AvatarStore
	sessions   Sessions
	characters character.Store
	log        *logger.Logger
}

func NewService(generator Generator, avatars AvatarStore, sessions Sessions, characters character.Store, log *logger.Logger) *Service {
	return &Service{
		generator:  generator,
		avatars:    avatars,
		sessions:   sessions,
		characters: characters,
		log:        log.With("component", "image"),
	}
}

func (s *Service) Generate(ctx context.Context, params GenerateParams) (*Result, error) {
	if params.Session == nil {
		return nil, session.ErrSessionNotFound
	}
	intent := strings.ToLower(strings.TrimSpace(params.Intent))
	if intent == "" {
		intent = IntentAvatar
	}
	if intent != IntentAvatar && intent != IntentScene {
		return nil, ErrInvalidIntent
	}
	ratio := params.Ratio
	if ratio == "" {
		ratio = defaultRatio(intent)
	}
	if !supportedRatios[ratio] {
		return nil, ErrInvalidRatio
	}

	sess := params.Session
	prompt, err := s.resolvePrompt(sess, intent, params)
	if err != nil {
		return nil, err
	}

	imageURL, err := s.generator.GenerateImage(ctx, prompt, ratio)
	if err != nil {
		return nil, err
	}
	if imageURL == "" {
		return nil, ErrEmptyImage
	}

	result := &Result{ImageURL: imageURL, Session: sess}
	if params.UpdateAvatar {
		label := avatarLabel(sess, params.AvatarMood)
		metadata := map[string]any{
			"prompt":         prompt,
			"ratio":          ratio,
			"useImagePrompt": params.UseImagePrompt,
			"intent":         intent,
			"avatarMood":     label,
		}
		maps.Copy(metadata, params.Metadata)

		stored, err := s.avatars.Create(ctx, avatarservice.CreateParams{
			CharacterID: sess.CharacterID,
			StatusLabel: label,
			ImageURL:    imageURL,
			Metadata:    metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("store avatar: %w", err)
		}
		result.Avatar = stored

		if _, err := s.sessions.UpdateAvatar(ctx, sess.ID, session.AvatarUpdate{
			AvatarID:    stored.ID,
			ImageURL:    stored.ImageURL,
			StatusLabel: stored.StatusLabel,
		}); err != nil {
			return nil, err
		}
	}

	updated, err := s.sessions.AttachImageToLastAssistantMessage(ctx, sess.ID, session.ImageAttachment{
		ImageURL:    imageURL,
		ImagePrompt: prompt,
	})
	if err != nil {
		return nil, err
	}
	result.Session = updated

	s.log.Info("image generated", "sessionId", sess.ID, "intent", intent, "ratio", ratio, "updateAvatar", params.UpdateAvatar)
	return result, nil
}

// resolvePrompt 优先级：显式 prompt、最近助手消息的 imagePrompt、角色预设、兜底描述。
func (s *Service) resolvePrompt(sess *chat.Session, intent string, params GenerateParams) (string, error) {
	if p := strings.TrimSpace(params.Prompt); p != "" {
		return p, nil
	}
	if params.UseImagePrompt {
		if p := latestImagePrompt(sess); p != "" {
			return p, nil
		}
	}

	profile, err := s.characters.FindByID(sess.CharacterID)
	if err != nil {
		return "", err
	}
	fallback := profile.ImagePrompts.Fallback
	if fallback == "" {
		fallback = fmt.Sprintf("%s portrait, %s, mood %s", profile.Name, profile.ImageStyleGuidelines, sess.CharacterState.Mode.Label())
	}

	presets := profile.ImagePrompts.ForIntent(intent)
	mood := strings.ToLower(avatarLabel(sess, params.AvatarMood))
	if p := presets[mood]; p != "" {
		return p, nil
	}
	if p := presets["default"]; p != "" {
		return p, nil
	}
	return fallback, nil
}

func latestImagePrompt(sess *chat.Session) string {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		m := sess.Messages[i]
		if m.Role == chat.RoleAssistant && m.ImagePrompt != "" {
			return m.ImagePrompt
		}
	}
	return ""
}

func avatarLabel(sess *chat.Session, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if sess.CharacterState.AvatarLabel != "" {
		return sess.CharacterState.AvatarLabel
	}
	return sess.CharacterState.Mode.Label()
}

func defaultRatio(intent string) string {
	if intent == IntentScene {
		return "16:9"
	}
	return "1:1"
}
