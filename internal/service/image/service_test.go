package image

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/npc/internal/database/dbtest"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

type recordingGenerator struct {
	prompt string
	ratio  string
	url    string
	err    error
}

func (g *recordingGenerator) GenerateImage(_ context.Context, prompt, ratio string) (string, error) {
	g.prompt, g.ratio = prompt, ratio
	return g.url, g.err
}

type fixture struct {
	svc       *Service
	generator *recordingGenerator
	sessions  *session.Service
	avatars   *avatarservice.Service
}

func testProfile() character.Profile {
	return character.Profile{
		ID:                   "mob",
		Name:                 "Mob",
		DefaultGreeting:      "hello",
		DefaultState:         chat.CharacterState{Stress: 10, Trust: 50, Mode: chat.ModeNormal},
		ImageStyleGuidelines: "flat cel shading",
		ImagePrompts: character.ImagePrompts{
			Avatar: map[string]string{"normal": "calm mob", "broken": "glowing mob"},
			Scene:  map[string]string{"default": "classroom"},
		},
	}
}

func newFixture(t *testing.T, profile character.Profile) *fixture {
	t.Helper()
	log := logger.Nop()
	characters := character.NewMemoryStore([]character.Profile{profile})
	avatars := avatarservice.NewService(dbtest.Open(t), log)
	require.NoError(t, avatars.Migrate())
	sessions := session.NewService(session.NewMemoryStore(time.Hour), nil, characters, avatars, log)
	generator := &recordingGenerator{url: "https://img/generated.png"}
	return &fixture{
		svc:       NewService(generator, avatars, sessions, characters, log),
		generator: generator,
		sessions:  sessions,
		avatars:   avatars,
	}
}

func (f *fixture) session(t *testing.T) *chat.Session {
	t.Helper()
	sess, err := f.sessions.GetOrCreate(context.Background(), session.GetOrCreateParams{CharacterID: "mob"})
	require.NoError(t, err)
	return sess
}

func TestPromptResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit prompt wins", func(t *testing.T) {
		f := newFixture(t, testProfile())
		_, err := f.svc.Generate(ctx, GenerateParams{Session: f.session(t), Prompt: "custom", UseImagePrompt: true})
		require.NoError(t, err)
		require.Equal(t, "custom", f.generator.prompt)
		require.Equal(t, "1:1", f.generator.ratio)
	})

	t.Run("latest assistant image prompt", func(t *testing.T) {
		f := newFixture(t, testProfile())
		sess := f.session(t)
		sess, err := f.sessions.AppendTurn(ctx, sess.ID, session.Turn{
			UserMessage:      chat.Message{Role: chat.RoleUser, Content: "draw"},
			AssistantMessage: chat.Message{Role: chat.RoleAssistant, Content: "ok", ImagePrompt: "mob at sunset"},
			CharacterState:   sess.CharacterState,
		})
		require.NoError(t, err)

		_, err = f.svc.Generate(ctx, GenerateParams{Session: sess, UseImagePrompt: true})
		require.NoError(t, err)
		require.Equal(t, "mob at sunset", f.generator.prompt)

		_, err = f.svc.Generate(ctx, GenerateParams{Session: sess})
		require.NoError(t, err)
		require.Equal(t, "calm mob", f.generator.prompt)
	})

	t.Run("mood preset then default", func(t *testing.T) {
		f := newFixture(t, testProfile())
		sess := f.session(t)

		_, err := f.svc.Generate(ctx, GenerateParams{Session: sess, AvatarMood: "BROKEN"})
		require.NoError(t, err)
		require.Equal(t, "glowing mob", f.generator.prompt)

		_, err = f.svc.Generate(ctx, GenerateParams{Session: sess, Intent: "scene"})
		require.NoError(t, err)
		require.Equal(t, "classroom", f.generator.prompt)
		require.Equal(t, "16:9", f.generator.ratio)
	})

	t.Run("style fallback", func(t *testing.T) {
		profile := testProfile()
		profile.ImagePrompts = character.ImagePrompts{}
		f := newFixture(t, profile)
		_, err := f.svc.Generate(ctx, GenerateParams{Session: f.session(t), Ratio: "4:3"})
		require.NoError(t, err)
		require.Equal(t, "Mob portrait, flat cel shading, mood normal", f.generator.prompt)
		require.Equal(t, "4:3", f.generator.ratio)
	})
}

func TestGenerateUpdatesAvatarAndAttachesImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testProfile())
	sess := f.session(t)

	res, err := f.svc.Generate(ctx, GenerateParams{Session: sess, UpdateAvatar: true, Metadata: map[string]any{"source": "test"}})
	require.NoError(t, err)
	require.NotNil(t, res.Avatar)
	require.Equal(t, "normal", res.Avatar.StatusLabel)

	var metadata map[string]any
	require.NoError(t, json.Unmarshal(res.Avatar.Metadata, &metadata))
	require.Equal(t, "calm mob", metadata["prompt"])
	require.Equal(t, "test", metadata["source"])
	require.Equal(t, "avatar", metadata["intent"])

	updated := res.Session
	require.Equal(t, sess.Version+2, updated.Version)
	require.Equal(t, res.Avatar.ID, updated.CharacterState.AvatarID)
	require.Equal(t, "https://img/generated.png", updated.CharacterState.AvatarURL)
	require.Equal(t, "https://img/generated.png", updated.Messages[0].ImageURL)
	require.Equal(t, "calm mob", updated.Messages[0].ImagePrompt)

	listed, err := f.avatars.List(ctx, avatarservice.ListParams{CharacterID: "mob"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestGenerateErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testProfile())
	sess := f.session(t)

	_, err := f.svc.Generate(ctx, GenerateParams{Session: sess, Intent: "banner"})
	require.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.svc.Generate(ctx, GenerateParams{Session: sess, Ratio: "3:2"})
	require.ErrorIs(t, err, ErrInvalidRatio)

	f.generator.url = ""
	_, err = f.svc.Generate(ctx, GenerateParams{Session: sess})
	require.ErrorIs(t, err, ErrEmptyImage)

	upstream := errors.New("boom")
	f.generator.err = upstream
	_, err = f.svc.Generate(ctx, GenerateParams{Session: sess})
	require.ErrorIs(t, err, upstream)

	stored, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Version, stored.Version)
}
