package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/model/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/memory"
	"github.com/zhouzirui/z-tavern/npc/internal/service/llm"
	memoryservice "github.com/zhouzirui/z-tavern/npc/internal/service/memory"
	"github.com/zhouzirui/z-tavern/npc/internal/service/prompt"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

type fakeCompleter struct {
	mu       sync.Mutex
	reply    chat.AIResponse
	err      error
	chunks   []string
	requests []llm.ChatRequest
}

func (f *fakeCompleter) CompleteChat(_ context.Context, req llm.ChatRequest, onChunk func(string)) (chat.AIResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return chat.AIResponse{}, f.err
	}
	if req.Stream {
		for _, c := range f.chunks {
			onChunk(c)
		}
	}
	return f.reply, nil
}

func (f *fakeCompleter) last() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeAvatars struct {
	byLabel map[string]*avatar.Avatar
	latest  *avatar.Avatar
}

func (f *fakeAvatars) FindLatestByLabel(_ context.Context, _ string, label string) (*avatar.Avatar, error) {
	return f.byLabel[label], nil
}

func (f *fakeAvatars) FindLatest(context.Context, string) (*avatar.Avatar, error) {
	return f.latest, nil
}

type fixture struct {
	svc       *Service
	sessions  *session.Service
	completer *fakeCompleter
	memory    *memoryservice.Service
	avatars   *fakeAvatars
}

func chatConfig() config.ChatConfig {
	return config.ChatConfig{HistoryWindow: 10, TriggerSnippetLength: 48, TriggerWindowSize: 5, TrustMin: 0, TrustMax: 100}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()

	characters, err := character.LoadDir("../../../config/characters", log)
	require.NoError(t, err)
	prompts, err := prompt.New("../../../templates/prompts")
	require.NoError(t, err)

	completer := &fakeCompleter{reply: chat.AIResponse{
		Thought:      "He seems curious.",
		StressChange: 5,
		TrustChange:  1,
		Response:     "I... I'm fine.",
	}}
	mem := memoryservice.NewService(memoryservice.NewMemStore(), constEmbedder{}, config.MemoryConfig{
		Backend: "memory", TopK: 5, Threshold: 0.25, ImportanceFactor: 5, MinImportance: 1,
	}, log)
	avatars := &fakeAvatars{byLabel: map[string]*avatar.Avatar{}}
	sessions := session.NewService(session.NewMemoryStore(time.Hour), nil, characters, nil, log)

	svc := NewService(Deps{
		Characters: characters,
		Prompts:    prompts,
		LLM:        completer,
		Sessions:   sessions,
		Memory:     mem,
		Avatars:    avatars,
	}, chatConfig(), log)

	return &fixture{svc: svc, sessions: sessions, completer: completer, memory: mem, avatars: avatars}
}

func (f *fixture) newSession(t *testing.T) *chat.Session {
	t.Helper()
	sess, err := f.sessions.GetOrCreate(context.Background(), session.GetOrCreateParams{CharacterID: "mob", LanguageCode: "en"})
	require.NoError(t, err)
	return sess
}

func userTurn(text string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: text}}
}

func TestHandleTurnEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess := f.newSession(t)
	require.Len(t, sess.Messages, 1)
	require.Equal(t, chat.ModeNormal, sess.CharacterState.Mode)
	startStress := sess.CharacterState.Stress

	result, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("Hi Mob, how was school?")})
	require.NoError(t, err)
	f.svc.Wait()

	updated := result.Session
	require.Equal(t, startStress+5, updated.CharacterState.Stress)
	require.Equal(t, sess.Version+1, updated.Version)
	require.Len(t, updated.Messages, len(sess.Messages)+2)
	require.Equal(t, chat.RoleUser, updated.Messages[1].Role)
	require.Equal(t, "I... I'm fine.", result.AssistantMessage.Content)
	require.Equal(t, startStress+5, *result.AssistantMessage.CurrentStress)
	require.NotEmpty(t, result.AssistantMessage.ID)

	require.NotNil(t, updated.PersonaRuntime)
	require.Equal(t, 15, *updated.PersonaRuntime.StressMeter.CurrentLevel)
	require.Equal(t, []string{"Hi Mob, how was school?"}, updated.PersonaRuntime.StressMeter.ActiveTriggers)
	require.NotEmpty(t, updated.PersonaRuntime.TemporalStatus.CurrentDate)
	require.NotNil(t, updated.PersonaRuntime.TemporalStatus.CalculatedAge)
	require.NotNil(t, updated.PersonaRuntime.SceneContext, "profile runtime keys survive the merge")

	req := f.completer.last()
	require.False(t, req.Stream)
	require.Contains(t, req.SystemPrompt, "Kageyama")
	require.Len(t, req.History, 2)
	require.Equal(t, "Hi Mob, how was school?", req.History[1].Content)

	page, err := f.memory.List(ctx, memoryservice.ListFilter{CharacterID: "mob"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "mob:"+updated.ID+":2", page.Items[0].ID)
	require.Equal(t, memory.TypeInsight, page.Items[0].Type)
	require.Equal(t, "He seems curious.", page.Items[0].Content)
	require.Equal(t, 10, page.Items[0].Importance)
}

func TestHandleTurnInjectsMemories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.memory.Remember(ctx, memory.Entry{
		ID: "seed", CharacterID: "mob", Type: memory.TypeFact, Content: "User likes broccoli", Importance: 3, CreatedAt: time.Now(),
	}))

	sess := f.newSession(t)
	_, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("remember me?")})
	require.NoError(t, err)
	f.svc.Wait()

	require.True(t, strings.HasSuffix(f.completer.last().SystemPrompt, "\n\n[Long-term memories]\n- (FACT) User likes broccoli"))
}

func TestHandleTurnStreamsChunks(t *testing.T) {
	f := newFixture(t)
	f.completer.chunks = []string{"I...", " I'm fine."}

	var got []string
	_, err := f.svc.HandleTurn(context.Background(), TurnRequest{
		Session:          f.newSession(t),
		IncomingMessages: userTurn("hey"),
		Stream:           true,
		OnChunk:          func(c string) { got = append(got, c) },
	})
	require.NoError(t, err)
	f.svc.Wait()
	require.Equal(t, []string{"I...", " I'm fine."}, got)
	require.True(t, f.completer.last().Stream)
}

func TestHandleTurnHistoryWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completer.reply.StressChange = 0
	f.completer.reply.TrustChange = 0

	sess := f.newSession(t)
	for i := range 7 {
		res, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn(strings.Repeat("m", i+1))})
		require.NoError(t, err)
		sess = res.Session
	}
	f.svc.Wait()

	require.Len(t, sess.Messages, 15)
	req := f.completer.last()
	require.Len(t, req.History, 11)
	require.Equal(t, strings.Repeat("m", 7), req.History[10].Content)
}

func TestHandleTurnErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing user message", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.HandleTurn(ctx, TurnRequest{
			Session:          f.newSession(t),
			IncomingMessages: []chat.Message{{Role: chat.RoleAssistant, Content: "hi"}},
		})
		require.ErrorIs(t, err, ErrMissingUserMessage)
	})

	t.Run("upstream failure commits nothing", func(t *testing.T) {
		f := newFixture(t)
		f.completer.err = &llm.HTTPStatusError{StatusCode: 429}
		sess := f.newSession(t)
		_, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("hi")})
		var statusErr *llm.HTTPStatusError
		require.ErrorAs(t, err, &statusErr)

		stored, err := f.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, sess.Version, stored.Version)
		require.Len(t, stored.Messages, 1)
	})

	t.Run("stale session version", func(t *testing.T) {
		f := newFixture(t)
		sess := f.newSession(t)
		_, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("one")})
		require.NoError(t, err)
		_, err = f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("two")})
		require.True(t, errors.Is(err, session.ErrVersionConflict))
		f.svc.Wait()
	})
}

func TestHandleTurnSwitchesAvatarOnModeChange(t *testing.T) {
	ctx := context.Background()

	t.Run("adopts avatar for the new mode", func(t *testing.T) {
		f := newFixture(t)
		f.avatars.byLabel["elevated"] = &avatar.Avatar{ID: "av-2", CharacterID: "mob", StatusLabel: "elevated", ImageURL: "https://img/elevated.png"}
		f.completer.reply.StressChange = 65

		res, err := f.svc.HandleTurn(ctx, TurnRequest{Session: f.newSession(t), IncomingMessages: userTurn("hi")})
		require.NoError(t, err)
		f.svc.Wait()

		state := res.Session.CharacterState
		require.Equal(t, chat.ModeElevated, state.Mode)
		require.Equal(t, "av-2", state.AvatarID)
		require.Equal(t, "https://img/elevated.png", state.AvatarURL)
	})

	t.Run("clears avatar tied to the old mode", func(t *testing.T) {
		f := newFixture(t)
		f.completer.reply.StressChange = 95
		sess := f.newSession(t)
		sess.CharacterState.AvatarID = "av-1"
		sess.CharacterState.AvatarLabel = "normal"
		sess.CharacterState.AvatarURL = "https://img/normal.png"

		res, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("hi")})
		require.NoError(t, err)
		f.svc.Wait()

		state := res.Session.CharacterState
		require.Equal(t, chat.ModeBroken, state.Mode)
		require.Empty(t, state.AvatarID)
		require.Empty(t, state.AvatarURL)
	})

	t.Run("keeps avatar when mode is unchanged", func(t *testing.T) {
		f := newFixture(t)
		sess := f.newSession(t)
		sess.CharacterState.AvatarID = "av-1"
		sess.CharacterState.AvatarLabel = "normal"

		res, err := f.svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("hi")})
		require.NoError(t, err)
		f.svc.Wait()
		require.Equal(t, "av-1", res.Session.CharacterState.AvatarID)
	})
}

func TestHandleTurnKeepsBackfilledAvatarOutOfStore(t *testing.T) {
	ctx := context.Background()
	log := logger.Nop()

	characters, err := character.LoadDir("../../../config/characters", log)
	require.NoError(t, err)
	prompts, err := prompt.New("../../../templates/prompts")
	require.NoError(t, err)

	finder := &fakeAvatars{
		byLabel: map[string]*avatar.Avatar{},
		latest:  &avatar.Avatar{ID: "any", StatusLabel: "broken", ImageURL: "https://img/any.png"},
	}
	store := session.NewMemoryStore(time.Hour)
	sessions := session.NewService(store, nil, characters, finder, log)
	completer := &fakeCompleter{reply: chat.AIResponse{Thought: "ok", StressChange: 1, Response: "Sure."}}
	svc := NewService(Deps{
		Characters: characters,
		Prompts:    prompts,
		LLM:        completer,
		Sessions:   sessions,
		Avatars:    finder,
	}, chatConfig(), log)

	sess, err := sessions.GetOrCreate(ctx, session.GetOrCreateParams{CharacterID: "mob", LanguageCode: "en"})
	require.NoError(t, err)
	require.Equal(t, "https://img/any.png", sess.CharacterState.AvatarURL)

	result, err := svc.HandleTurn(ctx, TurnRequest{Session: sess, IncomingMessages: userTurn("hello")})
	require.NoError(t, err)
	require.Equal(t, "https://img/any.png", result.Session.CharacterState.AvatarURL)

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, stored.CharacterState.AvatarID)
	require.Empty(t, stored.CharacterState.AvatarLabel)
	require.Empty(t, stored.CharacterState.AvatarURL)

	// 上传更新的头像后读取应跟随最新结果
	finder.latest = &avatar.Avatar{ID: "newer", StatusLabel: "normal", ImageURL: "https://img/newer.png"}
	again, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "https://img/newer.png", again.CharacterState.AvatarURL)
}
