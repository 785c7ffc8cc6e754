package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/memory"
	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
	"github.com/zhouzirui/z-tavern/npc/internal/service/llm"
	memoryservice "github.com/zhouzirui/z-tavern/npc/internal/service/memory"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// ErrMissingUserMessage is returned when a turn carries no user message.
var ErrMissingUserMessage = errors.New("at least one user message is required")

const writeBackTimeout = 30 * time.Second

// Completer produces the structured model reply for a turn.
type Completer interface {
	CompleteChat(ctx context.Context, req llm.ChatRequest, onChunk func(string)) (chat.AIResponse, error)
}

// PromptBuilder renders the character system prompt.
type PromptBuilder interface {
	Build(profile character.Profile, state chat.CharacterState, languageCode string, runtime *persona.RuntimeState) (string, error)
}

// Memory is the long-term memory surface used by a turn.
type Memory interface {
	Enabled() bool
	Search(ctx context.Context, characterID, query string) ([]memory.Match, error)
	Remember(ctx context.Context, entry memory.Entry) error
	Importance(stressDelta, trustDelta float64) int
	MinImportance() int
}

// Sessions persists the turn.
type Sessions interface {
	AppendTurn(ctx context.Context, id string, turn session.Turn) (*chat.Session, error)
}

// TurnRequest is one inbound chat turn against an existing session.
type TurnRequest struct {
	Session          *chat.Session
	IncomingMessages []chat.Message
	Stream           bool
	OnChunk          func(string)
}

type TurnResult struct {
	Session          *chat.Session
	AssistantMessage chat.Message
	AI               chat.AIResponse
}

// Service 编排单轮对话：提示词、长期记忆、LLM 调用、状态推导与持久化。
type Service struct {
	characters character.Store
	prompts    PromptBuilder
	llm        Completer
	sessions   Sessions
	memory     Memory
	avatars    session.AvatarFinder
	cfg        config.ChatConfig
	log        *logger.Logger

	now     func() time.Time
	pending sync.WaitGroup
}

type Deps struct {
	Characters character.Store
	Prompts    PromptBuilder
	LLM        Completer
	Sessions   Sessions
	// Memory and Avatars are optional.
	Memory  Memory
	Avatars session.AvatarFinder
}

func NewService(deps Deps, cfg config.ChatConfig, log *logger.Logger) *Service {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.TrustMin >= cfg.TrustMax {
		cfg.TrustMin, cfg.TrustMax = 0, 100
	}
	return &Service{
		characters: deps.Characters,
		prompts:    deps.Prompts,
		llm:        deps.LLM,
		sessions:   deps.Sessions,
		memory:     deps.Memory,
		avatars:    deps.Avatars,
		cfg:        cfg,
		log:        log.With("component", "chat"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleTurn runs one turn. The upstream call uses ctx, so a cancelled request
// leaves the session untouched.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Session == nil {
		return nil, session.ErrSessionNotFound
	}
	sess := req.Session

	userMessage, ok := latestUserMessage(req.IncomingMessages)
	if !ok {
		return nil, ErrMissingUserMessage
	}

	profile, err := s.characters.FindByID(sess.CharacterID)
	if err != nil {
		return nil, err
	}

	runtime := sess.PersonaRuntime
	if runtime == nil {
		runtime = profile.PersonaRuntime()
	}
	systemPrompt, err := s.prompts.Build(profile, sess.CharacterState, sess.LanguageCode, runtime)
	if err != nil {
		return nil, fmt.Errorf("build system prompt: %w", err)
	}
	systemPrompt = s.withMemories(ctx, systemPrompt, sess.CharacterID, userMessage.Content)

	onChunk := req.OnChunk
	if onChunk == nil {
		onChunk = func(string) {}
	}
	ai, err := s.llm.CompleteChat(ctx, llm.ChatRequest{
		SystemPrompt: systemPrompt,
		History:      s.history(sess.Messages, userMessage),
		Stream:       req.Stream,
	}, onChunk)
	if err != nil {
		return nil, err
	}

	nextState := DeriveState(sess.CharacterState.Stored(), ai, Bounds{TrustMin: s.cfg.TrustMin, TrustMax: s.cfg.TrustMax})
	s.switchAvatar(ctx, sess, &nextState)

	assistant := chat.Message{
		Role:          chat.RoleAssistant,
		Content:       ai.Response,
		Thought:       ai.Thought,
		StressChange:  chat.Float(ai.StressChange),
		TrustChange:   chat.Float(ai.TrustChange),
		CurrentStress: chat.Float(nextState.Stress),
		ImagePrompt:   ai.ImagePrompt,
	}

	patchInput := PatchInput{
		Previous:      runtime,
		StressDelta:   ai.StressChange,
		UpdatedStress: nextState.Stress,
		Now:           s.now(),
		UserMessage:   userMessage.Content,
	}
	if profile.Persona != nil {
		if dob, ok := profile.Persona.StaticProfile.DateOfBirth(); ok {
			patchInput.DateOfBirth = &dob
		}
	}
	patch := BuildPersonaPatch(patchInput, PatchOptions{
		SnippetLength: s.cfg.TriggerSnippetLength,
		WindowSize:    s.cfg.TriggerWindowSize,
	})

	updated, err := s.sessions.AppendTurn(ctx, sess.ID, session.Turn{
		UserMessage:      chat.Message{Role: chat.RoleUser, Content: userMessage.Content, CreatedAt: userMessage.CreatedAt},
		AssistantMessage: assistant,
		CharacterState:   nextState,
		PersonaPatch:     patch,
		ExpectedVersion:  sess.Version,
	})
	if err != nil {
		return nil, err
	}
	if idx := updated.LastAssistantIndex(); idx >= 0 {
		assistant = updated.Messages[idx]
	}

	s.log.Info("turn completed",
		"sessionId", updated.ID,
		"characterId", updated.CharacterID,
		"version", updated.Version,
		"stress", nextState.Stress,
		"trust", nextState.Trust,
		"mode", nextState.Mode,
	)

	s.writeBack(ctx, updated, ai)

	return &TurnResult{Session: updated, AssistantMessage: assistant, AI: ai}, nil
}

// Wait blocks until pending memory write-backs finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func latestUserMessage(messages []chat.Message) (chat.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i], true
		}
	}
	return chat.Message{}, false
}

// history keeps the last HistoryWindow transcript entries that are user or
// assistant messages, then appends the new user message.
func (s *Service) history(messages []chat.Message, latest chat.Message) []*schema.Message {
	start := max(len(messages)-s.cfg.HistoryWindow, 0)
	out := make([]*schema.Message, 0, len(messages)-start+1)
	for _, msg := range messages[start:] {
		switch msg.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return append(out, schema.UserMessage(latest.Content))
}

func (s *Service) withMemories(ctx context.Context, prompt, characterID, query string) string {
	if s.memory == nil || !s.memory.Enabled() {
		return prompt
	}
	matches, err := s.memory.Search(ctx, characterID, query)
	if err != nil {
		if errors.Is(err, memoryservice.ErrBackendUnavailable) {
			s.log.Debug("memory search skipped", "characterId", characterID, "error", err)
		} else {
			s.log.Warn("memory search failed", "characterId", characterID, "error", err)
		}
		return prompt
	}
	if len(matches) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n[Long-term memories]")
	for _, m := range matches {
		fmt.Fprintf(&b, "\n- (%s) %s", m.Type, m.Content)
	}
	return b.String()
}

// switchAvatar 在模式变化时切换到新模式最近的头像；
// 没有可用头像且旧头像属于旧模式时清空头像字段。
func (s *Service) switchAvatar(ctx context.Context, sess *chat.Session, next *chat.CharacterState) {
	prevMode := sess.CharacterState.Mode
	if next.Mode == prevMode {
		return
	}

	if s.avatars != nil {
		found, err := s.avatars.FindLatestByLabel(ctx, sess.CharacterID, next.Mode.Label())
		if err != nil {
			s.log.Warn("avatar lookup failed", "sessionId", sess.ID, "mode", next.Mode, "error", err)
		} else if found != nil {
			next.AvatarID = found.ID
			next.AvatarLabel = found.StatusLabel
			next.AvatarURL = found.ImageURL
			return
		}
	}
	if strings.EqualFold(next.AvatarLabel, prevMode.Label()) {
		next.ClearAvatar()
	}
}

// writeBack stores the turn as an INSIGHT memory without blocking the reply.
func (s *Service) writeBack(ctx context.Context, sess *chat.Session, ai chat.AIResponse) {
	if s.memory == nil || !s.memory.Enabled() {
		return
	}
	content := strings.TrimSpace(ai.Thought)
	if content == "" {
		content = strings.TrimSpace(ai.Response)
	}
	if content == "" {
		return
	}
	importance := s.memory.Importance(ai.StressChange, ai.TrustChange)
	if importance < s.memory.MinImportance() {
		return
	}

	entry := memory.Entry{
		ID:          fmt.Sprintf("%s:%s:%d", sess.CharacterID, sess.ID, sess.Version),
		CharacterID: sess.CharacterID,
		SessionID:   sess.ID,
		Type:        memory.TypeInsight,
		Content:     content,
		Importance:  importance,
		CreatedAt:   s.now(),
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
		defer cancel()
		if err := s.memory.Remember(bg, entry); err != nil {
			s.log.Warn("memory write-back failed", "memoryId", entry.ID, "error", err)
		}
	}()
}
