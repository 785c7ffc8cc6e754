package chat

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	chatservice "github.com/zhouzirui/z-tavern/npc/internal/service/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chat     *chatservice.Service
	sessions *session.Service
	log      *logger.Logger
	ws       *wsHandler
}

// New 创建聊天处理器
func New(chat *chatservice.Service, sessions *session.Service, allowedOrigins []string, log *logger.Logger) *Handler {
	h := &Handler{
		chat:     chat,
		sessions: sessions,
		log:      log.With("handler", "chat"),
	}
	h.ws = newWSHandler(h, allowedOrigins)
	return h
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/npc/chat", h.handleChat)
	r.Post("/npc/chat/stream", h.handleStream)
	r.Get("/npc/chat/ws", h.ws.handle)
}

type messageInput struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

type turnRequest struct {
	SessionID    string         `json:"sessionId"`
	CharacterID  string         `json:"characterId"`
	LanguageCode string         `json:"languageCode"`
	Messages     []messageInput `json:"messages"`
	Stream       bool           `json:"stream"`
}

func (p turnRequest) validate() error {
	if p.SessionID == "" && p.CharacterID == "" {
		return apierr.BadRequest("either sessionId or characterId is required")
	}
	if len(p.Messages) == 0 {
		return apierr.BadRequest("messages must contain at least one entry")
	}
	for i, m := range p.Messages {
		if m.Role != chat.RoleUser && m.Role != chat.RoleAssistant {
			return apierr.BadRequest("messages[%d].role must be user or assistant", i)
		}
	}
	return nil
}

func (p turnRequest) incoming() []chat.Message {
	out := make([]chat.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, chat.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

type turnResponse struct {
	SessionID        string              `json:"sessionId"`
	CharacterState   chat.CharacterState `json:"characterState"`
	AssistantMessage chat.Message        `json:"assistantMessage"`
	ImagePrompt      string              `json:"imagePrompt,omitempty"`
	SessionVersion   int                 `json:"sessionVersion"`
}

func newTurnResponse(res *chatservice.TurnResult) turnResponse {
	return turnResponse{
		SessionID:        res.Session.ID,
		CharacterState:   res.Session.CharacterState,
		AssistantMessage: res.AssistantMessage,
		ImagePrompt:      res.AI.ImagePrompt,
		SessionVersion:   res.Session.Version,
	}
}

// runTurn resolves the session and executes one turn.
func (h *Handler) runTurn(ctx context.Context, payload turnRequest, stream bool, onChunk func(string)) (*chatservice.TurnResult, error) {
	sess, err := h.sessions.GetOrCreate(ctx, session.GetOrCreateParams{
		SessionID:    payload.SessionID,
		CharacterID:  payload.CharacterID,
		LanguageCode: strings.TrimSpace(payload.LanguageCode),
	})
	if err != nil {
		return nil, err
	}
	return h.chat.HandleTurn(ctx, chatservice.TurnRequest{
		Session:          sess,
		IncomingMessages: payload.incoming(),
		Stream:           stream,
		OnChunk:          onChunk,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (turnRequest, bool) {
	var payload turnRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		apierr.Respond(w, h.log, apierr.BadRequest("invalid request body"))
		return payload, false
	}
	if err := payload.validate(); err != nil {
		apierr.Respond(w, h.log, err)
		return payload, false
	}
	return payload, true
}

// handleChat 一次性返回本轮结果
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.runTurn(r.Context(), payload, false, nil)
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newTurnResponse(result))
}

// handleStream 通过 SSE 逐块推送模型输出，最后发送 final 与 end 事件
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	started := false
	start := func() {
		if !started {
			utils.SetupSSEHeaders(w)
			w.WriteHeader(http.StatusOK)
			started = true
		}
	}

	result, err := h.runTurn(ctx, payload, true, func(chunk string) {
		start()
		if err := utils.SendSSEText(w, flusher, "chunk", chunk); err != nil {
			h.log.Debug("sse chunk write failed", "error", err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			h.log.Info("client disconnected, turn abandoned", "sessionId", payload.SessionID)
			return
		}
		if !started {
			apierr.Respond(w, h.log, err)
			return
		}
		_, msg := apierr.Status(err)
		h.log.Warn("stream turn failed", "sessionId", payload.SessionID, "error", err)
		_ = utils.SendSSEEvent(w, flusher, "error", map[string]string{"error": msg})
		return
	}

	start()
	if err := utils.SendSSEEvent(w, flusher, "final", newTurnResponse(result)); err != nil {
		h.log.Debug("sse final write failed", "error", err)
		return
	}
	_ = utils.SendSSEText(w, flusher, "end", "")
}
