package character

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

const initialMessageCount = 3

// Handler 角色列表与激活接口。
type Handler struct {
	characters character.Store
	sessions   *session.Service
	log        *logger.Logger
}

func New(characters character.Store, sessions *session.Service, log *logger.Logger) *Handler {
	return &Handler{
		characters: characters,
		sessions:   sessions,
		log:        log.With("handler", "character"),
	}
}

// RegisterRoutes 注册角色相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/characters", h.handleList)
	r.Post("/characters/{id}/activate", h.handleActivate)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("languageCode")
	utils.RespondJSON(w, http.StatusOK, character.Summaries(h.characters.List(), lang))
}

type activateRequest struct {
	SessionID    string `json:"sessionId"`
	LanguageCode string `json:"languageCode"`
}

type activateResponse struct {
	SessionID       string              `json:"sessionId"`
	CharacterID     string              `json:"characterId"`
	LanguageCode    string              `json:"languageCode"`
	CharacterState  chat.CharacterState `json:"characterState"`
	InitialMessages []chat.Message      `json:"initialMessages"`
}

// handleActivate 创建或复用会话，并返回最近几条消息供前端展示
func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var payload activateRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil && !errors.Is(err, io.EOF) {
		apierr.Respond(w, h.log, apierr.BadRequest("invalid request body"))
		return
	}

	if _, err := h.characters.FindByID(id); err != nil {
		apierr.Respond(w, h.log, err)
		return
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), session.GetOrCreateParams{
		SessionID:    payload.SessionID,
		CharacterID:  id,
		LanguageCode: payload.LanguageCode,
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}

	messages := sess.Messages
	if len(messages) > initialMessageCount {
		messages = messages[len(messages)-initialMessageCount:]
	}
	utils.RespondJSON(w, http.StatusOK, activateResponse{
		SessionID:       sess.ID,
		CharacterID:     sess.CharacterID,
		LanguageCode:    sess.LanguageCode,
		CharacterState:  sess.CharacterState,
		InitialMessages: messages,
	})
}
