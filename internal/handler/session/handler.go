package session

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

const recentMessageCount = 20

// Handler 会话查询、分页、persona 与头像选择接口。
type Handler struct {
	sessions *session.Service
	avatars  *avatarservice.Service
	log      *logger.Logger
}

func New(sessions *session.Service, avatars *avatarservice.Service, log *logger.Logger) *Handler {
	return &Handler{sessions: sessions, avatars: avatars, log: log.With("handler", "session")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/npc/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/messages", h.handleMessages)
		r.Get("/persona", h.handlePersona)
		r.Post("/avatar", h.handleSelectAvatar)
	})
}

type sessionResponse struct {
	SessionID      string              `json:"sessionId"`
	CharacterID    string              `json:"characterId"`
	LanguageCode   string              `json:"languageCode"`
	CharacterState chat.CharacterState `json:"characterState"`
	Version        int                 `json:"version"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	Messages       []chat.Message      `json:"messages"`
}

// handleGet 返回会话元数据与最近 20 条消息
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}

	messages := sess.Messages
	if len(messages) > recentMessageCount {
		messages = messages[len(messages)-recentMessageCount:]
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{
		SessionID:      sess.ID,
		CharacterID:    sess.CharacterID,
		LanguageCode:   sess.LanguageCode,
		CharacterState: sess.CharacterState,
		Version:        sess.Version,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
		Messages:       messages,
	})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 200 {
			apierr.Respond(w, h.log, apierr.BadRequest("limit must be an integer between 1 and 200"))
			return
		}
		limit = v
	}

	page, err := h.sessions.ListMessages(r.Context(), session.ListParams{
		SessionID: chi.URLParam(r, "id"),
		Limit:     limit,
		Cursor:    strings.TrimSpace(q.Get("cursor")),
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

type personaResponse struct {
	SessionID      string                `json:"sessionId"`
	PersonaID      string                `json:"personaId,omitempty"`
	PersonaRuntime *persona.RuntimeState `json:"personaRuntime"`
	Highlights     *persona.Highlights   `json:"highlights"`
}

func (h *Handler) handlePersona(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, personaResponse{
		SessionID:      sess.ID,
		PersonaID:      sess.PersonaID,
		PersonaRuntime: sess.PersonaRuntime,
		Highlights:     persona.BuildHighlights(sess.PersonaRuntime),
	})
}

type selectAvatarRequest struct {
	AvatarID string `json:"avatarId"`
}

type avatarResponse struct {
	SessionID      string              `json:"sessionId"`
	CharacterState chat.CharacterState `json:"characterState"`
	SessionVersion int                 `json:"sessionVersion"`
}

func (h *Handler) handleSelectAvatar(w http.ResponseWriter, r *http.Request) {
	var payload selectAvatarRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		apierr.Respond(w, h.log, apierr.BadRequest("invalid request body"))
		return
	}
	if strings.TrimSpace(payload.AvatarID) == "" {
		apierr.Respond(w, h.log, apierr.BadRequest("avatarId is required"))
		return
	}

	found, err := h.avatars.Get(r.Context(), payload.AvatarID)
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	sess, err := h.sessions.UpdateAvatar(r.Context(), chi.URLParam(r, "id"), session.AvatarUpdate{
		AvatarID:    found.ID,
		ImageURL:    found.ImageURL,
		StatusLabel: found.StatusLabel,
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, avatarResponse{
		SessionID:      sess.ID,
		CharacterState: sess.CharacterState,
		SessionVersion: sess.Version,
	})
}
