package image

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	imageservice "github.com/zhouzirui/z-tavern/npc/internal/service/image"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

type Handler struct {
	images   *imageservice.Service
	sessions *session.Service
	log      *logger.Logger
}

func New(images *imageservice.Service, sessions *session.Service, log *logger.Logger) *Handler {
	return &Handler{images: images, sessions: sessions, log: log.With("handler", "image")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/npc/images", h.handleGenerate)
}

type generateRequest struct {
	SessionID      string         `json:"sessionId"`
	CharacterID    string         `json:"characterId"`
	Prompt         string         `json:"prompt"`
	Ratio          string         `json:"ratio"`
	Intent         string         `json:"intent"`
	AvatarMood     string         `json:"avatarMood"`
	UseImagePrompt bool           `json:"useImagePrompt"`
	UpdateAvatar   bool           `json:"updateAvatar"`
	Metadata       map[string]any `json:"metadata"`
}

type generateResponse struct {
	SessionID      string              `json:"sessionId"`
	ImageURL       string              `json:"imageUrl"`
	CharacterState chat.CharacterState `json:"characterState"`
	SessionVersion int                 `json:"sessionVersion"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var payload generateRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		apierr.Respond(w, h.log, apierr.BadRequest("invalid request body"))
		return
	}
	if payload.SessionID == "" && payload.CharacterID == "" {
		apierr.Respond(w, h.log, apierr.BadRequest("either sessionId or characterId is required"))
		return
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), session.GetOrCreateParams{
		SessionID:   payload.SessionID,
		CharacterID: payload.CharacterID,
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}

	result, err := h.images.Generate(r.Context(), imageservice.GenerateParams{
		Session:        sess,
		Intent:         payload.Intent,
		AvatarMood:     payload.AvatarMood,
		Ratio:          payload.Ratio,
		Prompt:         payload.Prompt,
		UseImagePrompt: payload.UseImagePrompt,
		UpdateAvatar:   payload.UpdateAvatar,
		Metadata:       payload.Metadata,
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, generateResponse{
		SessionID:      result.Session.ID,
		ImageURL:       result.ImageURL,
		CharacterState: result.Session.CharacterState,
		SessionVersion: result.Session.Version,
	})
}
