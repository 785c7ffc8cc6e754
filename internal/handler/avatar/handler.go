package avatar

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

type Handler struct {
	avatars *avatarservice.Service
	log     *logger.Logger
}

func New(avatars *avatarservice.Service, log *logger.Logger) *Handler {
	return &Handler{avatars: avatars, log: log.With("handler", "avatar")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/npc/avatars", h.handleList)
}

// handleList 列出头像；includeGlobal 缺省为 true，仅字符串 "true" 视为真
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeGlobal := true
	if q.Has("includeGlobal") {
		includeGlobal = strings.EqualFold(q.Get("includeGlobal"), "true")
	}

	items, err := h.avatars.List(r.Context(), avatarservice.ListParams{
		CharacterID:   q.Get("characterId"),
		IncludeGlobal: includeGlobal,
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, items)
}
