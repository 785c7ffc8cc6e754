package memory

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
	memoryservice "github.com/zhouzirui/z-tavern/npc/internal/service/memory"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

// Handler exposes the long-term memory stream for inspection.
type Handler struct {
	memory *memoryservice.Service
	log    *logger.Logger
}

func New(memory *memoryservice.Service, log *logger.Logger) *Handler {
	return &Handler{memory: memory, log: log.With("handler", "memory")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/npc/memory-stream", h.handleList)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50, 1, 200)
	if err != nil {
		apierr.Respond(w, h.log, apierr.BadRequest("limit must be an integer between 1 and 200"))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0, 0, -1)
	if err != nil {
		apierr.Respond(w, h.log, apierr.BadRequest("offset must be a non-negative integer"))
		return
	}

	result, err := h.memory.List(r.Context(), memoryservice.ListFilter{
		CharacterID: q.Get("characterId"),
		SessionID:   q.Get("sessionId"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// queryInt parses raw within [lo, hi]; hi < 0 means unbounded.
func queryInt(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < lo || (hi >= 0 && v > hi) {
		return 0, strconv.ErrRange
	}
	return v, nil
}
