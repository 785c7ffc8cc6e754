package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zhouzirui/z-tavern/npc/internal/app"
	"github.com/zhouzirui/z-tavern/npc/internal/handler/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/handler/character"
	"github.com/zhouzirui/z-tavern/npc/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/handler/image"
	"github.com/zhouzirui/z-tavern/npc/internal/handler/memory"
	mw "github.com/zhouzirui/z-tavern/npc/internal/handler/middleware"
	"github.com/zhouzirui/z-tavern/npc/internal/handler/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

// NewRouter wires HTTP routes to the services held by the container.
func NewRouter(c *app.Container) http.Handler {
	cfg := c.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLogger(c.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", mw.APIKeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.Server.RateLimitPerMinute > 0 {
		r.Use(mw.NewRateLimiter(cfg.Server.RateLimitPerMinute).Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, c.Health(r.Context()))
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(mw.APIKey(cfg.Auth.GatewayKey))

		character.New(c.Characters, c.Sessions, c.Log).RegisterRoutes(api)
		chat.New(c.Chat, c.Sessions, cfg.Server.AllowedOrigins, c.Log).RegisterRoutes(api)
		session.New(c.Sessions, c.Avatars, c.Log).RegisterRoutes(api)
		avatar.New(c.Avatars, c.Log).RegisterRoutes(api)
		image.New(c.Images, c.Sessions, c.Log).RegisterRoutes(api)
		memory.New(c.Memory, c.Log).RegisterRoutes(api)
	})

	return r
}
