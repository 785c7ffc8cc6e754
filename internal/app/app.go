package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/database"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	chatservice "github.com/zhouzirui/z-tavern/npc/internal/service/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/service/image"
	"github.com/zhouzirui/z-tavern/npc/internal/service/llm"
	memoryservice "github.com/zhouzirui/z-tavern/npc/internal/service/memory"
	"github.com/zhouzirui/z-tavern/npc/internal/service/prompt"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// Container 持有进程内所有共享资源与服务，在 main 中构建一次后显式传递。
type Container struct {
	Config *config.Config
	Log    *logger.Logger

	DB    *gorm.DB
	Redis *goredis.Client

	Characters character.Store
	Prompts    *prompt.Engine
	LLM        *llm.Client
	Memory     *memoryservice.Service
	Avatars    *avatarservice.Service
	Sessions   *session.Service
	Chat       *chatservice.Service
	Images     *image.Service

	sessionStore session.Store
	cache        session.Cache
}

// resources are resolved concurrently before any service is built.
type resources struct {
	db         *gorm.DB
	redis      *goredis.Client
	characters *character.MemoryStore
	prompts    *prompt.Engine
}

// New builds the container in two phases: resources first, then services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	res, err := openResources(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	c, err := wireServices(cfg, log, res)
	if err != nil {
		res.close(log)
		return nil, err
	}
	return c, nil
}

func openResources(ctx context.Context, cfg *config.Config, log *logger.Logger) (*resources, error) {
	res := &resources{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		db, err := database.Open(cfg.Store, log)
		if err != nil {
			return err
		}
		if err := database.Ping(gctx, db); err != nil {
			_ = database.Close(db)
			return fmt.Errorf("ping database: %w", err)
		}
		res.db = db
		return nil
	})
	if cfg.Cache.RedisURL != "" {
		g.Go(func() error {
			rdb, err := session.NewRedisClient(gctx, cfg.Cache.RedisURL)
			if err != nil {
				return err
			}
			res.redis = rdb
			return nil
		})
	}
	g.Go(func() error {
		store, err := character.LoadDir(cfg.Paths.CharactersDir, log)
		if err != nil {
			return fmt.Errorf("load characters: %w", err)
		}
		res.characters = store
		return nil
	})
	g.Go(func() error {
		engine, err := prompt.New(cfg.Paths.TemplatesDir)
		if err != nil {
			return fmt.Errorf("load prompt templates: %w", err)
		}
		res.prompts = engine
		return nil
	})

	if err := g.Wait(); err != nil {
		res.close(log)
		return nil, err
	}
	return res, nil
}

func wireServices(cfg *config.Config, log *logger.Logger, res *resources) (*Container, error) {
	llmClient := llm.NewClient(cfg.LLM, log)

	avatars := avatarservice.NewService(res.db, log)
	if err := avatars.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate avatars: %w", err)
	}

	var sessionStore session.Store
	switch cfg.Store.SessionStore {
	case "database":
		store := session.NewGormStore(res.db)
		if err := store.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate sessions: %w", err)
		}
		sessionStore = store
	default:
		sessionStore = session.NewMemoryStore(cfg.Store.SessionTTL)
	}

	var cache session.Cache
	if res.redis != nil {
		cache = session.NewRedisCache(res.redis, cfg.Cache.TTL)
	}

	var memoryStore memoryservice.Store
	switch cfg.Memory.Backend {
	case "database":
		store := memoryservice.NewGormStore(res.db, cfg.LLM.EmbeddingDim)
		if err := store.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate memory stream: %w", err)
		}
		memoryStore = store
	case "memory":
		memoryStore = memoryservice.NewMemStore()
	}
	memory := memoryservice.NewService(memoryStore, llmClient, cfg.Memory, log)

	sessions := session.NewService(sessionStore, cache, res.characters, avatars, log)
	chat := chatservice.NewService(chatservice.Deps{
		Characters: res.characters,
		Prompts:    res.prompts,
		LLM:        llmClient,
		Sessions:   sessions,
		Memory:     memory,
		Avatars:    avatars,
	}, cfg.Chat, log)
	images := image.NewService(llmClient, avatars, sessions, res.characters, log)

	log.Info("services wired",
		"sessionStore", cfg.Store.SessionStore,
		"db", cfg.Store.DBType,
		"cache", res.redis != nil,
		"memory", cfg.Memory.Backend,
		"mockLLM", cfg.LLM.Mock,
		"characters", len(res.characters.List()),
	)

	return &Container{
		Config:       cfg,
		Log:          log,
		DB:           res.db,
		Redis:        res.redis,
		Characters:   res.characters,
		Prompts:      res.prompts,
		LLM:          llmClient,
		Memory:       memory,
		Avatars:      avatars,
		Sessions:     sessions,
		Chat:         chat,
		Images:       images,
		sessionStore: sessionStore,
		cache:        cache,
	}, nil
}

// Health reports the state of the backing stores.
type Health struct {
	Status    string `json:"status"`
	DB        bool   `json:"db"`
	Cache     *bool  `json:"cache,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Container) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	h := Health{Status: "ok", DB: true, Timestamp: time.Now().UnixMilli()}
	if err := c.sessionStore.Ping(ctx); err != nil {
		h.DB = false
	} else if c.DB != nil && database.Ping(ctx, c.DB) != nil {
		h.DB = false
	}
	if c.cache != nil {
		ok := c.cache.Ping(ctx) == nil
		h.Cache = &ok
		if !ok {
			h.Status = "degraded"
		}
	}
	if !h.DB {
		h.Status = "degraded"
	}
	return h
}

// Close drains background work then releases resources.
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	if c.Chat != nil {
		c.Chat.Wait()
	}
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, database.Close(c.DB))
	}
	return errors.Join(errs...)
}

func (r *resources) close(log *logger.Logger) {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			log.Warn("close redis failed", "error", err)
		}
	}
	if r.db != nil {
		if err := database.Close(r.db); err != nil {
			log.Warn("close database failed", "error", err)
		}
	}
}
