package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	LLM    LLMConfig
	Store  StoreConfig
	Cache  CacheConfig
	Memory MemoryConfig
	Chat   ChatConfig
	Paths  PathsConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	cache, err := loadCacheConfig()
	if err != nil {
		return nil, err
	}

	memory, err := loadMemoryConfig(store)
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: server,
		Auth:   loadAuthConfig(),
		LLM:    llm,
		Store:  store,
		Cache:  cache,
		Memory: memory,
		Chat:   chat,
		Paths: PathsConfig{
			CharactersDir: getEnvOrDefault("CHARACTERS_DIR", "config/characters"),
			TemplatesDir:  getEnvOrDefault("PROMPT_TEMPLATES_DIR", "templates/prompts"),
		},
		Log: LogConfig{Mode: getEnvOrDefault("LOG_MODE", "development")},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr               string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	addr := ":" + port
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	} else if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	rate, err := intEnvOrDefault("RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:               addr,
		AllowedOrigins:     splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitPerMinute: rate,
	}, nil
}

// AuthConfig 描述网关鉴权配置。
type AuthConfig struct {
	GatewayKey string
}

// 未显式配置 NPC_GATEWAY_KEY 时沿用 LLM_API_AUTH_TOKEN。
func loadAuthConfig() AuthConfig {
	key := strings.TrimSpace(os.Getenv("NPC_GATEWAY_KEY"))
	if key == "" {
		key = strings.TrimSpace(os.Getenv("LLM_API_AUTH_TOKEN"))
	}
	return AuthConfig{GatewayKey: key}
}

// LLMConfig 描述上游大模型接口配置。
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	TextModel      string
	ImageModel     string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float64
	Timeout        time.Duration
	Mock           bool
}

// Enabled 表示是否具备调用上游所需的最少配置。
func (c LLMConfig) Enabled() bool {
	return c.Mock || (c.BaseURL != "" && c.APIKey != "" && c.TextModel != "")
}

func loadLLMConfig() (LLMConfig, error) {
	mock, err := parseBoolEnv("MOCK_LLM_RESPONSES", false)
	if err != nil {
		return LLMConfig{}, err
	}

	temperature := 0.8
	if override, err := parseOptionalFloatEnv("LLM_TEMPERATURE"); err != nil {
		return LLMConfig{}, err
	} else if override != nil {
		temperature = *override
	}

	dim, err := intEnvOrDefault("EMBEDDING_DIM", 1536)
	if err != nil {
		return LLMConfig{}, err
	}

	timeoutSeconds, err := intEnvOrDefault("LLM_TIMEOUT_SECONDS", 120)
	if err != nil {
		return LLMConfig{}, err
	}

	return LLMConfig{
		BaseURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("LLM_API_BASE")), "/"),
		APIKey:         strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		TextModel:      strings.TrimSpace(os.Getenv("TEXT_MODEL_NAME")),
		ImageModel:     strings.TrimSpace(os.Getenv("IMG_MODEL_NAME")),
		EmbeddingModel: getEnvOrDefault("EMBEDDING_MODEL_NAME", "text-embedding-3-large"),
		EmbeddingDim:   dim,
		Temperature:    temperature,
		Timeout:        time.Duration(timeoutSeconds) * time.Second,
		Mock:           mock,
	}, nil
}

// StoreConfig 描述会话持久化配置。
type StoreConfig struct {
	// SessionStore 取值 memory 或 database。
	SessionStore string
	// DBType 取值 sqlite 或 postgres。
	DBType     string
	DBURL      string
	PoolSize   int
	SessionTTL time.Duration
}

// UsesPostgres 表示是否连接 Postgres。
func (c StoreConfig) UsesPostgres() bool {
	return c.DBType == "postgres"
}

func loadStoreConfig() (StoreConfig, error) {
	ttl, err := intEnvOrDefault("SESSION_TTL_MINUTES", 120)
	if err != nil {
		return StoreConfig{}, err
	}
	pool, err := intEnvOrDefault("DB_POOL_SIZE", 10)
	if err != nil {
		return StoreConfig{}, err
	}

	dbType := strings.ToLower(getEnvOrDefault("DB_TYPE", "sqlite"))
	dbURL := strings.TrimSpace(os.Getenv("DB_URL"))
	if dbURL == "" && dbType == "sqlite" {
		dbURL = "data/npc.db"
	}

	return StoreConfig{
		SessionStore: strings.ToLower(getEnvOrDefault("SESSION_STORE", "memory")),
		DBType:       dbType,
		DBURL:        dbURL,
		PoolSize:     pool,
		SessionTTL:   time.Duration(ttl) * time.Minute,
	}, nil
}

// CacheConfig 描述 Redis 会话缓存，RedisURL 为空时关闭缓存。
type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
}

func loadCacheConfig() (CacheConfig, error) {
	ttl, err := intEnvOrDefault("CACHE_TTL_MINUTES", 120)
	if err != nil {
		return CacheConfig{}, err
	}
	return CacheConfig{
		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),
		TTL:      time.Duration(ttl) * time.Minute,
	}, nil
}

// MemoryConfig 描述长期记忆检索参数。
type MemoryConfig struct {
	// Backend 取值 database、memory 或 off。
	Backend          string
	TopK             int
	Threshold        float64
	ImportanceFactor float64
	MinImportance    int
}

func loadMemoryConfig(store StoreConfig) (MemoryConfig, error) {
	backend := "memory"
	if store.UsesPostgres() {
		backend = "database"
	}
	backend = strings.ToLower(getEnvOrDefault("MEMORY_BACKEND", backend))

	topK, err := intEnvOrDefault("RAG_TOP_K", 5)
	if err != nil {
		return MemoryConfig{}, err
	}
	threshold, err := floatEnvOrDefault("RAG_SCORE_THRESHOLD", 0.25)
	if err != nil {
		return MemoryConfig{}, err
	}
	factor, err := floatEnvOrDefault("MEMORY_IMPORTANCE_FACTOR", 5)
	if err != nil {
		return MemoryConfig{}, err
	}
	minImportance, err := intEnvOrDefault("MEMORY_MIN_IMPORTANCE", 1)
	if err != nil {
		return MemoryConfig{}, err
	}

	return MemoryConfig{
		Backend:          backend,
		TopK:             topK,
		Threshold:        threshold,
		ImportanceFactor: factor,
		MinImportance:    minImportance,
	}, nil
}

// ChatConfig 描述单轮对话的调优参数。
type ChatConfig struct {
	HistoryWindow        int
	TriggerSnippetLength int
	TriggerWindowSize    int
	TrustMin             float64
	TrustMax             float64
}

func loadChatConfig() (ChatConfig, error) {
	window, err := intEnvOrDefault("HISTORY_WINDOW", 10)
	if err != nil {
		return ChatConfig{}, err
	}
	snippet, err := intEnvOrDefault("TRIGGER_SNIPPET_LENGTH", 48)
	if err != nil {
		return ChatConfig{}, err
	}
	triggers, err := intEnvOrDefault("TRIGGER_WINDOW_SIZE", 5)
	if err != nil {
		return ChatConfig{}, err
	}
	trustMin, err := floatEnvOrDefault("TRUST_MIN", 0)
	if err != nil {
		return ChatConfig{}, err
	}
	trustMax, err := floatEnvOrDefault("TRUST_MAX", 100)
	if err != nil {
		return ChatConfig{}, err
	}

	return ChatConfig{
		HistoryWindow:        window,
		TriggerSnippetLength: snippet,
		TriggerWindowSize:    triggers,
		TrustMin:             trustMin,
		TrustMax:             trustMax,
	}, nil
}

// PathsConfig 描述角色配置与提示词模板目录。
type PathsConfig struct {
	CharactersDir string
	TemplatesDir  string
}

// LogConfig 描述日志模式。
type LogConfig struct {
	Mode string
}

func (c *Config) validate() error {
	var errs []error

	if c.Auth.GatewayKey == "" {
		errs = append(errs, errors.New("NPC_GATEWAY_KEY or LLM_API_AUTH_TOKEN is required"))
	}
	if !c.LLM.Enabled() {
		errs = append(errs, errors.New("LLM_API_BASE, LLM_API_KEY and TEXT_MODEL_NAME are required unless MOCK_LLM_RESPONSES=true"))
	}
	switch c.Store.SessionStore {
	case "memory", "database":
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_STORE value %q", c.Store.SessionStore))
	}
	switch c.Store.DBType {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("invalid DB_TYPE value %q", c.Store.DBType))
	}
	if c.Store.UsesPostgres() && c.Store.DBURL == "" {
		errs = append(errs, errors.New("DB_URL is required when DB_TYPE=postgres"))
	}
	switch c.Memory.Backend {
	case "database", "memory", "off":
	default:
		errs = append(errs, fmt.Errorf("invalid MEMORY_BACKEND value %q", c.Memory.Backend))
	}
	if c.Memory.TopK < 1 {
		errs = append(errs, errors.New("RAG_TOP_K must be positive"))
	}
	if c.Chat.HistoryWindow < 1 {
		errs = append(errs, errors.New("HISTORY_WINDOW must be positive"))
	}
	if c.Chat.TriggerWindowSize < 1 || c.Chat.TriggerSnippetLength < 1 {
		errs = append(errs, errors.New("TRIGGER_WINDOW_SIZE and TRIGGER_SNIPPET_LENGTH must be positive"))
	}
	if c.Chat.TrustMin >= c.Chat.TrustMax {
		errs = append(errs, errors.New("TRUST_MIN must be lower than TRUST_MAX"))
	}
	if c.LLM.EmbeddingDim < 1 {
		errs = append(errs, errors.New("EMBEDDING_DIM must be positive"))
	}

	return errors.Join(errs...)
}
