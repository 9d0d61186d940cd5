package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for omnicontact.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Server      ServerConfig      `json:"server"`
	Store       StoreConfig       `json:"store"`
	LLM         LLMConfig         `json:"llm"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	VectorIndex VectorIndexConfig `json:"vectorIndex"`
	Knowledge   KnowledgeConfig   `json:"knowledge"`
	Agents      AgentsConfig      `json:"agents"`
	Channels    ChannelsConfig    `json:"channels"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	LogFormat             string `json:"logFormat"`         // "text" | "json"
	LogFile               string `json:"logFile,omitempty"` // optional log file path
	DefaultTenant         string `json:"defaultTenant"`
	HistoryLimit          int    `json:"historyLimit"` // messages of working memory per turn
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	// PublicURL is the externally reachable base URL; Twilio signs requests against it.
	PublicURL string `json:"publicUrl,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" | "postgres"
	DSN    string `json:"dsn"`
}

// LLMConfig configures the chat model. Providers are tried in order.
type LLMConfig struct {
	Providers       []ProviderConfig `json:"providers"`
	MaxTokens       int              `json:"maxTokens"`
	Temperature     float64          `json:"temperature"`
	TimeoutSeconds  int              `json:"timeoutSeconds"`
	RateLimitPerMin int              `json:"rateLimitPerMinute,omitempty"` // 0 = unlimited
	RateBurst       int              `json:"rateBurst,omitempty"`
}

type ProviderConfig struct {
	Backend string `json:"backend"` // "openai" | "anthropic"
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

type EmbeddingConfig struct {
	Default      string                `json:"default"` // "workersai" | "openai"
	BatchSize    int                   `json:"batchSize"`
	MaxAttempts  int                   `json:"maxAttempts"`
	RetryDelayMs int                   `json:"retryDelayMs"`
	WorkersAI    WorkersAIConfig       `json:"workersai"`
	OpenAI       OpenAIEmbeddingConfig `json:"openai"`
	Cache        EmbeddingCacheConfig  `json:"cache"`
}

type WorkersAIConfig struct {
	AccountID string `json:"accountId,omitempty"`
	APIToken  string `json:"apiToken,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

type OpenAIEmbeddingConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// EmbeddingCacheConfig enables the Redis query-embedding cache.
type EmbeddingCacheConfig struct {
	Enabled    bool   `json:"enabled"`
	RedisAddr  string `json:"redisAddr,omitempty"`
	Password   string `json:"password,omitempty"`
	DB         int    `json:"db,omitempty"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type VectorIndexConfig struct {
	Backend  string         `json:"backend"` // "memory" | "pgvector" | "pinecone"
	Pinecone PineconeConfig `json:"pinecone"`
}

// PineconeConfig holds one index host per generation.
type PineconeConfig struct {
	APIKey        string `json:"apiKey,omitempty"`
	APIVersion    string `json:"apiVersion,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	WorkersAIHost string `json:"workersaiHost,omitempty"` // 768-dimension index
	OpenAIHost    string `json:"openaiHost,omitempty"`    // 1536-dimension index
}

// KnowledgeConfig configures the RAG knowledge engine.
type KnowledgeConfig struct {
	MaxContextTokens int `json:"maxContextTokens"`
	AnswerMaxTokens  int `json:"answerMaxTokens"`
	ChunkSize        int `json:"chunkSize"`    // words per chunk
	ChunkOverlap     int `json:"chunkOverlap"` // overlapping words
	SearchTopK       int `json:"searchTopK"`
	IndexConcurrency int `json:"indexConcurrency"`
}

// AgentsConfig points at the directory of per-tenant YAML profiles.
type AgentsConfig struct {
	Dir string `json:"dir"`
}

type ChannelsConfig struct {
	SMS      SMSConfig      `json:"sms"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Email    EmailConfig    `json:"email"`
}

// SMSConfig configures the Twilio Messaging adapter.
type SMSConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"accountSid,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
	FromNumber string `json:"fromNumber,omitempty"`
	APIBase    string `json:"apiBase,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	AppSecret     string `json:"appSecret,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	APIBase       string `json:"apiBase,omitempty"`
}

// EmailConfig configures the Resend adapter.
type EmailConfig struct {
	Enabled       bool   `json:"enabled"`
	APIKey        string `json:"apiKey,omitempty"`
	FromAddress   string `json:"fromAddress,omitempty"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
	APIBase       string `json:"apiBase,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.omnicontact).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".omnicontact"
	}
	return filepath.Join(home, ".omnicontact")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Agents.Dir = ExpandPath(cfg.Agents.Dir)
	if cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = ExpandPath(cfg.Store.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // unresolved references stay visible
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if strings.TrimSpace(cfg.General.DefaultTenant) == "" {
		errs = append(errs, "general.defaultTenant is required")
	}
	if cfg.General.HistoryLimit < 1 || cfg.General.HistoryLimit > 100 {
		errs = append(errs, "general.historyLimit must be between 1 and 100")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" {
		errs = append(errs, "store.dsn is required")
	}

	if len(cfg.LLM.Providers) == 0 {
		errs = append(errs, "llm.providers must list at least one provider")
	}
	for i, pc := range cfg.LLM.Providers {
		switch strings.ToLower(pc.Backend) {
		case "openai", "anthropic", "claude":
		default:
			errs = append(errs, fmt.Sprintf("llm.providers[%d].backend must be one of: openai, anthropic", i))
		}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.TimeoutSeconds < 1 {
		errs = append(errs, "llm.timeoutSeconds must be >= 1")
	}

	switch cfg.Embedding.Default {
	case "workersai", "openai":
	default:
		errs = append(errs, "embedding.default must be one of: workersai, openai")
	}
	if cfg.Embedding.BatchSize < 1 || cfg.Embedding.BatchSize > 100 {
		errs = append(errs, "embedding.batchSize must be between 1 and 100")
	}
	if cfg.Embedding.MaxAttempts < 1 {
		errs = append(errs, "embedding.maxAttempts must be >= 1")
	}
	if cfg.Embedding.Cache.Enabled && cfg.Embedding.Cache.RedisAddr == "" {
		errs = append(errs, "embedding.cache.redisAddr is required when the cache is enabled")
	}

	switch cfg.VectorIndex.Backend {
	case "memory":
	case "pgvector":
		if cfg.Store.Driver != "postgres" {
			errs = append(errs, "vectorIndex.backend pgvector requires store.driver postgres")
		}
	case "pinecone":
		if cfg.VectorIndex.Pinecone.WorkersAIHost == "" && cfg.VectorIndex.Pinecone.OpenAIHost == "" {
			errs = append(errs, "vectorIndex.pinecone needs at least one index host")
		}
	default:
		errs = append(errs, "vectorIndex.backend must be one of: memory, pgvector, pinecone")
	}

	if cfg.Knowledge.MaxContextTokens < 1 {
		errs = append(errs, "knowledge.maxContextTokens must be >= 1")
	}
	if cfg.Knowledge.ChunkSize < 1 {
		errs = append(errs, "knowledge.chunkSize must be >= 1")
	}
	if cfg.Knowledge.ChunkOverlap < 0 || cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, "knowledge.chunkOverlap must be >= 0 and smaller than chunkSize")
	}
	if cfg.Knowledge.SearchTopK < 1 || cfg.Knowledge.SearchTopK > 50 {
		errs = append(errs, "knowledge.searchTopK must be between 1 and 50")
	}

	if sms := cfg.Channels.SMS; sms.Enabled && (sms.AccountSID == "" || sms.AuthToken == "" || sms.FromNumber == "") {
		errs = append(errs, "channels.sms: accountSid, authToken and fromNumber are required when enabled")
	}
	if wa := cfg.Channels.WhatsApp; wa.Enabled && (wa.AccessToken == "" || wa.PhoneNumberID == "") {
		errs = append(errs, "channels.whatsapp: accessToken and phoneNumberId are required when enabled")
	}
	if em := cfg.Channels.Email; em.Enabled && (em.APIKey == "" || em.FromAddress == "") {
		errs = append(errs, "channels.email: apiKey and fromAddress are required when enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
