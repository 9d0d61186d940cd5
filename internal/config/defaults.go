package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			LogFormat:             "text",
			DefaultTenant:         "default",
			HistoryLimit:          10,
			MaxConcurrentMessages: 8,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "~/.omnicontact/omnicontact.db",
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{Backend: "openai", Model: "gpt-4o-mini"},
			},
			MaxTokens:      512,
			Temperature:    0.4,
			TimeoutSeconds: 60,
		},
		Embedding: EmbeddingConfig{
			Default:      "workersai",
			BatchSize:    100,
			MaxAttempts:  3,
			RetryDelayMs: 1000,
			Cache: EmbeddingCacheConfig{
				Enabled:    false,
				TTLSeconds: 86400,
			},
		},
		VectorIndex: VectorIndexConfig{
			Backend: "memory",
		},
		Knowledge: KnowledgeConfig{
			MaxContextTokens: 2000,
			AnswerMaxTokens:  1024,
			ChunkSize:        200,
			ChunkOverlap:     30,
			SearchTopK:       5,
			IndexConcurrency: 2,
		},
		Agents: AgentsConfig{
			Dir: "~/.omnicontact/agents",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Endpoint:  "/metrics",
			Namespace: "omnicontact",
		},
	}
}
