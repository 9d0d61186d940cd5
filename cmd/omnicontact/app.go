package main

import (
	"context"
	"fmt"
	"time"

	"omnicontact/internal/agent"
	"omnicontact/internal/config"
	"omnicontact/internal/domain"
	"omnicontact/internal/embedding"
	"omnicontact/internal/knowledge"
	"omnicontact/internal/metrics"
	"omnicontact/internal/provider"
	"omnicontact/internal/retry"
	"omnicontact/internal/store"
	"omnicontact/internal/tool"
	"omnicontact/internal/vectorindex"
)

// app holds the wired core. buildApp covers storage and retrieval; withModel
// adds the language model and everything that needs it.
type app struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	store     *store.Store
	agents    *config.AgentDirectory
	embedders *embedding.Set
	index     *vectorindex.Engine
	indexer   *knowledge.Indexer

	provider domain.Provider
	pipeline *knowledge.Pipeline
	service  *agent.Service

	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	agents, err := config.LoadAgents(cfg.Agents.Dir, cfg.General.DefaultTenant, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.agents = agents
	logger.Info("agent profiles loaded", "dir", cfg.Agents.Dir, "tenants", agents.Tenants())

	if err := a.buildEmbedders(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.indexer = knowledge.NewIndexer(knowledge.IndexerConfig{
		Store:       st,
		Embedders:   a.embedders,
		Index:       a.index,
		ChunkSize:   cfg.Knowledge.ChunkSize,
		Overlap:     cfg.Knowledge.ChunkOverlap,
		Concurrency: cfg.Knowledge.IndexConcurrency,
		Logger:      logger,
	})
	return a, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (a *app) buildEmbedders() error {
	ec := a.cfg.Embedding
	policy := retry.Policy{
		MaxAttempts: ec.MaxAttempts,
		Backoff:     retry.Linear(time.Duration(ec.RetryDelayMs) * time.Millisecond),
		Logger:      logger,
	}

	var list []embedding.Embedder
	if ec.WorkersAI.AccountID != "" && ec.WorkersAI.APIToken != "" {
		list = append(list, embedding.NewWorkersAI(embedding.WorkersAIConfig{
			AccountID: ec.WorkersAI.AccountID,
			APIToken:  ec.WorkersAI.APIToken,
			Model:     ec.WorkersAI.Model,
			BaseURL:   ec.WorkersAI.BaseURL,
			BatchSize: ec.BatchSize,
			Policy:    policy,
			Metrics:   a.metrics,
			Logger:    logger,
		}))
	}
	if ec.OpenAI.APIKey != "" {
		list = append(list, embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:    ec.OpenAI.APIKey,
			BaseURL:   ec.OpenAI.APIBase,
			Model:     ec.OpenAI.Model,
			BatchSize: ec.BatchSize,
			Policy:    policy,
			Metrics:   a.metrics,
			Logger:    logger,
		}))
	}

	if ec.Cache.Enabled {
		cache := embedding.NewRedisCache(ec.Cache.RedisAddr, ec.Cache.Password, ec.Cache.DB)
		a.closers = append(a.closers, cache.Close)
		ttl := time.Duration(ec.Cache.TTLSeconds) * time.Second
		for i, e := range list {
			list[i] = embedding.NewCached(e, cache, ttl, logger)
		}
		logger.Info("embedding cache enabled", "addr", ec.Cache.RedisAddr)
	}

	def, err := embedding.ParseKind(ec.Default)
	if err != nil {
		return err
	}
	set, err := embedding.NewSet(def, list...)
	if err != nil {
		return fmt.Errorf("embedding providers: %w (set credentials for %q)", err, def)
	}
	a.embedders = set
	logger.Info("embedding providers ready", "default", def, "providers", set.Kinds())
	return nil
}

// buildIndex creates one generation per configured embedding provider.
func (a *app) buildIndex(ctx context.Context) error {
	vc := a.cfg.VectorIndex
	var gens []vectorindex.Index

	for _, kind := range a.embedders.Kinds() {
		e, err := a.embedders.Get(kind)
		if err != nil {
			return err
		}
		dims := e.Dimensions()

		switch vc.Backend {
		case "memory":
			gens = append(gens, vectorindex.NewMemory(dims))

		case "pgvector":
			pg, err := vectorindex.NewPGVector(a.store.DB(), dims)
			if err != nil {
				return err
			}
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("pgvector migrate (%d): %w", dims, err)
			}
			gens = append(gens, pg)

		case "pinecone":
			host := vc.Pinecone.WorkersAIHost
			if kind == embedding.KindOpenAI {
				host = vc.Pinecone.OpenAIHost
			}
			if host == "" {
				logger.Warn("no pinecone index for embedding provider", "provider", kind, "dimensions", dims)
				continue
			}
			pc, err := vectorindex.NewPinecone(vectorindex.PineconeConfig{
				APIKey:     vc.Pinecone.APIKey,
				APIVersion: vc.Pinecone.APIVersion,
				Host:       host,
				Namespace:  vc.Pinecone.Namespace,
				Dimensions: dims,
				Timeout:    30 * time.Second,
			})
			if err != nil {
				return err
			}
			gens = append(gens, pc)

		default:
			return fmt.Errorf("unknown vector index backend %q", vc.Backend)
		}
	}

	engine, err := vectorindex.NewEngine(logger, gens...)
	if err != nil {
		return err
	}
	a.index = engine
	return nil
}

// withModel builds the provider chain, the RAG pipeline and the agent service.
func (a *app) withModel() error {
	prov, err := buildProvider(a.cfg.LLM)
	if err != nil {
		return err
	}
	a.provider = prov

	kc := a.cfg.Knowledge
	gen := knowledge.NewGenerator(knowledge.GeneratorConfig{
		Provider:  prov,
		MaxTokens: kc.AnswerMaxTokens,
		Logger:    logger,
	})
	a.pipeline = knowledge.NewPipeline(knowledge.PipelineConfig{
		Embedders:        a.embedders,
		Index:            a.index,
		Store:            a.store,
		Generator:        gen,
		MaxContextTokens: kc.MaxContextTokens,
		Metrics:          a.metrics,
		Logger:           logger,
	})

	tools := tool.NewRegistry(logger)
	tool.RegisterDefaults(tools, tool.Deps{Knowledge: a.pipeline, Scheduler: a.store})

	lc := a.cfg.LLM
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:    prov,
		Tools:       tools,
		RateLimiter: agent.NewRateLimiter(lc.RateBurst, float64(lc.RateLimitPerMin)),
		MaxTokens:   lc.MaxTokens,
		Temperature: lc.Temperature,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	a.service = agent.NewService(agent.ServiceConfig{
		Store:        a.store,
		Agents:       a.agents,
		Loop:         loop,
		HistoryLimit: a.cfg.General.HistoryLimit,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	return nil
}

// buildProvider creates every provider that has a key, in configured order.
// More than one yields a failover chain.
func buildProvider(lc config.LLMConfig) (domain.Provider, error) {
	var list []domain.Provider
	for _, pc := range lc.Providers {
		backend, err := provider.ParseBackend(pc.Backend)
		if err != nil {
			return nil, err
		}
		if pc.APIKey == "" {
			logger.Warn("skipping provider without API key", "backend", backend)
			continue
		}
		p, err := provider.New(backend, provider.Config{
			APIKey:  pc.APIKey,
			BaseURL: pc.APIBase,
			Model:   pc.Model,
			Timeout: time.Duration(lc.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	switch len(list) {
	case 0:
		return nil, fmt.Errorf("no language model provider has an API key (llm.providers)")
	case 1:
		logger.Info("language model ready", "provider", list[0].Name(), "model", list[0].Model())
		return list[0], nil
	}
	fp := provider.NewFailoverProvider(list, logger)
	logger.Info("language model ready", "provider", fp.Name(), "model", fp.Model())
	return fp, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
