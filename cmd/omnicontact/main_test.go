package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"omnicontact/internal/config"
	"omnicontact/internal/embedding"
	"omnicontact/internal/knowledge"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.DSN = filepath.Join(dir, "omnicontact.db")
	cfg.Agents.Dir = filepath.Join(dir, "agents")
	cfg.Embedding.Default = "openai"
	cfg.Embedding.OpenAI.APIKey = "sk-test"
	cfg.VectorIndex.Backend = "memory"
	cfg.LLM.Providers = []config.ProviderConfig{{Backend: "openai", APIKey: "sk-test"}}
	return cfg
}

func TestNewLogger_FileAndFormat(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "omnicontact.log")
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "debug", LogFormat: "json", LogFile: logFile})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Debug("hello", "k", "v")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("log file = %q", data)
	}
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "loud"})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	defer closeLog()
	if l.Enabled(context.Background(), slog.LevelDebug) || !l.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info level")
	}
}

func TestBuildProvider(t *testing.T) {
	if _, err := buildProvider(config.LLMConfig{Providers: []config.ProviderConfig{{Backend: "openai"}}}); err == nil {
		t.Fatal("expected error when no provider has a key")
	}
	if _, err := buildProvider(config.LLMConfig{Providers: []config.ProviderConfig{{Backend: "gemini", APIKey: "k"}}}); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	p, err := buildProvider(config.LLMConfig{Providers: []config.ProviderConfig{
		{Backend: "openai"},
		{Backend: "openai", APIKey: "sk-1", Model: "gpt-4o-mini"},
	}})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if strings.HasPrefix(p.Name(), "failover(") {
		t.Fatalf("single keyed provider should not be wrapped, got %s", p.Name())
	}

	p, err = buildProvider(config.LLMConfig{Providers: []config.ProviderConfig{
		{Backend: "openai", APIKey: "sk-1"},
		{Backend: "anthropic", APIKey: "sk-ant-1"},
	}})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if !strings.HasPrefix(p.Name(), "failover(") {
		t.Fatalf("name = %s, want failover chain", p.Name())
	}
}

func TestBuildApp_MemoryIndex(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if kinds := a.embedders.Kinds(); len(kinds) != 1 || kinds[0] != embedding.KindOpenAI {
		t.Fatalf("kinds = %v", kinds)
	}
	if a.indexer == nil || a.index == nil {
		t.Fatal("indexer not wired")
	}
	if err := a.withModel(); err != nil {
		t.Fatalf("withModel: %v", err)
	}
	if a.pipeline == nil || a.service == nil {
		t.Fatal("model-backed components not wired")
	}

	res, err := a.pipeline.Ask(context.Background(), knowledge.Query{Question: "  ", TenantID: "default"})
	if err == nil {
		t.Fatalf("expected invalid query error, got %+v", res)
	}
}

func TestBuildApp_DefaultEmbedderNeedsCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Default = "workersai"
	if _, err := buildApp(context.Background(), cfg); err == nil {
		t.Fatal("expected error when the default embedder has no credentials")
	}
}

func TestInitWritesConfigAndAgent(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.json")
	defer func() { configPath = "" }()
	t.Setenv("HOME", dir)

	cmd := initCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	agents, err := config.LoadAgents(cfg.Agents.Dir, cfg.General.DefaultTenant, logger)
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	if p := agents.Lookup(cfg.General.DefaultTenant); p.Name != "Sophie" {
		t.Fatalf("sample agent = %+v", p)
	}

	again := initCmd()
	again.SetArgs([]string{})
	if err := again.Execute(); err == nil {
		t.Fatal("second init without --force should fail")
	}
}
