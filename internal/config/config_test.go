package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"omnicontact/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_HistoryLimit_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.General.HistoryLimit = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyLimit=1 should be valid: %v", err)
	}
	cfg.General.HistoryLimit = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyLimit=100 should be valid: %v", err)
	}
	cfg.General.HistoryLimit = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for historyLimit=0")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_UnknownBackends(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Backend: "sk-ant-guess"}}
	cfg.Embedding.Default = "cohere"
	cfg.VectorIndex.Backend = "faiss"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"llm.providers[0].backend", "embedding.default", "vectorIndex.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_ClaudeAlias(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Backend: "claude"}, {Backend: "openai"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("claude should be accepted: %v", err)
	}
}

func TestValidate_PGVectorNeedsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.VectorIndex.Backend = "pgvector"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for pgvector on sqlite")
	}
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://localhost/omnicontact"
	if err := Validate(cfg); err != nil {
		t.Fatalf("pgvector on postgres should be valid: %v", err)
	}
}

func TestValidate_ChunkOverlap(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.ChunkOverlap = cfg.Knowledge.ChunkSize
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for overlap >= chunk size")
	}
}

func TestValidate_EnabledChannelsNeedCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.SMS.Enabled = true
	cfg.Channels.WhatsApp.Enabled = true
	cfg.Channels.Email.Enabled = true

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"channels.sms", "channels.whatsapp", "channels.email"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.General.DefaultTenant = "acme"
	original.Store.DSN = filepath.Join(dir, "data.db")

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.DefaultTenant != "acme" {
		t.Fatalf("expected 'acme', got %q", loaded.General.DefaultTenant)
	}
	if loaded.Store.DSN != original.Store.DSN {
		t.Fatalf("dsn = %q", loaded.Store.DSN)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"general": {"historyLimit": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for historyLimit=0")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"server": {"port": 9000}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Knowledge.MaxContextTokens != 2000 {
		t.Fatalf("defaults lost: %+v", cfg.Server)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_OMNI_TWILIO_TOKEN", "tw-secret")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"channels": {
			"sms": {
				"enabled": true,
				"accountSid": "AC123",
				"authToken": "${TEST_OMNI_TWILIO_TOKEN}",
				"fromNumber": "${TEST_OMNI_FROM:-+15550001111}"
			}
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Channels.SMS.AuthToken != "tw-secret" {
		t.Fatalf("authToken = %q", cfg.Channels.SMS.AuthToken)
	}
	if cfg.Channels.SMS.FromNumber != "+15550001111" {
		t.Fatalf("fromNumber = %q", cfg.Channels.SMS.FromNumber)
	}
}

// --- Agents ---

func TestLoadAgents_ReadsYAMLDirectory(t *testing.T) {
	dir := t.TempDir()
	acme := `tenant_id: acme
name: Lea
company_name: Acme Realty
language: fr
transfer_number: "+33100000000"
denied_tools:
  - book_appointment
`
	os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(acme), 0o644)
	os.WriteFile(filepath.Join(dir, "globex.yml"), []byte("name: Sam\ncompany_name: Globex\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [unclosed"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	agents, err := LoadAgents(dir, "acme", testLogger())
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}

	if got := agents.Tenants(); len(got) != 2 || got[0] != "acme" || got[1] != "globex" {
		t.Fatalf("tenants = %v", got)
	}
	a := agents.Lookup("acme")
	if a.Name != "Lea" || a.Language != "fr" || a.TransferNumber != "+33100000000" {
		t.Fatalf("acme = %+v", a)
	}
	if len(a.DeniedTools) != 1 || a.DeniedTools[0] != "book_appointment" {
		t.Fatalf("denied tools = %v", a.DeniedTools)
	}
	if g := agents.Lookup("globex"); g.TenantID != "globex" || g.CompanyName != "Globex" {
		t.Fatalf("globex = %+v", g)
	}
}

func TestAgentDirectory_UnknownTenantUsesFallback(t *testing.T) {
	agents := NewAgentDirectory("default", domain.AgentConfig{TenantID: "default", Name: "Max"})

	got := agents.Lookup("walk-in")
	if got.Name != "Max" || got.TenantID != "walk-in" {
		t.Fatalf("lookup = %+v", got)
	}

	empty := NewAgentDirectory("none")
	if got := empty.Lookup("x").WithDefaults(); got.GreetingMessage != domain.DefaultGreeting {
		t.Fatalf("expected built-in defaults, got %+v", got)
	}
}

func TestLoadAgents_MissingDirectory(t *testing.T) {
	agents, err := LoadAgents(filepath.Join(t.TempDir(), "absent"), "default", testLogger())
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	if len(agents.Tenants()) != 0 {
		t.Fatalf("expected no tenants, got %v", agents.Tenants())
	}
}

func TestWriteAgent_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteAgent(dir, domain.AgentConfig{TenantID: "acme", Name: "Lea", AllowedTools: []string{"search_knowledge"}})
	if err != nil {
		t.Fatalf("WriteAgent: %v", err)
	}
	if filepath.Base(path) != "acme.yaml" {
		t.Fatalf("path = %s", path)
	}

	agents, err := LoadAgents(dir, "", testLogger())
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	got := agents.Lookup("acme")
	if got.Name != "Lea" || len(got.AllowedTools) != 1 {
		t.Fatalf("round trip = %+v", got)
	}

	if _, err := WriteAgent(dir, domain.AgentConfig{}); err == nil {
		t.Fatal("expected error without tenant id")
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Fatalf("addr = %s", cfg.Server.Addr())
	}
	if cfg.VectorIndex.Backend != "memory" {
		t.Fatalf("default index backend should be memory, got %q", cfg.VectorIndex.Backend)
	}
}
