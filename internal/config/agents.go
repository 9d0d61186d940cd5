package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"omnicontact/internal/domain"

	"gopkg.in/yaml.v3"
)

// AgentDirectory serves per-tenant agent profiles loaded from YAML files.
// Unknown tenants get the fallback tenant's profile, or the built-in defaults.
type AgentDirectory struct {
	mu       sync.RWMutex
	profiles map[string]domain.AgentConfig
	fallback string
}

// NewAgentDirectory builds a directory from profiles already in memory.
func NewAgentDirectory(fallback string, profiles ...domain.AgentConfig) *AgentDirectory {
	d := &AgentDirectory{profiles: make(map[string]domain.AgentConfig), fallback: fallback}
	for _, p := range profiles {
		d.profiles[p.TenantID] = p
	}
	return d
}

// LoadAgents reads every .yaml / .yml file in dir. Each file holds one profile;
// a missing tenant_id is taken from the file name. A missing directory yields
// an empty directory. Unreadable or malformed files are skipped with a warning.
func LoadAgents(dir, fallback string, logger *slog.Logger) (*AgentDirectory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := NewAgentDirectory(fallback)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("agents directory does not exist, using defaults", "dir", dir)
		return d, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read agent file", "path", path, "err", err)
			continue
		}

		var profile domain.AgentConfig
		if err := yaml.Unmarshal(data, &profile); err != nil {
			logger.Warn("cannot parse agent file", "path", path, "err", err)
			continue
		}
		if profile.TenantID == "" {
			profile.TenantID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if _, dup := d.profiles[profile.TenantID]; dup {
			logger.Warn("duplicate agent profile ignored", "tenant", profile.TenantID, "path", path)
			continue
		}

		logger.Info("loaded agent profile", "tenant", profile.TenantID, "path", path)
		d.profiles[profile.TenantID] = profile
	}
	return d, nil
}

// Lookup implements domain.AgentDirectory.
func (d *AgentDirectory) Lookup(tenantID string) domain.AgentConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.profiles[tenantID]; ok {
		return p
	}
	p := d.profiles[d.fallback]
	p.TenantID = tenantID
	return p
}

// Put adds or replaces a profile.
func (d *AgentDirectory) Put(p domain.AgentConfig) {
	d.mu.Lock()
	d.profiles[p.TenantID] = p
	d.mu.Unlock()
}

// Tenants lists the configured tenant ids in order.
func (d *AgentDirectory) Tenants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.profiles))
	for id := range d.profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WriteAgent saves a profile as <dir>/<tenant>.yaml.
func WriteAgent(dir string, p domain.AgentConfig) (string, error) {
	if p.TenantID == "" {
		return "", fmt.Errorf("agent profile needs a tenant id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create agents directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cannot marshal agent profile: %w", err)
	}
	path := filepath.Join(dir, p.TenantID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("cannot write agent profile: %w", err)
	}
	return path, nil
}
