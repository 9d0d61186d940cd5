// Package tool holds the capabilities the language model may invoke during a turn.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"omnicontact/internal/domain"
)

// Registry holds all available tools and executes them.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

func (r *Registry) Register(t domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", "name", t.Name())
}

func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *Registry) Execute(ctx context.Context, scope domain.ToolScope, name string, args map[string]any) (domain.ToolResult, error) {
	t := r.Get(name)
	if t == nil {
		return domain.ToolResult{}, fmt.Errorf("unknown tool: %s (available: %v)", name, r.Names())
	}
	return t.Execute(ctx, scope, args)
}

// GetDefinitions returns the tool schemas offered to the model, sorted by name.
func (r *Registry) GetDefinitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Knowledge Asker
	Scheduler domain.Scheduler
}

// RegisterDefaults registers the built-in tools whose collaborators are set.
func RegisterDefaults(r *Registry, deps Deps) {
	if deps.Knowledge != nil {
		r.Register(NewSearchKnowledge(deps.Knowledge))
	}
	if deps.Scheduler != nil {
		r.Register(NewCheckAvailability(deps.Scheduler))
		r.Register(NewBookAppointment(deps.Scheduler))
	}
	r.Register(TransferToHuman{})
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ArgsString reads a string argument. Numbers are formatted without exponent
// so phone numbers sent as JSON numbers survive.
func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// MissingArgError reports a required argument the model left out.
type MissingArgError struct {
	Tool, Arg string
}

func (e *MissingArgError) Error() string {
	return fmt.Sprintf("%s: missing required argument %q", e.Tool, e.Arg)
}

func requireArgs(tool string, args map[string]any, keys ...string) error {
	for _, k := range keys {
		if ArgsString(args, k) == "" {
			return &MissingArgError{Tool: tool, Arg: k}
		}
	}
	return nil
}
