package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnicontact/internal/domain"
	"omnicontact/internal/metrics"
	"omnicontact/internal/tool"
)

const (
	defaultLLMMaxTokens = 512
	defaultTemperature  = 0.4

	// neutralToolResult replaces the output of a failed tool so the model
	// never sees internal errors.
	neutralToolResult = "No information found."
	transferAck       = "Transfer to a human advisor has been initiated."
)

// ErrModelUnavailable is returned when a model call fails. Model calls are not retried.
var ErrModelUnavailable = errors.New("agent: model unavailable")

// Loop runs one conversational turn: call the model, execute the tools it asks
// for, and make at most one follow-up call with their results.
type Loop struct {
	provider    domain.Provider
	tools       *tool.Registry
	rateLimiter *RateLimiter
	maxTokens   int
	temperature float64
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// LoopConfig holds all dependencies and tuning parameters for the turn loop.
type LoopConfig struct {
	Provider    domain.Provider
	Tools       *tool.Registry
	RateLimiter *RateLimiter // optional: throttles model calls process-wide
	MaxTokens   int
	Temperature float64
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewLoop creates a turn loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry(cfg.Logger)
	}
	return &Loop{
		provider:    cfg.Provider,
		tools:       cfg.Tools,
		rateLimiter: cfg.RateLimiter,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// TurnInput is everything the loop needs for one turn.
type TurnInput struct {
	Scope        domain.ToolScope
	SystemPrompt string
	History      []domain.Message
	Text         string
}

// TurnOutput is the result of a completed turn.
type TurnOutput struct {
	Text       string
	Actions    []domain.Action
	ToolsUsed  []string
	ModelCalls int
	Provider   string
	Model      string
}

// HasAction reports whether the turn produced an action of type t.
func (o *TurnOutput) HasAction(t domain.ActionType) bool {
	for _, a := range o.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Run executes one turn. Empty model text is replaced by the agent's fallback
// utterance, or its transfer utterance when the turn ends in a transfer.
func (l *Loop) Run(ctx context.Context, in TurnInput) (*TurnOutput, error) {
	agent := in.Scope.Agent.WithDefaults()
	filter := filterFor(agent)
	toolDefs := filter.FilterDefinitions(l.tools.GetDefinitions())

	messages := make([]domain.Message, 0, len(in.History)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: in.SystemPrompt})
	messages = append(messages, in.History...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: in.Text})

	out := &TurnOutput{Provider: l.provider.Name(), Model: l.provider.Model()}

	resp, err := l.chat(ctx, messages, toolDefs)
	out.ModelCalls++
	if err != nil {
		return out, err
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}

	if !resp.HasToolCalls() {
		out.Text = resp.Content
		l.finish(out, agent)
		return out, nil
	}

	messages = append(messages, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	// Tools run one at a time in the order the model asked for them.
	needsFollowUp := false
	for _, tc := range resp.ToolCalls {
		out.ToolsUsed = append(out.ToolsUsed, tc.Name)
		result := l.executeTool(ctx, in.Scope, filter, tc)
		if result.Action != nil {
			out.Actions = append(out.Actions, *result.Action)
		}

		content := result.Context
		switch {
		case content != "":
			needsFollowUp = true
		case result.Action != nil && result.Action.Type == domain.ActionTransfer:
			content = transferAck
		default:
			content = neutralToolResult
			needsFollowUp = true
		}
		messages = append(messages, domain.Message{
			Role:       domain.RoleTool,
			Content:    content,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		})
	}

	if !needsFollowUp {
		out.Text = resp.Content
		l.finish(out, agent)
		return out, nil
	}

	final, err := l.chat(ctx, messages, toolDefs)
	out.ModelCalls++
	if err != nil {
		return out, err
	}
	if final.HasToolCalls() {
		l.logger.Debug("ignoring tool calls in follow-up response", "count", len(final.ToolCalls))
	}
	out.Text = final.Content
	l.finish(out, agent)
	return out, nil
}

func (l *Loop) finish(out *TurnOutput, agent domain.AgentConfig) {
	if out.Text != "" {
		return
	}
	if out.HasAction(domain.ActionTransfer) {
		out.Text = agent.TransferMessage
		return
	}
	out.Text = agent.FallbackMessage
}

func (l *Loop) chat(ctx context.Context, messages []domain.Message, toolDefs []domain.ToolDefinition) (*domain.ChatResponse, error) {
	if l.rateLimiter != nil {
		if err := l.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %w", ErrModelUnavailable, err)
		}
	}

	start := time.Now()
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Tools:       toolDefs,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	})
	l.metrics.ModelCall(l.provider.Name(), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, l.provider.Name(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s returned no response", ErrModelUnavailable, l.provider.Name())
	}
	l.logger.Debug("model call", "provider", l.provider.Name(), "tool_calls", len(resp.ToolCalls),
		"latency_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// executeTool never fails the turn: errors become an empty result and are logged.
func (l *Loop) executeTool(ctx context.Context, scope domain.ToolScope, filter *ToolFilter, tc domain.ToolCall) domain.ToolResult {
	if !filter.IsAllowed(tc.Name) {
		l.logger.Warn("model requested a tool outside the agent's allow list",
			"tool", tc.Name, "tenant", scope.TenantID)
		l.metrics.ToolCall(tc.Name, "denied")
		return domain.ToolResult{}
	}

	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			l.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	result, err := l.tools.Execute(ctx, scope, tc.Name, tc.Arguments)
	if err != nil {
		l.logger.Warn("tool execution failed", "tool", tc.Name, "conversation", scope.ConversationID, "err", err)
		l.metrics.ToolCall(tc.Name, "error")
		return domain.ToolResult{}
	}
	l.metrics.ToolCall(tc.Name, "ok")
	l.logger.Debug("tool completed", "tool", tc.Name, "context_len", len(result.Context))
	return result
}
