package domain

import "context"

// Tool is a model-invocable capability (knowledge search, scheduling, transfer).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, scope ToolScope, args map[string]any) (ToolResult, error)
}

// ToolScope carries the conversation a tool call belongs to.
type ToolScope struct {
	TenantID       string
	AgentID        string
	ConversationID string
	Channel        Channel
	Address        string
	Agent          AgentConfig
}

// ToolResult is either context for a follow-up model call, a terminal action, or both.
type ToolResult struct {
	Context string
	Action  *Action
}

type ActionType string

const (
	ActionTransfer ActionType = "transfer"
	ActionHangup   ActionType = "hangup"
)

// Action is a conversation-level signal surfaced to the channel instead of text.
type Action struct {
	Type        ActionType `json:"action"`
	Reason      string     `json:"reason,omitempty"`
	Destination string     `json:"destination,omitempty"`
}
