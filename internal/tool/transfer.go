package tool

import (
	"context"

	"omnicontact/internal/domain"
)

// TransferToHuman hands the conversation to a person. It produces a terminal
// action and no context, so it never leads to another model call on its own.
type TransferToHuman struct{}

func (TransferToHuman) Name() string { return "transfer_to_human" }

func (TransferToHuman) Description() string {
	return "Transfer the customer to a human advisor when they ask for one, are frustrated, or you cannot help."
}

func (TransferToHuman) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"reason": {Type: "string", Description: "Why the customer needs a human"},
	}, nil)
}

func (TransferToHuman) Execute(ctx context.Context, scope domain.ToolScope, args map[string]any) (domain.ToolResult, error) {
	reason := ArgsString(args, "reason")
	if reason == "" {
		reason = "customer_request"
	}
	return domain.ToolResult{Action: &domain.Action{
		Type:        domain.ActionTransfer,
		Reason:      reason,
		Destination: scope.Agent.TransferNumber,
	}}, nil
}
