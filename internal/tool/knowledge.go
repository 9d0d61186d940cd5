package tool

import (
	"context"
	"fmt"

	"omnicontact/internal/domain"
	"omnicontact/internal/knowledge"
)

const searchKnowledgeTopK = 3

// Asker is the RAG entry point used by search_knowledge.
type Asker interface {
	Ask(ctx context.Context, q knowledge.Query) (*knowledge.Result, error)
}

// SearchKnowledge answers a question from the tenant's knowledge base.
type SearchKnowledge struct {
	asker Asker
}

func NewSearchKnowledge(asker Asker) *SearchKnowledge {
	return &SearchKnowledge{asker: asker}
}

func (t *SearchKnowledge) Name() string { return "search_knowledge" }

func (t *SearchKnowledge) Description() string {
	return "Search the company knowledge base (services, prices, opening hours, policies, properties) to answer the customer's question."
}

func (t *SearchKnowledge) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"query": {Type: "string", Description: "The question or keywords to look up"},
	}, []string{"query"})
}

func (t *SearchKnowledge) Execute(ctx context.Context, scope domain.ToolScope, args map[string]any) (domain.ToolResult, error) {
	if err := requireArgs(t.Name(), args, "query"); err != nil {
		return domain.ToolResult{}, err
	}
	res, err := t.asker.Ask(ctx, knowledge.Query{
		Question: ArgsString(args, "query"),
		TenantID: scope.TenantID,
		AgentID:  scope.AgentID,
		TopK:     searchKnowledgeTopK,
	})
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("search_knowledge: %w", err)
	}
	return domain.ToolResult{Context: res.Answer}, nil
}
