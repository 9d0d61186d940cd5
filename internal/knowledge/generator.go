package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"omnicontact/internal/domain"
)

const defaultAnswerMaxTokens = 1024

const generatorSystemPrompt = "You answer questions using only the context you are given."

// Answer is a generated, context-grounded reply.
type Answer struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

type GeneratorConfig struct {
	Provider  domain.Provider
	MaxTokens int
	Logger    *slog.Logger
}

// Generator asks the language model to answer from an assembled context.
type Generator struct {
	provider  domain.Provider
	maxTokens int
	logger    *slog.Logger
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnswerMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Generator{provider: cfg.Provider, maxTokens: cfg.MaxTokens, logger: cfg.Logger}
}

func (g *Generator) Generate(ctx context.Context, question, contextText string) (Answer, error) {
	resp, err := g.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: generatorSystemPrompt},
			{Role: domain.RoleUser, Content: groundedPrompt(question, contextText)},
		},
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}
	model := resp.Model
	if model == "" {
		model = g.provider.Model()
	}
	g.logger.Debug("answer generated", "provider", g.provider.Name(), "model", model, "latency_ms", resp.LatencyMs)
	return Answer{
		Text:     strings.TrimSpace(resp.Content),
		Model:    model,
		Provider: g.provider.Name(),
	}, nil
}

func groundedPrompt(question, contextText string) string {
	var b strings.Builder
	b.WriteString("Using the following context, answer the question precisely and concisely.\n\n")
	b.WriteString("CONTEXT:\n")
	b.WriteString(contextText)
	b.WriteString("\n\nQUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\nINSTRUCTIONS:\n")
	b.WriteString("- Answer only from the context above\n")
	b.WriteString("- If the context does not contain the answer, say so clearly\n")
	b.WriteString("- Be precise and factual")
	return b.String()
}
