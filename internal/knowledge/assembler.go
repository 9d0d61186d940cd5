// Package knowledge answers questions from a tenant's indexed documents.
package knowledge

import (
	"slices"
	"strings"

	"omnicontact/internal/domain"
)

// DefaultMaxContextTokens bounds the assembled context when no limit is given.
const DefaultMaxContextTokens = 2000

const (
	chunkSeparator  = "\n\n---\n\n"
	unknownDocument = "Unknown document"
)

// AssembledContext is the prompt-ready context built from retrieved chunks.
type AssembledContext struct {
	Context    string          `json:"context"`
	TokensUsed int             `json:"tokensUsed"`
	ChunkIDs   []string        `json:"chunkIds"`
	Sources    []domain.Source `json:"sources"`
}

// Assemble packs the highest-scoring chunks into at most maxTokens tokens.
// It stops at the first chunk that does not fit; lower-scoring chunks are not
// tried after that, and a chunk is never truncated.
func Assemble(chunks []domain.ScoredChunk, maxTokens int) AssembledContext {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}

	ranked := slices.Clone(chunks)
	slices.SortStableFunc(ranked, func(a, b domain.ScoredChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	out := AssembledContext{ChunkIDs: []string{}, Sources: []domain.Source{}}
	var parts []string
	seen := make(map[domain.Source]bool)
	for _, c := range ranked {
		tokens := EstimateTokens(c.Chunk)
		if out.TokensUsed+tokens > maxTokens {
			break
		}
		out.TokensUsed += tokens
		out.ChunkIDs = append(out.ChunkIDs, c.ID)
		parts = append(parts, "[Source: "+sourceLabel(c.Chunk)+"]\n"+c.Content)

		src := domain.Source{Title: c.DocumentTitle, URL: c.DocumentURL}
		if !seen[src] {
			seen[src] = true
			out.Sources = append(out.Sources, src)
		}
	}
	out.Context = strings.Join(parts, chunkSeparator)
	return out
}

// EstimateTokens uses the stored token count, else one token per four characters.
func EstimateTokens(c domain.Chunk) int {
	if c.TokenCount > 0 {
		return c.TokenCount
	}
	return (len(c.Content) + 3) / 4
}

func sourceLabel(c domain.Chunk) string {
	switch {
	case c.DocumentTitle != "":
		return c.DocumentTitle
	case c.DocumentURL != "":
		return c.DocumentURL
	}
	return unknownDocument
}
