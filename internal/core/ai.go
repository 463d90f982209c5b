package core

import (
	"context"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// EmbeddingProvider returns one vector per input text, in input order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// LLMProvider produces a completion for an ordered list of prompt turns.
type LLMProvider interface {
	Complete(ctx context.Context, messages []models.PromptMessage) (string, error)
}
