package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/core/llm"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// Retriever finds the chunks of one ready document most similar to a query.
// It must share the embedding provider (and model) used at indexing time.
type Retriever struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	retry    llm.RetryPolicy
	topK     int
	dim      int
}

func NewRetriever(db core.DbClient, embedder core.EmbeddingProvider, retry llm.RetryPolicy, defaultTopK, dim int) *Retriever {
	return &Retriever{
		db:       db,
		embedder: embedder,
		retry:    retry,
		topK:     max(defaultTopK, 1),
		dim:      dim,
	}
}

// Retrieve ranks the document's chunks by cosine similarity to query (ties to
// the lower seq), keeps the top topK, packs them greedily into maxTokens and
// returns the survivors in sequence order. topK <= 0 uses the default and
// maxTokens <= 0 disables the budget.
func (r *Retriever) Retrieve(ctx context.Context, documentID, query string, topK, maxTokens int) ([]models.ScoredChunk, error) {
	const op = "retrieve"

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.Errorf(core.KindInvalidInput, op, "empty query")
	}
	doc, err := r.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.StatusReady {
		return nil, core.Errorf(core.KindNotReady, op, "document %s is %s", documentID, doc.Status)
	}
	if topK <= 0 {
		topK = r.topK
	}

	vecs, err := llm.Retry(ctx, r.retry, "embed query", func(ctx context.Context) ([][]float32, error) {
		return r.embedder.EmbedTexts(ctx, []string{query})
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, core.Errorf(core.KindInternal, op, "got %d query vectors", len(vecs))
	}
	if r.dim > 0 && len(vecs[0]) != r.dim {
		return nil, core.Errorf(core.KindInternal, op, "query vector dimension %d, want %d", len(vecs[0]), r.dim)
	}

	ranked, err := r.db.SearchChunks(ctx, documentID, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	Rank(ranked)
	selected := Pack(ranked, maxTokens)
	sort.Slice(selected, func(i, j int) bool { return selected[i].Seq < selected[j].Seq })

	zap.S().Infow("Retriever: chunks selected", "document_id", documentID,
		"candidates", len(ranked), "selected", len(selected), "top_k", topK, "max_tokens", maxTokens)
	return selected, nil
}

// Rank orders chunks by descending score, then ascending seq.
func Rank(chunks []models.ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Seq < chunks[j].Seq
	})
}

// Pack takes ranked chunks in order until the next one would push the total
// past maxTokens.
func Pack(ranked []models.ScoredChunk, maxTokens int) []models.ScoredChunk {
	if maxTokens <= 0 {
		return append([]models.ScoredChunk(nil), ranked...)
	}
	var (
		out  []models.ScoredChunk
		used int
	)
	for _, c := range ranked {
		if used+c.TokenCount > maxTokens {
			break
		}
		used += c.TokenCount
		out = append(out, c)
	}
	return out
}
