package llm

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

var (
	_ core.EmbeddingProvider = (*LimitedEmbedder)(nil)
	_ core.LLMProvider       = (*LimitedLLM)(nil)
)

// LimitedEmbedder caps in-flight embedding calls process-wide and, when rps > 0,
// the rate at which they start.
type LimitedEmbedder struct {
	inner   core.EmbeddingProvider
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func NewLimitedEmbedder(inner core.EmbeddingProvider, concurrency int, rps float64) *LimitedEmbedder {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &LimitedEmbedder{inner: inner, sem: semaphore.NewWeighted(int64(concurrency))}
	if rps > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
	}
	return l
}

func (l *LimitedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.inner.EmbedTexts(ctx, texts)
}

// LimitedLLM caps in-flight completion calls process-wide.
type LimitedLLM struct {
	inner core.LLMProvider
	sem   *semaphore.Weighted
}

func NewLimitedLLM(inner core.LLMProvider, concurrency int) *LimitedLLM {
	if concurrency < 1 {
		concurrency = 1
	}
	return &LimitedLLM{inner: inner, sem: semaphore.NewWeighted(int64(concurrency))}
}

func (l *LimitedLLM) Complete(ctx context.Context, msgs []models.PromptMessage) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.Complete(ctx, msgs)
}
