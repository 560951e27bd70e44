package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/abdhe/llm-dispatch/pkg/metrics"
	"github.com/abdhe/llm-dispatch/pkg/provider"
)

// CachingAdapter decorates an Adapter so LogProbs only sends cache misses to
// the backend. Generation is sampled and always passes through.
type CachingAdapter struct {
	provider.Adapter
	store  Store
	model  string
	logger *slog.Logger
}

// NewCachingAdapter wraps next. model is part of every key, so results of
// different models never collide.
func NewCachingAdapter(next provider.Adapter, store Store, model string) *CachingAdapter {
	return &CachingAdapter{
		Adapter: next,
		store:   store,
		model:   model,
		logger:  slog.Default().With("component", "cache", "backend", next.Name()),
	}
}

// LogProbs serves hits from the store and forwards the misses as one batch,
// keeping their relative order. Store errors are logged and treated as misses,
// so a broken cache only costs backend calls.
func (c *CachingAdapter) LogProbs(ctx context.Context, texts []string) ([]provider.LogProbs, error) {
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	cached, err := c.store.GetMany(ctx, keys)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", "err", err)
		metrics.RecordCacheLookup("error")
		cached = make([]*provider.LogProbs, len(texts))
	}

	out := make([]provider.LogProbs, len(texts))
	var missIdx []int
	var missTexts, missKeys []string
	for i, hit := range cached {
		if hit != nil {
			out[i] = *hit
			metrics.RecordCacheLookup("hit")
			continue
		}
		metrics.RecordCacheLookup("miss")
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
		missKeys = append(missKeys, keys[i])
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	fresh, err := c.Adapter.LogProbs(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("cache: %s returned %d results for %d texts: %w",
			c.Adapter.Name(), len(fresh), len(missTexts), provider.ErrResponseInvalid)
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
	}

	if err := c.store.SetMany(ctx, missKeys, fresh); err != nil {
		c.logger.Warn("cache store failed", "err", err)
	}
	return out, nil
}

// key is a deterministic cache key for text scored by this backend and model.
func (c *CachingAdapter) key(text string) string {
	hash := sha256.Sum256([]byte(c.Adapter.Name() + "|" + c.model + "|" + text))
	return fmt.Sprintf("llm_logprobs:%x", hash[:16])
}
