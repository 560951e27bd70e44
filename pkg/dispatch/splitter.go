package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdhe/llm-dispatch/pkg/metrics"
	"github.com/abdhe/llm-dispatch/pkg/provider"
	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// callFunc is one adapter call for a batch.
type callFunc[T any] func(ctx context.Context, batch []string) ([]T, error)

// span is a sub-batch [lo, hi) of a chunk awaiting dispatch.
type span struct {
	lo, hi int
	depth  int
}

// splitter sends a chunk through the executor and halves any sub-batch the
// backend rejects as too large.
type splitter[T any] struct {
	exec    *resilience.Executor
	call    callFunc[T]
	perItem int // results per item: n for generation, 1 for log probs
	backend string
	mode    Mode
	logger  *slog.Logger
}

// dispatch runs batch to completion. base is the index of batch[0] in the
// caller's request list. Spans are taken from a LIFO stack with the first
// half pushed last, so sub-batches finish strictly left to right and results
// are appended in input order.
func (s *splitter[T]) dispatch(ctx context.Context, batch []string, base int) ([]T, error) {
	out := make([]T, 0, len(batch)*s.perItem)
	stack := []span{{lo: 0, hi: len(batch)}}

	for len(stack) > 0 {
		sp := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sub := batch[sp.lo:sp.hi]

		res, err := s.send(ctx, sub)
		if err == nil {
			out = append(out, res...)
			continue
		}
		if !errors.Is(err, provider.ErrBatchTooLarge) {
			return nil, err
		}
		if len(sub) == 1 {
			return nil, &ItemTooLargeError{Index: base + sp.lo, Item: sub[0], Err: err}
		}

		mid := sp.lo + len(sub)/2
		metrics.SplitsTotal.WithLabelValues(s.backend, s.mode.String()).Inc()
		s.logger.Debug("batch too large, splitting",
			"size", len(sub), "first", mid-sp.lo, "second", sp.hi-mid, "depth", sp.depth+1)
		stack = append(stack,
			span{lo: mid, hi: sp.hi, depth: sp.depth + 1},
			span{lo: sp.lo, hi: mid, depth: sp.depth + 1},
		)
	}
	return out, nil
}

// send makes one executor-guarded call for sub and checks the result count.
func (s *splitter[T]) send(ctx context.Context, sub []string) ([]T, error) {
	return resilience.Do(ctx, s.exec, func(ctx context.Context) ([]T, error) {
		start := time.Now()
		res, err := s.call(ctx, sub)
		metrics.BatchesTotal.WithLabelValues(s.backend, s.mode.String()).Inc()
		metrics.BackendLatency.WithLabelValues(s.backend, s.mode.String(), callStatus(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		if want := len(sub) * s.perItem; len(res) != want {
			return nil, fmt.Errorf("%s: got %d results for %d items: %w", s.backend, len(res), len(sub), provider.ErrResponseInvalid)
		}
		return res, nil
	})
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, provider.ErrBatchTooLarge):
		return "too_large"
	default:
		return "error"
	}
}
