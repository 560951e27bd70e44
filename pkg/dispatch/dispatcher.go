// Package dispatch turns caller requests into backend calls: fixed-size
// chunking, adaptive halving of batches the backend rejects as too large,
// retry of transient failures, and range alignment of log-prob results.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abdhe/llm-dispatch/pkg/align"
	"github.com/abdhe/llm-dispatch/pkg/metrics"
	"github.com/abdhe/llm-dispatch/pkg/provider"
	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// Mode is the kind of backend call a dispatch makes.
type Mode int

const (
	ModeGenerate Mode = iota
	ModeLogProbs
	ModeInsert
	ModeComplete
)

func (m Mode) String() string {
	switch m {
	case ModeGenerate:
		return "generate"
	case ModeLogProbs:
		return "logprobs"
	case ModeInsert:
		return "insert"
	case ModeComplete:
		return "complete"
	}
	return "unknown"
}

// Config holds the dispatcher configuration. It is read-only once the
// Dispatcher is built and may be shared by concurrent calls.
type Config struct {
	BatchSize int // items per backend call before adaptive splitting

	// Concurrency is the number of chunks in flight; 1 or less is fully
	// sequential. Output order never depends on it.
	Concurrency int

	// SkipConfirm bypasses the Confirmer.
	SkipConfirm bool

	Retry resilience.RetryConfig

	// Breaker enables a circuit breaker around backend calls when non-nil.
	Breaker *resilience.CircuitBreakerConfig
}

// Estimate describes a pending dispatch to a Confirmer.
type Estimate struct {
	Backend     string
	Mode        Mode
	Items       int
	Completions int // items * n; equals Items for log probs
	Chars       int // total characters across items
}

// Confirmer approves a dispatch before any backend call is made. A non-nil
// error aborts the dispatch.
type Confirmer interface {
	Confirm(ctx context.Context, e Estimate) error
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, e Estimate) error

func (f ConfirmFunc) Confirm(ctx context.Context, e Estimate) error { return f(ctx, e) }

// Dispatcher drives request lists through one backend adapter.
type Dispatcher struct {
	adapter   provider.Adapter
	exec      *resilience.Executor
	cfg       Config
	confirmer Confirmer
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfirmer sets the hook consulted before each dispatch.
func WithConfirmer(c Confirmer) Option {
	return func(d *Dispatcher) { d.confirmer = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher for adapter.
func New(adapter provider.Adapter, cfg Config, opts ...Option) (*Dispatcher, error) {
	if adapter == nil {
		return nil, fmt.Errorf("dispatch: %w: nil adapter", ErrInvalidConfiguration)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("dispatch: %w: batch size must be positive, got %d", ErrInvalidConfiguration, cfg.BatchSize)
	}

	d := &Dispatcher{
		adapter: adapter,
		cfg:     cfg,
		logger:  slog.Default().With("component", "dispatch"),
	}
	for _, o := range opts {
		o(d)
	}

	backend := adapter.Name()
	execOpts := []resilience.ExecutorOption{
		resilience.WithPermanent(provider.IsPermanent),
		resilience.WithLogger(d.logger.With("backend", backend)),
		resilience.WithRetryHook(func(int, error) {
			metrics.RetriesTotal.WithLabelValues(backend).Inc()
		}),
	}
	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		bc.IsFailure = func(err error) bool { return !provider.IsPermanent(err) }
		bc.OnStateChange = func(s resilience.CircuitState) {
			metrics.CircuitBreakerState.WithLabelValues(backend).Set(float64(s))
			d.logger.Info("circuit breaker state changed", "backend", backend, "state", s.String())
		}
		execOpts = append(execOpts, resilience.WithBreaker(resilience.NewCircuitBreaker(bc)))
	}
	d.exec = resilience.NewExecutor(cfg.Retry, execOpts...)
	return d, nil
}

// GenerateText returns n completions per prompt: len(prompts)*n strings,
// grouped by prompt in input order.
func (d *Dispatcher) GenerateText(ctx context.Context, prompts []string, n int) ([]string, error) {
	mode := ModeGenerate
	if d.adapter.Kind() == provider.KindInsert {
		mode = ModeInsert
	}
	return run(ctx, d, mode, prompts, n, n, func(ctx context.Context, batch []string) ([]string, error) {
		return d.adapter.Generate(ctx, batch, n)
	})
}

// Complete is GenerateText returning the raw backend records.
func (d *Dispatcher) Complete(ctx context.Context, prompts []string, n int) ([]provider.Choice, error) {
	return run(ctx, d, ModeComplete, prompts, n, n, func(ctx context.Context, batch []string) ([]provider.Choice, error) {
		return d.adapter.Complete(ctx, batch, n)
	})
}

// GetLogProbs returns per-token log-probabilities and tokens for each text.
// When ranges is non-nil it must hold one range per text, and each result is
// trimmed to the tokens covering its range. Ranges are checked before any
// backend call.
func (d *Dispatcher) GetLogProbs(ctx context.Context, texts []string, ranges []align.Range) ([][]float64, [][]string, error) {
	seqs, err := d.LogProbs(ctx, texts, ranges)
	if err != nil {
		return nil, nil, err
	}
	logProbs := make([][]float64, len(seqs))
	tokens := make([][]string, len(seqs))
	for i, s := range seqs {
		logProbs[i] = s.TokenLogProbs
		tokens[i] = s.Tokens
	}
	return logProbs, tokens, nil
}

// LogProbs is GetLogProbs keeping tokens, log-probs and offsets together.
func (d *Dispatcher) LogProbs(ctx context.Context, texts []string, ranges []align.Range) ([]provider.LogProbs, error) {
	if ranges != nil {
		if len(ranges) != len(texts) {
			return nil, fmt.Errorf("dispatch: %w: got %d ranges for %d texts", align.ErrInvalidRange, len(ranges), len(texts))
		}
		for i, r := range ranges {
			if err := r.Validate(texts[i]); err != nil {
				return nil, fmt.Errorf("dispatch: text %d: %w", i, err)
			}
		}
	}

	seqs, err := run(ctx, d, ModeLogProbs, texts, 1, 1, d.adapter.LogProbs)
	if err != nil {
		return nil, err
	}
	if ranges != nil {
		for i := range seqs {
			seqs[i] = align.Trim(seqs[i], ranges[i])
		}
	}
	return seqs, nil
}

// chunk is a contiguous run of at most BatchSize request items.
type chunk struct {
	start int
	items []string
}

func chunks(items []string, size int) []chunk {
	out := make([]chunk, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		out = append(out, chunk{start: i, items: items[i:end]})
	}
	return out
}

// run is the dispatch core shared by every mode: validate, confirm, chunk,
// send each chunk through the splitter, and concatenate in chunk order.
func run[T any](ctx context.Context, d *Dispatcher, mode Mode, items []string, n, perItem int, call callFunc[T]) ([]T, error) {
	if err := d.validate(mode, n); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []T{}, nil
	}
	if err := d.confirm(ctx, mode, items, n); err != nil {
		return nil, err
	}

	backend := d.adapter.Name()
	logger := d.logger.With("run", uuid.NewString(), "backend", backend, "mode", mode.String())
	parts := chunks(items, d.cfg.BatchSize)
	logger.Info("dispatching",
		"items", len(items), "results", len(items)*perItem,
		"batches", len(parts), "batch_size", d.cfg.BatchSize)

	metrics.ActiveDispatches.Inc()
	defer metrics.ActiveDispatches.Dec()
	metrics.ItemsTotal.WithLabelValues(backend, mode.String()).Add(float64(len(items)))

	sp := &splitter[T]{
		exec:    d.exec,
		call:    call,
		perItem: perItem,
		backend: backend,
		mode:    mode,
		logger:  logger,
	}

	results := make([][]T, len(parts))
	if d.cfg.Concurrency <= 1 {
		for i, c := range parts {
			res, err := sp.dispatch(ctx, c.items, c.start)
			if err != nil {
				logger.Error("dispatch failed", "batch", i, "err", err)
				return nil, err
			}
			results[i] = res
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.Concurrency)
		for i, c := range parts {
			g.Go(func() error {
				res, err := sp.dispatch(gctx, c.items, c.start)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logger.Error("dispatch failed", "err", err)
			return nil, err
		}
	}

	out := make([]T, 0, len(items)*perItem)
	for _, res := range results {
		out = append(out, res...)
	}
	logger.Info("dispatch finished", "results", len(out))
	return out, nil
}

func (d *Dispatcher) validate(mode Mode, n int) error {
	if n < 1 {
		return fmt.Errorf("dispatch: %w: n must be positive, got %d", ErrInvalidConfiguration, n)
	}
	if mode != ModeLogProbs && d.adapter.Kind() == provider.KindInsert && d.cfg.BatchSize != 1 {
		return fmt.Errorf("dispatch: %w: insertion backends need batch size 1, got %d", ErrInvalidConfiguration, d.cfg.BatchSize)
	}
	return nil
}

func (d *Dispatcher) confirm(ctx context.Context, mode Mode, items []string, n int) error {
	if d.confirmer == nil || d.cfg.SkipConfirm {
		return nil
	}
	est := Estimate{
		Backend:     d.adapter.Name(),
		Mode:        mode,
		Items:       len(items),
		Completions: len(items) * n,
	}
	for _, it := range items {
		est.Chars += utf8.RuneCountInString(it)
	}
	if err := d.confirmer.Confirm(ctx, est); err != nil {
		return fmt.Errorf("dispatch: %w: %v", ErrAborted, err)
	}
	return nil
}
