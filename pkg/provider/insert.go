package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// InsertAdapter is the insertion-completion variant: a single prompt with one
// placeholder marker is sent as a prefix/suffix pair and the backend fills the
// gap.
type InsertAdapter struct {
	wire   *completionsClient
	params Params
}

// NewInsertAdapter creates the insertion variant. At least one API key is
// required.
func NewInsertAdapter(cfg Config) (*InsertAdapter, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("openai-insert: %w: no API keys configured", ErrInvalidRequest)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	wire := newCompletionsClient(cfg.name("openai-insert"), cfg.BaseURL, resilience.NewKeyPool(cfg.APIKeys), cfg.httpClient(),
		[]string{"is greater than the maximum", "maximum context length"})
	return &InsertAdapter{wire: wire, params: cfg.Params}, nil
}

func (a *InsertAdapter) Name() string { return a.wire.backend }

func (a *InsertAdapter) Kind() Kind { return KindInsert }

// Generate fills the placeholder of prompts[0] n times. The suffix is removed
// from every returned text.
func (a *InsertAdapter) Generate(ctx context.Context, prompts []string, n int) ([]string, error) {
	choices, suffix, err := a.insert(ctx, prompts, textOnly(n))
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(choices))
	for i, ch := range choices {
		texts[i] = ch.Text
		if suffix != "" {
			texts[i] = strings.ReplaceAll(ch.Text, suffix, "")
		}
	}
	return texts, nil
}

// Complete returns the raw insertion choices, with log-prob data when the
// backend is configured for it.
func (a *InsertAdapter) Complete(ctx context.Context, prompts []string, n int) ([]Choice, error) {
	choices, _, err := a.insert(ctx, prompts, Overrides{N: &n})
	return choices, err
}

// LogProbs is not available for insertion backends.
func (a *InsertAdapter) LogProbs(context.Context, []string) ([]LogProbs, error) {
	return nil, fmt.Errorf("%s: log probs: %w", a.Name(), ErrUnsupported)
}

func (a *InsertAdapter) insert(ctx context.Context, prompts []string, o Overrides) ([]Choice, string, error) {
	n := *o.N
	if len(prompts) != 1 {
		return nil, "", fmt.Errorf("%s: %w: insertion takes exactly one prompt per call, got %d", a.Name(), ErrInvalidRequest, len(prompts))
	}
	prefix, suffix, ok := SplitInsertion(prompts[0])
	if !ok {
		return nil, "", fmt.Errorf("%s: %w: prompt has no %s marker", a.Name(), ErrInvalidRequest, PlaceholderMarker)
	}

	req := newCompletionRequest(a.params.With(o), prefix)
	req.Suffix = suffix
	resp, err := a.wire.create(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if len(resp.Choices) != n {
		return nil, "", fmt.Errorf("%s: got %d choices for n=%d: %w", a.Name(), len(resp.Choices), n, ErrResponseInvalid)
	}
	out, err := rawChoices(a.Name(), resp.Choices)
	return out, suffix, err
}

// SplitInsertion splits prompt around its first placeholder marker. The
// suffix runs up to the next marker, if there is one.
func SplitInsertion(prompt string) (prefix, suffix string, ok bool) {
	parts := strings.Split(prompt, PlaceholderMarker)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

var _ Adapter = (*InsertAdapter)(nil)
