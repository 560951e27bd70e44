// Package provider defines the backend adapter interface and shared types.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PlaceholderMarker is the caller-side marker that templates leave in prompts.
// Adapters strip it before sending; the insertion adapter splits on it.
const PlaceholderMarker = "[APE]"

var (
	// ErrBatchTooLarge is returned when the backend rejects a call because the
	// batch (or a prompt in it) exceeds one of its limits.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrResponseInvalid is returned when a backend response cannot be mapped
	// onto the request (wrong number of choices, missing log-prob data).
	ErrResponseInvalid = errors.New("response invalid")

	// ErrUnsupported is returned for operations a backend variant cannot serve.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrInvalidRequest is returned when the adapter rejects caller input
	// before contacting the backend.
	ErrInvalidRequest = errors.New("invalid request")
)

// APIError is a non-2xx answer from a backend.
type APIError struct {
	Backend string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Backend, e.Status, e.Message)
}

// Params holds the base generation parameters of a backend. A Params value is
// set once at construction; per-call changes go through With.
type Params struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	TopP        float32 `yaml:"top_p" json:"top_p"`
	MaxTokens   int32   `yaml:"max_tokens" json:"max_tokens"`

	// N is the number of completions per prompt when a caller does not ask
	// for a specific count.
	N int `yaml:"n" json:"n"`

	// LogProbs asks Complete for the top log-probs of each generated token;
	// 0 returns none. Echo includes the prompt tokens in the text and the
	// log-prob data.
	LogProbs int  `yaml:"logprobs,omitempty" json:"logprobs,omitempty"`
	Echo     bool `yaml:"echo,omitempty" json:"echo,omitempty"`
}

// Overrides are per-call changes to Params. Nil fields keep the base value.
type Overrides struct {
	N         *int
	MaxTokens *int32
	LogProbs  *int
	Echo      *bool
}

// With merges o over p and returns the result. p is not modified.
func (p Params) With(o Overrides) Params {
	if o.N != nil {
		p.N = *o.N
	}
	if o.MaxTokens != nil {
		p.MaxTokens = *o.MaxTokens
	}
	if o.LogProbs != nil {
		p.LogProbs = *o.LogProbs
	}
	if o.Echo != nil {
		p.Echo = *o.Echo
	}
	return p
}

// Choice is one raw completion record as returned by a backend.
type Choice struct {
	Text         string    `json:"text"`
	Index        int       `json:"index"`
	FinishReason string    `json:"finish_reason,omitempty"`
	LogProbs     *LogProbs `json:"logprobs,omitempty"`
}

// LogProbs holds per-token log-probabilities for one text. TextOffsets are
// character offsets into the caller's text, structural prefixes removed.
type LogProbs struct {
	Tokens        []string  `json:"tokens"`
	TokenLogProbs []float64 `json:"token_logprobs"`
	TextOffsets   []int     `json:"text_offset"`
}

// Adapter is the capability surface every backend variant implements.
// Each call is one synchronous round trip for the whole batch and either
// returns a result for every item or fails entirely.
type Adapter interface {
	// Name returns a human-readable identifier (e.g. "openai", "local").
	Name() string

	// Kind reports which variant this adapter is.
	Kind() Kind

	// Generate returns len(prompts)*n texts grouped by prompt in input order.
	Generate(ctx context.Context, prompts []string, n int) ([]string, error)

	// Complete is Generate returning the raw backend records.
	Complete(ctx context.Context, prompts []string, n int) ([]Choice, error)

	// LogProbs returns one LogProbs per text, in input order.
	LogProbs(ctx context.Context, texts []string) ([]LogProbs, error)
}

// StripMarkers removes placeholder markers and surrounding whitespace.
// The input slice is not modified.
func StripMarkers(prompts []string) []string {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = strings.TrimSpace(strings.ReplaceAll(p, PlaceholderMarker, ""))
	}
	return out
}

// tooLarge wraps msg as a batch-too-large failure of backend.
func tooLarge(backend, msg string) error {
	return fmt.Errorf("%s: %w: %s", backend, ErrBatchTooLarge, msg)
}

// IsPermanent reports whether err must not be retried with the same input:
// a size rejection, an unsupported operation, or rejected caller input.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrInvalidRequest)
}
