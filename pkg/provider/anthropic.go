package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultChatModel     = "claude-sonnet-4-5-20250929"
	defaultChatMaxTokens = 256
)

// ChatAdapter serves generation through the Anthropic Messages API. The
// Messages API takes one prompt per request, so a batch becomes len(batch)*n
// sequential requests. The SDK's own retries are disabled; the dispatcher's
// executor owns retry.
type ChatAdapter struct {
	name   string
	client anthropic.Client
	params Params
}

// NewChatAdapter creates the chat variant. The API key comes from cfg.APIKeys
// (first entry) or ANTHROPIC_API_KEY, which the SDK reads itself.
func NewChatAdapter(cfg Config) (*ChatAdapter, error) {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(cfg.httpClient()),
	}
	if len(cfg.APIKeys) > 0 {
		opts = append(opts, option.WithAPIKey(cfg.APIKeys[0]))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	params := cfg.Params
	if params.Model == "" {
		params.Model = defaultChatModel
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultChatMaxTokens
	}
	return &ChatAdapter{
		name:   cfg.name("anthropic"),
		client: anthropic.NewClient(opts...),
		params: params,
	}, nil
}

func (a *ChatAdapter) Name() string { return a.name }

func (a *ChatAdapter) Kind() Kind { return KindChat }

// Generate returns n texts per prompt, grouped by prompt.
func (a *ChatAdapter) Generate(ctx context.Context, prompts []string, n int) ([]string, error) {
	choices, err := a.Complete(ctx, prompts, n)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(choices))
	for i, ch := range choices {
		texts[i] = ch.Text
	}
	return texts, nil
}

// Complete returns one Choice per message, n per prompt. Any failing message
// fails the whole call.
func (a *ChatAdapter) Complete(ctx context.Context, prompts []string, n int) ([]Choice, error) {
	out := make([]Choice, 0, len(prompts)*n)
	for _, prompt := range StripMarkers(prompts) {
		for j := 0; j < n; j++ {
			ch, err := a.message(ctx, prompt)
			if err != nil {
				return nil, err
			}
			ch.Index = len(out)
			out = append(out, ch)
		}
	}
	return out, nil
}

// LogProbs is not offered by the Messages API.
func (a *ChatAdapter) LogProbs(context.Context, []string) ([]LogProbs, error) {
	return nil, fmt.Errorf("%s: log probs: %w", a.name, ErrUnsupported)
}

func (a *ChatAdapter) message(ctx context.Context, prompt string) (Choice, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.params.Model),
		MaxTokens: int64(a.params.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(float64(a.params.Temperature)),
	}
	if a.params.TopP > 0 {
		params.TopP = anthropic.Float(float64(a.params.TopP))
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Choice{}, a.classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return Choice{Text: text.String(), FinishReason: string(msg.StopReason)}, nil
}

// classify maps SDK errors onto the error taxonomy.
func (a *ChatAdapter) classify(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: completion failed: %w", a.name, err)
	}
	msg := apiErr.Error()
	if apiErr.StatusCode == http.StatusRequestEntityTooLarge || strings.Contains(strings.ToLower(msg), "prompt is too long") {
		return tooLarge(a.name, msg)
	}
	return &APIError{Backend: a.name, Status: apiErr.StatusCode, Message: msg}
}

var _ Adapter = (*ChatAdapter)(nil)
