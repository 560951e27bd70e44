package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// logProbPrefix is prepended to every text sent for log-probability scoring so
// the first real token has context; the token it produces is dropped again.
const logProbPrefix = "\n"

// rateLimitCooldown is how long a key stays out of rotation after a 429.
const rateLimitCooldown = 60 * time.Second

// ---------------------------------------------------------------------------
// Request / Response types for OpenAI-compatible /completions
// ---------------------------------------------------------------------------

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      any      `json:"prompt"`
	Suffix      string   `json:"suffix,omitempty"`
	MaxTokens   *int32   `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	N           int      `json:"n,omitempty"`
	LogProbs    *int     `json:"logprobs,omitempty"`
	Echo        bool     `json:"echo,omitempty"`
}

type completionLogProbs struct {
	Tokens        []string   `json:"tokens"`
	TokenLogProbs []*float64 `json:"token_logprobs"`
	TextOffset    []int      `json:"text_offset"`
}

type completionChoice struct {
	Text         string              `json:"text"`
	Index        int                 `json:"index"`
	FinishReason string              `json:"finish_reason"`
	LogProbs     *completionLogProbs `json:"logprobs"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newCompletionRequest(p Params, prompt any) completionRequest {
	req := completionRequest{
		Model:       p.Model,
		Prompt:      prompt,
		MaxTokens:   &p.MaxTokens,
		Temperature: &p.Temperature,
		TopP:        &p.TopP,
		N:           p.N,
		Echo:        p.Echo,
	}
	if p.TopP == 0 {
		req.TopP = nil
	}
	if p.LogProbs > 0 {
		req.LogProbs = &p.LogProbs
	}
	return req
}

// textOnly overrides n and turns off log-prob data and echo, which would
// otherwise leak the prompt into generated text.
func textOnly(n int) Overrides {
	zero, echo := 0, false
	return Overrides{N: &n, LogProbs: &zero, Echo: &echo}
}

// ---------------------------------------------------------------------------
// completionsClient — one HTTP round trip per call
// ---------------------------------------------------------------------------

// completionsClient speaks the /completions wire shared by the text,
// insertion and local variants.
type completionsClient struct {
	backend string
	url     string
	keys    *resilience.KeyPool // nil means no Authorization header
	do      func(*http.Request) (*http.Response, error)

	// tooLarge lists lower-case message fragments this backend uses when it
	// rejects a request for size or length.
	tooLarge []string
}

func newCompletionsClient(backend, baseURL string, keys *resilience.KeyPool, hc *http.Client, tooLarge []string) *completionsClient {
	return &completionsClient{
		backend:  backend,
		url:      strings.TrimRight(baseURL, "/") + "/completions",
		keys:     keys,
		do:       hc.Do,
		tooLarge: tooLarge,
	}
}

func (c *completionsClient) create(ctx context.Context, body completionRequest) (completionResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return completionResponse{}, fmt.Errorf("%s: marshal request: %w", c.backend, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonBody))
	if err != nil {
		return completionResponse{}, fmt.Errorf("%s: create request: %w", c.backend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	var apiKey string
	if c.keys != nil {
		apiKey, err = c.keys.Next()
		if err != nil {
			return completionResponse{}, fmt.Errorf("%s: %w", c.backend, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.do(httpReq)
	if err != nil {
		return completionResponse{}, fmt.Errorf("%s: do request: %w", c.backend, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4<<10))
		if httpResp.StatusCode == http.StatusTooManyRequests && c.keys != nil {
			c.keys.Cooldown(apiKey, rateLimitCooldown)
		}
		return completionResponse{}, c.classify(httpResp.StatusCode, errorMessage(respBody))
	}

	var resp completionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return completionResponse{}, fmt.Errorf("%s: decode response: %v: %w", c.backend, err, ErrResponseInvalid)
	}
	slices.SortStableFunc(resp.Choices, func(a, b completionChoice) int { return a.Index - b.Index })
	return resp, nil
}

// classify maps a failed HTTP answer onto the error taxonomy: size or length
// rejections become ErrBatchTooLarge, everything else is an *APIError.
func (c *completionsClient) classify(status int, msg string) error {
	if status == http.StatusRequestEntityTooLarge {
		return tooLarge(c.backend, msg)
	}
	lower := strings.ToLower(msg)
	for _, frag := range c.tooLarge {
		if strings.Contains(lower, frag) {
			return tooLarge(c.backend, msg)
		}
	}
	return &APIError{Backend: c.backend, Status: status, Message: msg}
}

// errorMessage extracts error.message from an API error body, falling back to
// the raw body.
func errorMessage(body []byte) string {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// ---------------------------------------------------------------------------
// CompletionsAdapter — text completion and local inference variants
// ---------------------------------------------------------------------------

// CompletionsAdapter serves prompt lists over the /completions wire. The same
// type backs the remote text-completion variant and the local inference
// variant; they differ in endpoint, auth, and how the backend reports limits.
type CompletionsAdapter struct {
	kind   Kind
	wire   *completionsClient
	params Params
}

// NewTextAdapter creates the remote text-completion variant. At least one
// API key is required.
func NewTextAdapter(cfg Config) (*CompletionsAdapter, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("openai: %w: no API keys configured", ErrInvalidRequest)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	wire := newCompletionsClient(cfg.name("openai"), cfg.BaseURL, resilience.NewKeyPool(cfg.APIKeys), cfg.httpClient(),
		[]string{"is greater than the maximum", "maximum context length", "too many prompts"})
	return &CompletionsAdapter{kind: KindText, wire: wire, params: cfg.Params}, nil
}

// NewLocalAdapter creates the local inference variant: an OpenAI-compatible
// server (vLLM, llama.cpp server) running next to the dispatcher.
func NewLocalAdapter(cfg Config) (*CompletionsAdapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000/v1"
	}
	var keys *resilience.KeyPool
	if len(cfg.APIKeys) > 0 {
		keys = resilience.NewKeyPool(cfg.APIKeys)
	}
	wire := newCompletionsClient(cfg.name("local"), cfg.BaseURL, keys, cfg.httpClient(),
		[]string{"is greater than the maximum", "maximum context length", "exceeds the available context size", "too many sequences"})
	return &CompletionsAdapter{kind: KindLocal, wire: wire, params: cfg.Params}, nil
}

func (a *CompletionsAdapter) Name() string { return a.wire.backend }

func (a *CompletionsAdapter) Kind() Kind { return a.kind }

// Generate returns the generated texts, n per prompt, grouped by prompt.
func (a *CompletionsAdapter) Generate(ctx context.Context, prompts []string, n int) ([]string, error) {
	choices, err := a.complete(ctx, prompts, textOnly(n))
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(choices))
	for i, ch := range choices {
		texts[i] = ch.Text
	}
	return texts, nil
}

// Complete returns the raw choices, n per prompt, grouped by prompt. The
// configured logprobs and echo parameters are sent as they are.
func (a *CompletionsAdapter) Complete(ctx context.Context, prompts []string, n int) ([]Choice, error) {
	return a.complete(ctx, prompts, Overrides{N: &n})
}

func (a *CompletionsAdapter) complete(ctx context.Context, prompts []string, o Overrides) ([]Choice, error) {
	n := *o.N
	resp, err := a.wire.create(ctx, newCompletionRequest(a.params.With(o), StripMarkers(prompts)))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) != len(prompts)*n {
		return nil, fmt.Errorf("%s: got %d choices for %d prompts x %d: %w",
			a.Name(), len(resp.Choices), len(prompts), n, ErrResponseInvalid)
	}
	return rawChoices(a.Name(), resp.Choices)
}

// rawChoices converts wire choices into Choice records with their log-prob
// data, if the backend sent any.
func rawChoices(backend string, in []completionChoice) ([]Choice, error) {
	out := make([]Choice, len(in))
	for i, ch := range in {
		out[i] = Choice{Text: ch.Text, Index: ch.Index, FinishReason: ch.FinishReason}
		if ch.LogProbs != nil {
			lp, err := rawLogProbs(ch.LogProbs)
			if err != nil {
				return nil, fmt.Errorf("%s: choice %d: %w", backend, i, err)
			}
			out[i].LogProbs = &lp
		}
	}
	return out, nil
}

// LogProbs scores each text by echoing it back with zero generated tokens.
func (a *CompletionsAdapter) LogProbs(ctx context.Context, texts []string) ([]LogProbs, error) {
	one, zero, echo := 1, int32(0), true
	p := a.params.With(Overrides{N: &one, MaxTokens: &zero, LogProbs: &one, Echo: &echo})

	prompts := make([]string, len(texts))
	for i, t := range texts {
		prompts[i] = logProbPrefix + t
	}

	resp, err := a.wire.create(ctx, newCompletionRequest(p, prompts))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) != len(texts) {
		return nil, fmt.Errorf("%s: got %d choices for %d texts: %w", a.Name(), len(resp.Choices), len(texts), ErrResponseInvalid)
	}

	out := make([]LogProbs, len(texts))
	for i, ch := range resp.Choices {
		if ch.LogProbs == nil {
			return nil, fmt.Errorf("%s: choice %d has no logprobs: %w", a.Name(), i, ErrResponseInvalid)
		}
		lp, err := convertLogProbs(ch.LogProbs, 1, len(logProbPrefix))
		if err != nil {
			return nil, fmt.Errorf("%s: choice %d: %w", a.Name(), i, err)
		}
		out[i] = lp
	}
	return out, nil
}

// convertLogProbs drops the first skip tokens and shifts offsets left by shift.
func convertLogProbs(in *completionLogProbs, skip, shift int) (LogProbs, error) {
	if len(in.Tokens) != len(in.TokenLogProbs) || len(in.Tokens) != len(in.TextOffset) {
		return LogProbs{}, fmt.Errorf("logprobs lengths differ (%d tokens, %d logprobs, %d offsets): %w",
			len(in.Tokens), len(in.TokenLogProbs), len(in.TextOffset), ErrResponseInvalid)
	}
	if len(in.Tokens) < skip {
		return LogProbs{}, fmt.Errorf("logprobs shorter than structural prefix: %w", ErrResponseInvalid)
	}
	n := len(in.Tokens) - skip
	out := LogProbs{
		Tokens:        make([]string, n),
		TokenLogProbs: make([]float64, n),
		TextOffsets:   make([]int, n),
	}
	for i := 0; i < n; i++ {
		lp := in.TokenLogProbs[i+skip]
		if lp == nil {
			return LogProbs{}, fmt.Errorf("token %d has no logprob: %w", i, ErrResponseInvalid)
		}
		out.Tokens[i] = in.Tokens[i+skip]
		out.TokenLogProbs[i] = *lp
		out.TextOffsets[i] = in.TextOffset[i+skip] - shift
	}
	return out, nil
}

// rawLogProbs converts log-prob data without trimming. Tokens the backend
// scores as null are dropped with their offsets: with echo the first prompt
// token has no logprob.
func rawLogProbs(in *completionLogProbs) (LogProbs, error) {
	if len(in.Tokens) != len(in.TokenLogProbs) || len(in.Tokens) != len(in.TextOffset) {
		return LogProbs{}, fmt.Errorf("logprobs lengths differ (%d tokens, %d logprobs, %d offsets): %w",
			len(in.Tokens), len(in.TokenLogProbs), len(in.TextOffset), ErrResponseInvalid)
	}
	out := LogProbs{
		Tokens:        make([]string, 0, len(in.Tokens)),
		TokenLogProbs: make([]float64, 0, len(in.Tokens)),
		TextOffsets:   make([]int, 0, len(in.Tokens)),
	}
	for i, lp := range in.TokenLogProbs {
		if lp == nil {
			continue
		}
		out.Tokens = append(out.Tokens, in.Tokens[i])
		out.TokenLogProbs = append(out.TokenLogProbs, *lp)
		out.TextOffsets = append(out.TextOffsets, in.TextOffset[i])
	}
	return out, nil
}

var _ Adapter = (*CompletionsAdapter)(nil)
