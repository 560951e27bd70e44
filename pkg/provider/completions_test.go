package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionsServer answers /completions with fn and records request bodies
// and Authorization headers.
type completionsServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func newCompletionsServer(t *testing.T, fn func(body map[string]any) (int, any)) *completionsServer {
	t.Helper()
	cs := &completionsServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		cs.mu.Lock()
		cs.bodies = append(cs.bodies, body)
		cs.auth = append(cs.auth, r.Header.Get("Authorization"))
		cs.mu.Unlock()

		status, resp := fn(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func choicesFor(prompts []any, n int) map[string]any {
	var choices []map[string]any
	idx := 0
	for _, p := range prompts {
		for j := 0; j < n; j++ {
			choices = append(choices, map[string]any{
				"text":          p.(string) + " out",
				"index":         idx,
				"finish_reason": "length",
			})
			idx++
		}
	}
	// Reverse so the adapter has to restore index order.
	for i, j := 0, len(choices)-1; i < j; i, j = i+1, j-1 {
		choices[i], choices[j] = choices[j], choices[i]
	}
	return map[string]any{"choices": choices}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": map[string]any{"message": msg, "type": "invalid_request_error"}}
}

func newTestTextAdapter(t *testing.T, url string, keys ...string) *CompletionsAdapter {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{"sk-test"}
	}
	a, err := NewTextAdapter(Config{
		BaseURL: url + "/v1",
		APIKeys: keys,
		Params:  Params{Model: "davinci-002", Temperature: 0.7, MaxTokens: 32},
	})
	require.NoError(t, err)
	return a
}

func TestTextAdapter_Generate(t *testing.T) {
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, choicesFor(body["prompt"].([]any), int(body["n"].(float64)))
	})
	a := newTestTextAdapter(t, srv.URL)

	texts, err := a.Generate(context.Background(), []string{"Q1 [APE]", "Q2"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q1 out", "Q1 out", "Q2 out", "Q2 out"}, texts)

	require.Len(t, srv.bodies, 1)
	body := srv.bodies[0]
	assert.Equal(t, []any{"Q1", "Q2"}, body["prompt"], "markers are stripped and prompts sent as a list")
	assert.Equal(t, "davinci-002", body["model"])
	assert.EqualValues(t, 2, body["n"])
	assert.EqualValues(t, 32, body["max_tokens"])
	assert.NotContains(t, body, "top_p")
	assert.NotContains(t, body, "echo")
	assert.Equal(t, "Bearer sk-test", srv.auth[0])
}

func TestTextAdapter_ChoiceCountMismatch(t *testing.T) {
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, choicesFor(body["prompt"].([]any), 1)
	})
	a := newTestTextAdapter(t, srv.URL)

	_, err := a.Generate(context.Background(), []string{"a", "b"}, 3)
	assert.ErrorIs(t, err, ErrResponseInvalid)
}

func TestTextAdapter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		msg      string
		tooLarge bool
	}{
		{"context length", http.StatusBadRequest, "This model's maximum context length is 4097 tokens", true},
		{"too many prompts", http.StatusBadRequest, "Too many prompts in batch", true},
		{"max tokens", http.StatusBadRequest, "max_tokens is greater than the maximum allowed", true},
		{"entity too large", http.StatusRequestEntityTooLarge, "payload", true},
		{"server error", http.StatusInternalServerError, "The server had an error", false},
		{"bad request", http.StatusBadRequest, "Unrecognized request argument", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCompletionsServer(t, func(map[string]any) (int, any) {
				return tt.status, errorBody(tt.msg)
			})
			a := newTestTextAdapter(t, srv.URL)

			_, err := a.Generate(context.Background(), []string{"x"}, 1)
			require.Error(t, err)
			assert.Equal(t, tt.tooLarge, IsPermanent(err))
			if tt.tooLarge {
				assert.ErrorIs(t, err, ErrBatchTooLarge)
				return
			}
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.msg, apiErr.Message)
		})
	}
}

func TestTextAdapter_RateLimitRotatesKey(t *testing.T) {
	calls := 0
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		calls++
		if calls == 1 {
			return http.StatusTooManyRequests, errorBody("Rate limit reached")
		}
		return http.StatusOK, choicesFor(body["prompt"].([]any), 1)
	})
	a := newTestTextAdapter(t, srv.URL, "k1", "k2")

	_, err := a.Generate(context.Background(), []string{"x"}, 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.False(t, IsPermanent(err))

	for i := 0; i < 2; i++ {
		_, err = a.Generate(context.Background(), []string{"x"}, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"Bearer k1", "Bearer k2", "Bearer k2"}, srv.auth)
}

func TestTextAdapter_LogProbs(t *testing.T) {
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		prompts := body["prompt"].([]any)
		assert.Len(t, prompts, 2)
		return http.StatusOK, map[string]any{"choices": []map[string]any{
			{
				"index": 0, "text": "\nab c",
				"logprobs": map[string]any{
					"tokens":         []string{"\n", "ab", " c"},
					"token_logprobs": []any{nil, -0.5, -1.5},
					"text_offset":    []int{0, 1, 3},
				},
			},
			{
				"index": 1, "text": "\nd",
				"logprobs": map[string]any{
					"tokens":         []string{"\n", "d"},
					"token_logprobs": []any{nil, -2.0},
					"text_offset":    []int{0, 1},
				},
			},
		}}
	})
	a := newTestTextAdapter(t, srv.URL)

	out, err := a.LogProbs(context.Background(), []string{"ab c", "d"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, LogProbs{
		Tokens:        []string{"ab", " c"},
		TokenLogProbs: []float64{-0.5, -1.5},
		TextOffsets:   []int{0, 2},
	}, out[0])
	assert.Equal(t, []int{0}, out[1].TextOffsets)

	body := srv.bodies[0]
	assert.Equal(t, []any{"\nab c", "\nd"}, body["prompt"])
	assert.Equal(t, true, body["echo"])
	assert.EqualValues(t, 1, body["logprobs"])
	assert.EqualValues(t, 1, body["n"])
	assert.EqualValues(t, 0, body["max_tokens"])
}

func TestTextAdapter_LogProbsMissingValue(t *testing.T) {
	srv := newCompletionsServer(t, func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"choices": []map[string]any{{
			"index": 0,
			"logprobs": map[string]any{
				"tokens":         []string{"\n", "a", "b"},
				"token_logprobs": []any{nil, -1.0, nil},
				"text_offset":    []int{0, 1, 2},
			},
		}}}
	})
	a := newTestTextAdapter(t, srv.URL)

	_, err := a.LogProbs(context.Background(), []string{"ab"})
	assert.ErrorIs(t, err, ErrResponseInvalid)
}

func TestTextAdapter_RequiresKeys(t *testing.T) {
	_, err := NewTextAdapter(Config{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLocalAdapter_NoAuthHeader(t *testing.T) {
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, choicesFor(body["prompt"].([]any), 1)
	})
	a, err := NewLocalAdapter(Config{BaseURL: srv.URL + "/v1", Params: Params{Model: "facebook/opt-125m"}})
	require.NoError(t, err)
	assert.Equal(t, "local", a.Name())
	assert.Equal(t, KindLocal, a.Kind())

	_, err = a.Generate(context.Background(), []string{"x"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, srv.auth)
}

func TestLocalAdapter_ContextSizeIsTooLarge(t *testing.T) {
	srv := newCompletionsServer(t, func(map[string]any) (int, any) {
		return http.StatusBadRequest, errorBody("the request exceeds the available context size")
	})
	a, err := NewLocalAdapter(Config{BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), []string{"x"}, 1)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestConvertLogProbs_LengthMismatch(t *testing.T) {
	lp := -1.0
	_, err := convertLogProbs(&completionLogProbs{
		Tokens:        []string{"a", "b"},
		TokenLogProbs: []*float64{&lp},
		TextOffset:    []int{0, 1},
	}, 0, 0)
	assert.ErrorIs(t, err, ErrResponseInvalid)
}

func TestTextAdapter_CompleteWithConfiguredLogProbs(t *testing.T) {
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"choices": []map[string]any{{
			"text":  "Q out",
			"index": 0,
			"logprobs": map[string]any{
				"tokens":         []string{"Q", " out"},
				"token_logprobs": []any{nil, -0.25},
				"text_offset":    []int{0, 1},
			},
		}}}
	})
	a, err := NewTextAdapter(Config{
		BaseURL: srv.URL + "/v1",
		APIKeys: []string{"sk-test"},
		Params:  Params{Model: "davinci-002", MaxTokens: 5, LogProbs: 1, Echo: true},
	})
	require.NoError(t, err)

	choices, err := a.Complete(context.Background(), []string{"Q"}, 1)
	require.NoError(t, err)
	require.Len(t, choices, 1)
	require.NotNil(t, choices[0].LogProbs)
	assert.Equal(t, LogProbs{Tokens: []string{" out"}, TokenLogProbs: []float64{-0.25}, TextOffsets: []int{1}},
		*choices[0].LogProbs, "the unscored echo token is dropped")

	require.Len(t, srv.bodies, 1)
	assert.EqualValues(t, 1, srv.bodies[0]["logprobs"])
	assert.Equal(t, true, srv.bodies[0]["echo"])

	// Generate never asks for log-probs or echo, whatever the config says.
	_, _ = a.Generate(context.Background(), []string{"Q"}, 1)
	require.Len(t, srv.bodies, 2)
	assert.NotContains(t, srv.bodies[1], "logprobs")
	assert.NotContains(t, srv.bodies[1], "echo")
}

func TestRawLogProbs_LengthMismatch(t *testing.T) {
	lp := -1.0
	_, err := rawLogProbs(&completionLogProbs{Tokens: []string{"a", "b"}, TokenLogProbs: []*float64{&lp}, TextOffset: []int{0, 1}})
	assert.ErrorIs(t, err, ErrResponseInvalid)
}
