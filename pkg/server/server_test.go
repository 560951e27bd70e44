package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/llm-dispatch/pkg/align"
	"github.com/abdhe/llm-dispatch/pkg/dispatch"
	"github.com/abdhe/llm-dispatch/pkg/provider"
	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// echoAdapter generates "<prompt>/<j>" and scores one token per character.
// Prompts equal to "huge" are rejected as too large.
type echoAdapter struct{}

func (echoAdapter) Name() string        { return "echo" }
func (echoAdapter) Kind() provider.Kind { return provider.KindText }

func (echoAdapter) Generate(_ context.Context, prompts []string, n int) ([]string, error) {
	var out []string
	for _, p := range prompts {
		if p == "huge" {
			return nil, fmt.Errorf("echo: %w", provider.ErrBatchTooLarge)
		}
		for j := 0; j < n; j++ {
			out = append(out, fmt.Sprintf("%s/%d", p, j))
		}
	}
	return out, nil
}

func (a echoAdapter) Complete(ctx context.Context, prompts []string, n int) ([]provider.Choice, error) {
	texts, err := a.Generate(ctx, prompts, n)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Choice, len(texts))
	for i, t := range texts {
		out[i] = provider.Choice{Text: t, Index: i, FinishReason: "stop"}
	}
	return out, nil
}

func (echoAdapter) LogProbs(_ context.Context, texts []string) ([]provider.LogProbs, error) {
	out := make([]provider.LogProbs, len(texts))
	for i, t := range texts {
		for j, r := range []rune(t) {
			out[i].Tokens = append(out[i].Tokens, string(r))
			out[i].TokenLogProbs = append(out[i].TokenLogProbs, -0.5*float64(j+1))
			out[i].TextOffsets = append(out[i].TextOffsets, j)
		}
	}
	return out, nil
}

func startServer(t *testing.T) *Client {
	t.Helper()
	return startServerFor(t, echoAdapter{}, Config{RequestTimeout: 5 * time.Second})
}

// startServerFor serves a dispatcher over adapter on bufconn. cfg.Dispatcher
// is filled in.
func startServerFor(t *testing.T, adapter provider.Adapter, cfg Config) *Client {
	t.Helper()
	d, err := dispatch.New(adapter, dispatch.Config{
		BatchSize: 2,
		Retry:     resilience.RetryConfig{BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	cfg.Dispatcher = d

	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(NewHandler(cfg))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet", //nolint:staticcheck // bufconn needs a custom dialer
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return NewClient(conn)
}

func TestServer_GenerateText(t *testing.T) {
	c := startServer(t)
	texts, err := c.GenerateText(context.Background(), []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/0", "a/1", "b/0", "b/1", "c/0", "c/1"}, texts)
}

func TestServer_Complete(t *testing.T) {
	c := startServer(t)
	choices, err := c.Complete(context.Background(), []string{"a", "b"}, 1)
	require.NoError(t, err)
	require.Len(t, choices, 2)
	assert.Equal(t, provider.Choice{Text: "b/0", Index: 1, FinishReason: "stop"}, choices[1])
}

func TestServer_CompleteCarriesLogProbs(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 1, body["logprobs"])

		var choices []map[string]any
		for i, p := range body["prompt"].([]any) {
			choices = append(choices, map[string]any{
				"text":          " done",
				"index":         i,
				"finish_reason": "length",
				"logprobs": map[string]any{
					"tokens":         []string{" done"},
					"token_logprobs": []float64{-float64(len(p.(string)))},
					"text_offset":    []int{len(p.(string))},
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": choices})
	}))
	defer backend.Close()

	adapter, err := provider.NewTextAdapter(provider.Config{
		BaseURL: backend.URL,
		APIKeys: []string{"sk-test"},
		Params:  provider.Params{Model: "davinci-002", MaxTokens: 1, N: 1, LogProbs: 1},
	})
	require.NoError(t, err)
	c := startServerFor(t, adapter, Config{DefaultN: 1})

	choices, err := c.Complete(context.Background(), []string{"ab", "xyz", "q"}, 1)
	require.NoError(t, err)
	require.Len(t, choices, 3)
	for i, want := range []int{2, 3, 1} {
		lp := choices[i].LogProbs
		require.NotNil(t, lp, "choice %d", i)
		assert.Equal(t, []string{" done"}, lp.Tokens)
		assert.Equal(t, []float64{-float64(want)}, lp.TokenLogProbs)
		assert.Equal(t, []int{want}, lp.TextOffsets)
	}
}

func TestServer_DefaultN(t *testing.T) {
	c := startServerFor(t, echoAdapter{}, Config{DefaultN: 2})
	out, err := c.invoke(context.Background(), "GenerateText", map[string]any{"prompts": []any{"a"}})
	require.NoError(t, err)
	texts, err := stringList(out, "texts")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/0", "a/1"}, texts)
}

func TestServer_GetLogProbs(t *testing.T) {
	c := startServer(t)
	logProbs, tokens, err := c.GetLogProbs(context.Background(),
		[]string{"abcd", "xy"}, []align.Range{{Start: 1, End: 3}, {Start: 0, End: 2}})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b", "c"}, {"x", "y"}}, tokens)
	assert.Equal(t, []float64{-1, -1.5}, logProbs[0])

	_, tokens, err = c.GetLogProbs(context.Background(), []string{"ab"}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, tokens)
}

func TestServer_ErrorCodes(t *testing.T) {
	c := startServer(t)

	_, _, err := c.GetLogProbs(context.Background(), []string{"ab"}, []align.Range{{Start: 0, End: 9}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.GenerateText(context.Background(), []string{"ok", "huge"}, 1)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "item 1")

	_, err = c.GenerateText(context.Background(), []string{"a"}, 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_MalformedRequest(t *testing.T) {
	c := startServer(t)
	_, err := c.invoke(context.Background(), "GenerateText", map[string]any{"prompts": "not a list"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.invoke(context.Background(), "GenerateText", map[string]any{"prompts": []any{"a"}, "n": 1.5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.invoke(context.Background(), "GetLogProbs", map[string]any{"texts": []any{"a"}, "ranges": []any{[]any{0}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, codes.Canceled, codeOf(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, codes.DeadlineExceeded, codeOf(context.DeadlineExceeded))
	assert.Equal(t, codes.Unimplemented, codeOf(provider.ErrUnsupported))
	assert.Equal(t, codes.Aborted, codeOf(dispatch.ErrAborted))
	assert.Equal(t, codes.Unavailable, codeOf(resilience.ErrCircuitOpen))
	assert.Equal(t, codes.InvalidArgument, codeOf(dispatch.ErrInvalidConfiguration))
	assert.Equal(t, codes.Internal, codeOf(fmt.Errorf("boom")))
}

func TestRangeList(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"ranges": nil})
	require.NoError(t, err)
	rs, err := rangeList(s, "ranges")
	require.NoError(t, err)
	assert.Nil(t, rs)

	s, err = structpb.NewStruct(map[string]any{"ranges": []any{[]any{1, 4}}})
	require.NoError(t, err)
	rs, err = rangeList(s, "ranges")
	require.NoError(t, err)
	assert.Equal(t, []align.Range{{Start: 1, End: 4}}, rs)
}

func TestRangeList_RejectsNonIntegerBounds(t *testing.T) {
	tests := []struct {
		name  string
		pairs []any
	}{
		{"fractional start", []any{[]any{1.7, 4}}},
		{"fractional end", []any{[]any{0, 3.9}}},
		{"string bound", []any{[]any{1, "x"}}},
		{"null bound", []any{[]any{nil, 3}}},
		{"mixed garbage", []any{[]any{1.7, "x"}, []any{nil, 3.9}}},
		{"short pair", []any{[]any{1}}},
		{"not a pair", []any{"1-4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(map[string]any{"ranges": tt.pairs})
			require.NoError(t, err)
			rs, err := rangeList(s, "ranges")
			assert.Error(t, err)
			assert.Nil(t, rs)
		})
	}

	s, err := structpb.NewStruct(map[string]any{"ranges": []any{[]any{1.5, 4}}})
	require.NoError(t, err)
	_, err = rangeList(s, "ranges")
	assert.ErrorIs(t, err, align.ErrInvalidRange)
}
