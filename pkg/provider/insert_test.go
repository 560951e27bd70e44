package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitInsertion(t *testing.T) {
	prefix, suffix, ok := SplitInsertion("Before [APE] after")
	require.True(t, ok)
	assert.Equal(t, "Before ", prefix)
	assert.Equal(t, " after", suffix)

	prefix, suffix, ok = SplitInsertion("a[APE]b[APE]c")
	require.True(t, ok)
	assert.Equal(t, "a", prefix)
	assert.Equal(t, "b", suffix, "suffix stops at the next marker")

	_, _, ok = SplitInsertion("no marker")
	assert.False(t, ok)
}

func newTestInsertAdapter(t *testing.T, url string) *InsertAdapter {
	t.Helper()
	a, err := NewInsertAdapter(Config{
		BaseURL: url + "/v1",
		APIKeys: []string{"sk-test"},
		Params:  Params{Model: "text-davinci-002", MaxTokens: 16},
	})
	require.NoError(t, err)
	return a
}

func TestInsertAdapter_Generate(t *testing.T) {
	srv := newCompletionsServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"choices": []map[string]any{
			{"index": 0, "text": "filled one. The end."},
			{"index": 1, "text": "filled two"},
		}}
	})
	a := newTestInsertAdapter(t, srv.URL)

	texts, err := a.Generate(context.Background(), []string{"Start: [APE] The end."}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"filled one.", "filled two"}, texts)

	body := srv.bodies[0]
	assert.Equal(t, "Start: ", body["prompt"])
	assert.Equal(t, " The end.", body["suffix"])
	assert.EqualValues(t, 2, body["n"])
}

func TestInsertAdapter_Complete(t *testing.T) {
	srv := newCompletionsServer(t, func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"choices": []map[string]any{
			{"index": 0, "text": "x suffix", "finish_reason": "stop"},
		}}
	})
	a := newTestInsertAdapter(t, srv.URL)

	choices, err := a.Complete(context.Background(), []string{"p [APE]suffix"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []Choice{{Text: "x suffix", Index: 0, FinishReason: "stop"}}, choices)
}

func TestInsertAdapter_RejectsBadInput(t *testing.T) {
	srv := newCompletionsServer(t, func(map[string]any) (int, any) {
		t.Error("backend must not be called")
		return http.StatusOK, nil
	})
	a := newTestInsertAdapter(t, srv.URL)

	_, err := a.Generate(context.Background(), []string{"a [APE]", "b [APE]"}, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = a.Generate(context.Background(), []string{"no marker"}, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, IsPermanent(err))
}

func TestInsertAdapter_LogProbsUnsupported(t *testing.T) {
	a := newTestInsertAdapter(t, "http://127.0.0.1:0")
	_, err := a.LogProbs(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, KindInsert, a.Kind())
}
