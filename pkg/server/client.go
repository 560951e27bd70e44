package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/llm-dispatch/pkg/align"
	"github.com/abdhe/llm-dispatch/pkg/provider"
)

// Client calls a remote Dispatcher service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateText returns n completions per prompt.
func (c *Client) GenerateText(ctx context.Context, prompts []string, n int) ([]string, error) {
	out, err := c.invoke(ctx, "GenerateText", map[string]any{"prompts": anyList(prompts), "n": n})
	if err != nil {
		return nil, err
	}
	return stringList(out, "texts")
}

// Complete returns the raw completion records.
func (c *Client) Complete(ctx context.Context, prompts []string, n int) ([]provider.Choice, error) {
	out, err := c.invoke(ctx, "Complete", map[string]any{"prompts": anyList(prompts), "n": n})
	if err != nil {
		return nil, err
	}
	vals := out.GetFields()["choices"].GetListValue().GetValues()
	choices := make([]provider.Choice, len(vals))
	for i, v := range vals {
		f := v.GetStructValue().GetFields()
		choices[i] = provider.Choice{
			Text:         f["text"].GetStringValue(),
			Index:        int(f["index"].GetNumberValue()),
			FinishReason: f["finish_reason"].GetStringValue(),
		}
		if rec := f["logprobs"].GetStructValue(); rec != nil {
			lp, err := decodeLogProbs(rec)
			if err != nil {
				return nil, fmt.Errorf("client: choice %d: %w", i, err)
			}
			choices[i].LogProbs = &lp
		}
	}
	return choices, nil
}

func decodeLogProbs(rec *structpb.Struct) (provider.LogProbs, error) {
	tokens, err := stringList(rec, "tokens")
	if err != nil {
		return provider.LogProbs{}, err
	}
	f := rec.GetFields()
	lps := f["token_logprobs"].GetListValue().GetValues()
	offsets := f["text_offset"].GetListValue().GetValues()
	if len(lps) != len(tokens) || len(offsets) != len(tokens) {
		return provider.LogProbs{}, fmt.Errorf("logprobs lengths differ (%d tokens, %d logprobs, %d offsets)",
			len(tokens), len(lps), len(offsets))
	}
	out := provider.LogProbs{
		Tokens:        tokens,
		TokenLogProbs: make([]float64, len(lps)),
		TextOffsets:   make([]int, len(offsets)),
	}
	for j := range lps {
		out.TokenLogProbs[j] = lps[j].GetNumberValue()
		off, ok := intValue(offsets[j])
		if !ok {
			return provider.LogProbs{}, fmt.Errorf("text_offset %d is not an integer", j)
		}
		out.TextOffsets[j] = off
	}
	return out, nil
}

// GetLogProbs returns the log-probs and tokens of each text, trimmed to
// ranges when given.
func (c *Client) GetLogProbs(ctx context.Context, texts []string, ranges []align.Range) ([][]float64, [][]string, error) {
	in := map[string]any{"texts": anyList(texts)}
	if ranges != nil {
		rs := make([]any, len(ranges))
		for i, r := range ranges {
			rs[i] = []any{r.Start, r.End}
		}
		in["ranges"] = rs
	}
	out, err := c.invoke(ctx, "GetLogProbs", in)
	if err != nil {
		return nil, nil, err
	}
	vals := out.GetFields()["results"].GetListValue().GetValues()
	logProbs := make([][]float64, len(vals))
	tokens := make([][]string, len(vals))
	for i, v := range vals {
		s := v.GetStructValue()
		if tokens[i], err = stringList(s, "tokens"); err != nil {
			return nil, nil, fmt.Errorf("client: result %d: %w", i, err)
		}
		lps := s.GetFields()["log_probs"].GetListValue().GetValues()
		logProbs[i] = make([]float64, len(lps))
		for j, lp := range lps {
			logProbs[i][j] = lp.GetNumberValue()
		}
	}
	return logProbs, tokens, nil
}
