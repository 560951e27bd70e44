// Package server exposes a Dispatcher over gRPC.
//
// The service is llmdispatch.v1.Dispatcher. Requests and responses are
// google.protobuf.Struct messages:
//
//	GenerateText  {prompts: [string], n: number}             -> {texts: [string]}
//	Complete      {prompts: [string], n: number}             -> {choices: [{text, index, finish_reason, logprobs?}]}
//	GetLogProbs   {texts: [string], ranges?: [[start, end]]} -> {results: [{tokens, log_probs, text_offsets}]}
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/llm-dispatch/pkg/align"
	"github.com/abdhe/llm-dispatch/pkg/dispatch"
	"github.com/abdhe/llm-dispatch/pkg/provider"
	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "llmdispatch.v1.Dispatcher"

// DispatcherServer is the server API of the service.
type DispatcherServer interface {
	GenerateText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLogProbs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Handler implements DispatcherServer on top of a Dispatcher.
type Handler struct {
	dispatcher     *dispatch.Dispatcher
	requestTimeout time.Duration
	defaultN       int
	logger         *slog.Logger
}

// Config holds the handler configuration.
type Config struct {
	Dispatcher     *dispatch.Dispatcher
	RequestTimeout time.Duration // 0 means no limit beyond the caller's deadline
	DefaultN       int           // n for requests that omit it; 0 means 1
}

// NewHandler creates a new handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		dispatcher:     cfg.Dispatcher,
		requestTimeout: cfg.RequestTimeout,
		defaultN:       max(cfg.DefaultN, 1),
		logger:         slog.Default().With("component", "server"),
	}
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.requestTimeout)
}

// GenerateText handles a unary generation request.
func (h *Handler) GenerateText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prompts, err := stringList(req, "prompts")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	n, err := intField(req, "n", h.defaultN)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	texts, err := h.dispatcher.GenerateText(ctx, prompts, n)
	if err != nil {
		return nil, h.toStatus("GenerateText", err)
	}
	return structpb.NewStruct(map[string]any{"texts": anyList(texts)})
}

// Complete handles a unary completion request returning raw records.
func (h *Handler) Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prompts, err := stringList(req, "prompts")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	n, err := intField(req, "n", h.defaultN)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	choices, err := h.dispatcher.Complete(ctx, prompts, n)
	if err != nil {
		return nil, h.toStatus("Complete", err)
	}
	out := make([]any, len(choices))
	for i, c := range choices {
		rec := map[string]any{
			"text":          c.Text,
			"index":         c.Index,
			"finish_reason": c.FinishReason,
		}
		if c.LogProbs != nil {
			rec["logprobs"] = logProbsRecord(*c.LogProbs)
		}
		out[i] = rec
	}
	return structpb.NewStruct(map[string]any{"choices": out})
}

// GetLogProbs handles a unary log-prob request.
func (h *Handler) GetLogProbs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	texts, err := stringList(req, "texts")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ranges, err := rangeList(req, "ranges")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	seqs, err := h.dispatcher.LogProbs(ctx, texts, ranges)
	if err != nil {
		return nil, h.toStatus("GetLogProbs", err)
	}
	out := make([]any, len(seqs))
	for i, s := range seqs {
		out[i] = map[string]any{
			"tokens":       anyList(s.Tokens),
			"log_probs":    anyList(s.TokenLogProbs),
			"text_offsets": anyList(s.TextOffsets),
		}
	}
	return structpb.NewStruct(map[string]any{"results": out})
}

// logProbsRecord encodes lp with the field names of the completions wire.
func logProbsRecord(lp provider.LogProbs) map[string]any {
	return map[string]any{
		"tokens":         anyList(lp.Tokens),
		"token_logprobs": anyList(lp.TokenLogProbs),
		"text_offset":    anyList(lp.TextOffsets),
	}
}

// toStatus maps a dispatch error onto a gRPC status.
func (h *Handler) toStatus(method string, err error) error {
	code := codeOf(err)
	h.logger.Error("dispatch failed", "method", method, "code", code.String(), "err", err)
	return status.Error(code, err.Error())
}

func codeOf(err error) codes.Code {
	var tooLarge *dispatch.ItemTooLargeError
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.As(err, &tooLarge):
		return codes.FailedPrecondition
	case errors.Is(err, align.ErrInvalidRange),
		errors.Is(err, dispatch.ErrInvalidConfiguration),
		errors.Is(err, provider.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, provider.ErrUnsupported):
		return codes.Unimplemented
	case errors.Is(err, dispatch.ErrAborted):
		return codes.Aborted
	case errors.Is(err, resilience.ErrCircuitOpen):
		return codes.Unavailable
	}
	return codes.Internal
}

// ---------------------------------------------------------------------------
// Service registration
// ---------------------------------------------------------------------------

// Register adds srv to s under ServiceName.
func Register(s grpc.ServiceRegistrar, srv DispatcherServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GenerateText", Handler: unaryHandler("GenerateText", DispatcherServer.GenerateText)},
		{MethodName: "Complete", Handler: unaryHandler("Complete", DispatcherServer.Complete)},
		{MethodName: "GetLogProbs", Handler: unaryHandler("GetLogProbs", DispatcherServer.GetLogProbs)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "llmdispatch/v1/dispatcher.proto",
}

type unaryMethod func(DispatcherServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, m unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, name)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(DispatcherServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(DispatcherServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ---------------------------------------------------------------------------
// Struct helpers
// ---------------------------------------------------------------------------

func stringList(s *structpb.Struct, key string) ([]string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	lv := v.GetListValue()
	if lv == nil {
		return nil, fmt.Errorf("field %q must be a list of strings", key)
	}
	out := make([]string, len(lv.GetValues()))
	for i, e := range lv.GetValues() {
		sv, ok := e.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("field %q: element %d is not a string", key, i)
		}
		out[i] = sv.StringValue
	}
	return out, nil
}

func intField(s *structpb.Struct, key string, def int) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return def, nil
	}
	n, ok := intValue(v)
	if !ok {
		return 0, fmt.Errorf("field %q must be an integer", key)
	}
	return n, nil
}

// intValue reports v as an int when it is a number with no fractional part.
func intValue(v *structpb.Value) (int, bool) {
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || nv.NumberValue != float64(int(nv.NumberValue)) {
		return 0, false
	}
	return int(nv.NumberValue), true
}

// rangeList reads an optional list of [start, end] pairs. Absent or null
// means no trimming.
func rangeList(s *structpb.Struct, key string) ([]align.Range, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	lv := v.GetListValue()
	if lv == nil {
		return nil, fmt.Errorf("field %q must be a list of [start, end] pairs", key)
	}
	out := make([]align.Range, len(lv.GetValues()))
	for i, e := range lv.GetValues() {
		pair := e.GetListValue().GetValues()
		if len(pair) != 2 {
			return nil, fmt.Errorf("field %q: element %d is not a [start, end] pair", key, i)
		}
		start, okStart := intValue(pair[0])
		end, okEnd := intValue(pair[1])
		if !okStart || !okEnd {
			return nil, fmt.Errorf("field %q: element %d: %w: bounds must be integers", key, i, align.ErrInvalidRange)
		}
		out[i] = align.Range{Start: start, End: end}
	}
	return out, nil
}

func anyList[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
