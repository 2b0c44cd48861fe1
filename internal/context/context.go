// Package context carries request-scoped values through the handler and
// orchestrator layers without widening every function signature, the way
// the teacher's internal/context package does for its own request scope.
package context

import "context"

type contextKey string

const (
	CtxKeyRequestID    contextKey = "request_id"
	CtxKeyClientType   contextKey = "client_type"
	CtxKeyRequestModel contextKey = "request_model"
	CtxKeyIsStream     contextKey = "is_stream"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestID, id)
}

func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func WithClientType(ctx context.Context, ct string) context.Context {
	return context.WithValue(ctx, CtxKeyClientType, ct)
}

func GetClientType(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyClientType).(string); ok {
		return v
	}
	return ""
}

func WithRequestModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestModel, model)
}

func GetRequestModel(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyRequestModel).(string); ok {
		return v
	}
	return ""
}

func WithIsStream(ctx context.Context, isStream bool) context.Context {
	return context.WithValue(ctx, CtxKeyIsStream, isStream)
}

func GetIsStream(ctx context.Context) bool {
	if v, ok := ctx.Value(CtxKeyIsStream).(bool); ok {
		return v
	}
	return false
}
