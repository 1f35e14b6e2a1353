package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey  ctxKey = "obs.request_id"
	userIDKey     ctxKey = "obs.user_id"
	generationKey ctxKey = "obs.generation_id"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithUserID(ctx stdcontext.Context, userID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
}

func UserIDFromContext(ctx stdcontext.Context) string {
	return stringValue(ctx, userIDKey)
}

func WithGenerationID(ctx stdcontext.Context, generationID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, generationKey, strings.TrimSpace(generationID))
}

func GenerationIDFromContext(ctx stdcontext.Context) string {
	return stringValue(ctx, generationKey)
}

func stringValue(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
