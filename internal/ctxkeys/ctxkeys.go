package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	callerIDKey  contextKey = "caller_id"
	senderIDKey  contextKey = "sender_id"
)

func with(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func get(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return get(ctx, traceIDKey)
}

// WithRequestID 设置当前处理的请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return get(ctx, requestIDKey)
}

// WithCallerID 设置请求发起者的 caller id
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return with(ctx, callerIDKey, callerID)
}

// CallerID 获取 caller id
func CallerID(ctx context.Context) (string, bool) {
	return get(ctx, callerIDKey)
}

// WithSenderID 设置发送请求的节点标识
func WithSenderID(ctx context.Context, senderID string) context.Context {
	return with(ctx, senderIDKey, senderID)
}

// SenderID 获取发送者标识
func SenderID(ctx context.Context) (string, bool) {
	return get(ctx, senderIDKey)
}
