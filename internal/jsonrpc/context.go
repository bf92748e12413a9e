package jsonrpc

import "context"

type contextKey string

const (
	originContextKey    contextKey = "jsonrpc.origin"
	requestIDContextKey contextKey = "jsonrpc.requestID"
)

// WithOrigin attaches the transport-reported origin of an inbound request to
// ctx. Transports call this before invoking a node's request/notification
// handlers so that origin-bound consumers (the session store, in
// particular) never have to ask the transport directly.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey, origin)
}

// OriginFromContext returns the origin attached by WithOrigin, or "unknown"
// if the transport never set one.
func OriginFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originContextKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// withRequestID attaches the outer request id being dispatched so a method
// handler can recover it without changing the Handler signature. Used by
// handlers that need to key per-request state (the approval queue) on the
// same id the caller used to issue the request.
func withRequestID(ctx context.Context, id RequestID) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestIDFromContext returns the id of the request currently being
// dispatched, if any.
func RequestIDFromContext(ctx context.Context) (RequestID, bool) {
	v, ok := ctx.Value(requestIDContextKey).(RequestID)
	return v, ok
}
