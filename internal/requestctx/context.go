// Package requestctx carries request-scoped values (tenant, request id,
// idempotency key) set by middleware and the turn pipeline.
package requestctx

import "context"

type contextKey string

const (
	tenantIDKey       contextKey = "tenant_id"
	requestIDKey      contextKey = "request_id"
	idempotencyKeyKey contextKey = "idempotency_key"
)

// SetTenantID stores tenant_id in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID returns the tenant_id from context, or "" if not set.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// SetRequestID stores the request id.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// SetIdempotencyKey stores the idempotency key of the tool call in flight,
// so outbound webhooks can forward it.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// IdempotencyKey returns the idempotency key, or "".
func IdempotencyKey(ctx context.Context) string {
	v, _ := ctx.Value(idempotencyKeyKey).(string)
	return v
}
