package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey        contextKey = "trace_id"
	RequestIDKey      contextKey = "request_id"
	SubscriptionIDKey contextKey = "subscription_id"
	ProviderKey       contextKey = "provider"
	ServiceNameKey    contextKey = "service_name"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func WithSubscription(ctx context.Context, subscriptionID, provider string) context.Context {
	ctx = context.WithValue(ctx, SubscriptionIDKey, subscriptionID)
	return context.WithValue(ctx, ProviderKey, provider)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

func GetSubscriptionID(ctx context.Context) string {
	return stringValue(ctx, SubscriptionIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetLogFields returns the context values as zap key/value pairs.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []contextKey{TraceIDKey, RequestIDKey, SubscriptionIDKey, ProviderKey, ServiceNameKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
