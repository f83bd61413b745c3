package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var untracedPrefixes = []string{"/health", "/metrics", "/swagger"}

// traced reports whether a request deserves a span. Probes and docs are
// skipped so they do not drown out deliveries.
func traced(r *http.Request) bool {
	for _, prefix := range untracedPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return false
		}
	}
	return true
}

// GinMiddleware opens a server span per traced request.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName, otelgin.WithFilter(traced))
}

// SubscriptionSpanMiddleware copies the :subscription_id or :id route
// parameter onto the active span.
func SubscriptionSpanMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("subscription_id")
		if id == "" {
			id = c.Param("id")
		}
		if id != "" {
			trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("subscription.id", id))
		}
		c.Next()
	}
}
