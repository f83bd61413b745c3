package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSubscription(ctx, "sub-1", "gmail")

	fields := GetLogFields(ctx)
	assert.Equal(t, []interface{}{
		"request_id", "req-1",
		"subscription_id", "sub-1",
		"provider", "gmail",
	}, fields)
	assert.Equal(t, "sub-1", GetSubscriptionID(ctx))
}
