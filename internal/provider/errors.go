package provider

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "triggerhub/pkg/errors"
)

// ErrCursorExpired is returned by ListChangesSince when the provider can no
// longer resume from the given cursor.
var ErrCursorExpired = errors.New("provider: cursor expired")

// ErrUpstreamRejected marks permanent provider API failures.
var ErrUpstreamRejected = apperrors.NewError("UPSTREAM_REJECTED", "provider rejected the request", http.StatusBadGateway).AsFatal()

// ClassifyStatus maps a provider API status code to the retry taxonomy:
// 429 and 5xx are transient, other non-2xx are permanent.
func ClassifyStatus(status int, err error) error {
	if err == nil {
		err = fmt.Errorf("provider returned status %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.ErrTransientUpstream.WithCause(err).WithDetail("status", status)
	default:
		return ErrUpstreamRejected.WithCause(err).WithDetail("status", status)
	}
}

// Transient wraps a network-level failure as retryable.
func Transient(err error) error {
	return apperrors.ErrTransientUpstream.WithCause(err)
}

// Malformed marks a notification whose body cannot be decoded.
func Malformed(format string, args ...interface{}) error {
	return apperrors.ErrMalformedEvent.WithDetail("message", fmt.Sprintf(format, args...))
}
