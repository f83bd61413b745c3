package signature

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "triggerhub/pkg/errors"
)

// Reject builds an authentication failure carrying the HTTP status the
// adapter should answer with (401 for missing or invalid credentials,
// 403 for a valid identity that is not allowed).
func Reject(status int, format string, args ...interface{}) error {
	reason := fmt.Sprintf(format, args...)
	return apperrors.WithStatus(apperrors.ErrAuthentication.WithDetail("reason", reason), status)
}

func unauthorized(format string, args ...interface{}) error {
	return Reject(http.StatusUnauthorized, format, args...)
}

func forbidden(format string, args ...interface{}) error {
	return Reject(http.StatusForbidden, format, args...)
}

// IsRejected reports whether err is an authentication rejection.
func IsRejected(err error) bool {
	return apperrors.IsAuthentication(err)
}

// Reason extracts the rejection reason for logging.
func Reason(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if r, ok := appErr.Details["reason"].(string); ok {
			return r
		}
	}
	return err.Error()
}
