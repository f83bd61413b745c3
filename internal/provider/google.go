package provider

import (
	"context"
	"errors"

	"google.golang.org/api/googleapi"
)

// GoogleStatus returns the HTTP status of a Google API error, or 0.
func GoogleStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// ClassifyGoogle maps Google API client errors onto the retry taxonomy.
// Errors without a status are network failures and count as transient.
func ClassifyGoogle(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if code := GoogleStatus(err); code != 0 {
		return ClassifyStatus(code, err)
	}
	return Transient(err)
}
