package credentials

import (
	apperrors "triggerhub/pkg/errors"
)

func ErrUnknownCredential(ref string) error {
	return apperrors.ErrNotFound.WithDetail("message", "unknown credential reference "+ref).AsFatal()
}

func transient(err error) error {
	return apperrors.ErrTransientUpstream.WithCause(err)
}
