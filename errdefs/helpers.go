package errdefs

import (
	"context"
	"errors"

	cerrdefs "github.com/containerd/errdefs"
)

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Cause() error { return e.error }

func (e errNotFound) Unwrap() error { return e.error }

// NotFound creates an ErrNotFound from the given error.
func NotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	return errNotFound{err}
}

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Cause() error { return e.error }

func (e errInvalidParameter) Unwrap() error { return e.error }

// InvalidParameter creates an ErrInvalidParameter from the given error.
func InvalidParameter(err error) error {
	if err == nil || IsInvalidParameter(err) {
		return err
	}
	return errInvalidParameter{err}
}

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Cause() error { return e.error }

func (e errConflict) Unwrap() error { return e.error }

// Conflict creates an ErrConflict from the given error.
func Conflict(err error) error {
	if err == nil || IsConflict(err) {
		return err
	}
	return errConflict{err}
}

type errUnauthorized struct{ error }

func (errUnauthorized) Unauthorized() {}

func (e errUnauthorized) Cause() error { return e.error }

func (e errUnauthorized) Unwrap() error { return e.error }

// Unauthorized creates an ErrUnauthorized from the given error.
func Unauthorized(err error) error {
	if err == nil || IsUnauthorized(err) {
		return err
	}
	return errUnauthorized{err}
}

type errForbidden struct{ error }

func (errForbidden) Forbidden() {}

func (e errForbidden) Cause() error { return e.error }

func (e errForbidden) Unwrap() error { return e.error }

// Forbidden creates an ErrForbidden from the given error.
func Forbidden(err error) error {
	if err == nil || IsForbidden(err) {
		return err
	}
	return errForbidden{err}
}

type errUnsupportedMedia struct{ error }

func (errUnsupportedMedia) UnsupportedMedia() {}

func (e errUnsupportedMedia) Cause() error { return e.error }

func (e errUnsupportedMedia) Unwrap() error { return e.error }

// UnsupportedMedia creates an ErrUnsupportedMedia from the given error.
func UnsupportedMedia(err error) error {
	if err == nil || IsUnsupportedMedia(err) {
		return err
	}
	return errUnsupportedMedia{err}
}

type errUnavailable struct{ error }

func (errUnavailable) Unavailable() {}

func (e errUnavailable) Cause() error { return e.error }

func (e errUnavailable) Unwrap() error { return e.error }

// Unavailable creates an ErrUnavailable from the given error.
func Unavailable(err error) error {
	if err == nil || IsUnavailable(err) {
		return err
	}
	return errUnavailable{err}
}

type errSystem struct{ error }

func (errSystem) System() {}

func (e errSystem) Cause() error { return e.error }

func (e errSystem) Unwrap() error { return e.error }

// System creates an ErrSystem from the given error.
func System(err error) error {
	if err == nil || IsSystem(err) {
		return err
	}
	return errSystem{err}
}

func getImplementer(err error) error {
	switch e := err.(type) {
	case ErrNotFound,
		ErrInvalidParameter,
		ErrConflict,
		ErrUnauthorized,
		ErrForbidden,
		ErrUnsupportedMedia,
		ErrUnavailable,
		ErrSystem:
		return err
	case interface{ Cause() error }:
		return getImplementer(e.Cause())
	case interface{ Unwrap() error }:
		return getImplementer(e.Unwrap())
	default:
		return err
	}
}

// IsNotFound returns if the passed in error is an ErrNotFound.
func IsNotFound(err error) bool {
	if _, ok := getImplementer(err).(ErrNotFound); ok {
		return true
	}
	return cerrdefs.IsNotFound(err)
}

// IsInvalidParameter returns if the passed in error is an ErrInvalidParameter.
func IsInvalidParameter(err error) bool {
	if _, ok := getImplementer(err).(ErrInvalidParameter); ok {
		return true
	}
	return cerrdefs.IsInvalidArgument(err)
}

// IsConflict returns if the passed in error is an ErrConflict.
func IsConflict(err error) bool {
	if _, ok := getImplementer(err).(ErrConflict); ok {
		return true
	}
	return cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err)
}

// IsUnauthorized returns if the passed in error is an ErrUnauthorized.
func IsUnauthorized(err error) bool {
	if _, ok := getImplementer(err).(ErrUnauthorized); ok {
		return true
	}
	return cerrdefs.IsUnauthorized(err)
}

// IsForbidden returns if the passed in error is an ErrForbidden.
func IsForbidden(err error) bool {
	if _, ok := getImplementer(err).(ErrForbidden); ok {
		return true
	}
	return cerrdefs.IsPermissionDenied(err)
}

// IsUnsupportedMedia returns if the passed in error is an ErrUnsupportedMedia.
func IsUnsupportedMedia(err error) bool {
	_, ok := getImplementer(err).(ErrUnsupportedMedia)
	return ok
}

// IsUnavailable returns if the passed in error is an ErrUnavailable.
func IsUnavailable(err error) bool {
	if _, ok := getImplementer(err).(ErrUnavailable); ok {
		return true
	}
	return cerrdefs.IsUnavailable(err)
}

// IsSystem returns if the passed in error is an ErrSystem.
func IsSystem(err error) bool {
	_, ok := getImplementer(err).(ErrSystem)
	return ok
}

// IsContext returns if the passed in error is due to context cancellation
// or deadline expiry.
func IsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
