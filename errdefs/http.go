package errdefs

import (
	"context"
	"net/http"

	"github.com/containerd/log"
)

// ToStatusCode returns the HTTP status code for the given error. Each
// error class has exactly one canonical mapping; unclassified errors
// are reported as an internal server error.
func ToStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInvalidParameter(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsForbidden(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsUnsupportedMedia(err):
		return http.StatusUnsupportedMediaType
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsContext(err):
		return http.StatusInternalServerError
	case IsSystem(err):
		return http.StatusInternalServerError
	default:
		log.G(context.TODO()).WithFields(log.Fields{
			"module": "api",
			"error":  err,
		}).Debug("FIXME: Got an unclassified error, should send a 500 only if no better class applies")
		return http.StatusInternalServerError
	}
}

// FromStatusCode creates an errdefs error, based on the provided HTTP
// status-code. This is the inverse of ToStatusCode and is used when
// replaying an error that crossed a process boundary (task results).
func FromStatusCode(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	switch statusCode {
	case http.StatusBadRequest:
		return InvalidParameter(err)
	case http.StatusUnauthorized:
		return Unauthorized(err)
	case http.StatusForbidden:
		return Forbidden(err)
	case http.StatusNotFound:
		return NotFound(err)
	case http.StatusConflict:
		return Conflict(err)
	case http.StatusUnsupportedMediaType:
		return UnsupportedMedia(err)
	case http.StatusServiceUnavailable:
		return Unavailable(err)
	default:
		return System(err)
	}
}
