// Package errdefs defines the error classes used throughout the daemon.
//
// Errors are classified by behaviour, not by type: any error value may
// implement one of the classifier interfaces below, and the HTTP layer
// maps each class to exactly one status code. Helpers in this package
// wrap plain errors into a class while preserving the cause chain.
package errdefs

// ErrNotFound signals that the requested object is not found.
type ErrNotFound interface {
	NotFound()
}

// ErrInvalidParameter signals that the user input is invalid.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrConflict signals that some pre-required condition failed, such as
// creating an object that already exists.
type ErrConflict interface {
	Conflict()
}

// ErrUnauthorized is used to signal that the user is not authorized to
// perform a specific action.
type ErrUnauthorized interface {
	Unauthorized()
}

// ErrForbidden signals that the request was understood but refused: a
// permission check denied access, or a path escaped its sandbox.
type ErrForbidden interface {
	Forbidden()
}

// ErrUnsupportedMedia signals that the supplied bytes could not be
// decoded by any available codec.
type ErrUnsupportedMedia interface {
	UnsupportedMedia()
}

// ErrUnavailable signals that the requested action cannot be performed
// right now, but may succeed if retried (e.g. a generation-lock wait
// budget expired).
type ErrUnavailable interface {
	Unavailable()
}

// ErrSystem signals a server-side failure that the caller cannot fix.
type ErrSystem interface {
	System()
}
