package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

var errTest = errors.New("this is a test")

func TestNotFound(t *testing.T) {
	if IsNotFound(errTest) {
		t.Fatalf("did not expect not found error, got %T", errTest)
	}
	e := NotFound(errTest)
	if !IsNotFound(e) {
		t.Fatalf("expected not found error, got: %T", e)
	}
	if cause := e.(causer).Cause(); cause != errTest {
		t.Fatalf("causual should be errTest, got: %v", cause)
	}
	if !errors.Is(e, errTest) {
		t.Fatalf("expected not found error to match errTest")
	}

	wrapped := fmt.Errorf("foo: %w", e)
	if !IsNotFound(wrapped) {
		t.Fatalf("expected a wrapped not found error to still classify")
	}
}

func TestConflict(t *testing.T) {
	if IsConflict(errTest) {
		t.Fatalf("did not expect conflict error, got %T", errTest)
	}
	e := Conflict(errTest)
	if !IsConflict(e) {
		t.Fatalf("expected conflict error, got: %T", e)
	}
	if IsNotFound(e) {
		t.Fatalf("conflict error must not classify as not found")
	}
}

type causer interface {
	Cause() error
}

func TestNilPassthrough(t *testing.T) {
	for _, wrap := range []func(error) error{
		NotFound, InvalidParameter, Conflict, Unauthorized,
		Forbidden, UnsupportedMedia, Unavailable, System,
	} {
		if err := wrap(nil); err != nil {
			t.Fatalf("expected nil to pass through, got %v", err)
		}
	}
}

func TestNoDoubleWrap(t *testing.T) {
	e := Forbidden(errTest)
	if Forbidden(e) != e {
		t.Fatal("wrapping an already-classified error must be a no-op")
	}
}

func TestToStatusCode(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{err: InvalidParameter(errTest), status: http.StatusBadRequest},
		{err: Unauthorized(errTest), status: http.StatusUnauthorized},
		{err: Forbidden(errTest), status: http.StatusForbidden},
		{err: NotFound(errTest), status: http.StatusNotFound},
		{err: Conflict(errTest), status: http.StatusConflict},
		{err: UnsupportedMedia(errTest), status: http.StatusUnsupportedMediaType},
		{err: Unavailable(errTest), status: http.StatusServiceUnavailable},
		{err: System(errTest), status: http.StatusInternalServerError},
		{err: errTest, status: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		if status := ToStatusCode(tc.err); status != tc.status {
			t.Errorf("expected status %d for %T, got %d", tc.status, tc.err, status)
		}
	}
}

func TestFromStatusCodeRoundTrip(t *testing.T) {
	for _, status := range []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnsupportedMediaType,
		http.StatusServiceUnavailable,
		http.StatusInternalServerError,
	} {
		err := FromStatusCode(errTest, status)
		if got := ToStatusCode(err); got != status {
			t.Errorf("status %d did not round-trip, got %d", status, got)
		}
	}
}
