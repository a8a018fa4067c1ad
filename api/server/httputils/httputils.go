// Package httputils provides the small request/response helpers shared
// by every router package.
package httputils

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// APIFunc is the signature every API endpoint implements. Returned
// errors are translated to HTTP status codes centrally.
type APIFunc func(w http.ResponseWriter, r *http.Request, vars map[string]string) error

// ParseForm parses the request form and classifies failures as client
// errors.
func ParseForm(r *http.Request) error {
	if r == nil {
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return errdefs.InvalidParameter(err)
	}
	return nil
}

// BoolValue interprets the form value as a boolean. Empty, "0",
// "false", "none" and "no" are false; everything else is true.
func BoolValue(r *http.Request, k string) bool {
	s := strings.ToLower(strings.TrimSpace(r.FormValue(k)))
	return !(s == "" || s == "0" || s == "no" || s == "false" || s == "none")
}

// BoolValueOrDefault returns d when the form key is absent.
func BoolValueOrDefault(r *http.Request, k string, d bool) bool {
	if _, ok := r.Form[k]; !ok {
		return d
	}
	return BoolValue(r, k)
}

// IntValueOrZero parses the form value as an int, treating absence and
// garbage as zero.
func IntValueOrZero(r *http.Request, k string) int {
	v, err := strconv.Atoi(r.FormValue(k))
	if err != nil {
		return 0
	}
	return v
}

// WriteJSON writes the value as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ReadJSON decodes the request body into out, rejecting unknown fields.
func ReadJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errdefs.InvalidParameter(errors.Wrap(err, "invalid JSON"))
	}
	if dec.More() {
		return errdefs.InvalidParameter(errors.New("unexpected content after JSON body"))
	}
	return nil
}

// WriteError maps the error to a status code and emits a JSON error
// body. Server-side detail is kept out of 5xx responses.
func WriteError(w http.ResponseWriter, err error) {
	code := errdefs.ToStatusCode(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		msg = http.StatusText(code)
	}
	_ = WriteJSON(w, code, map[string]string{"message": msg})
}
