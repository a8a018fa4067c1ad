// Package tasks is the durable background work queue. Tasks are
// (function, typed params) records persisted in a bbolt database,
// ordered by priority then submission, with at most one live record
// per (function, params) pair. A fixed worker pool drains the queue;
// one task server runs per host, enforced by binding a well-known
// port.
package tasks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// Priority orders dispatch: high before normal before low, FIFO within
// a band.
type Priority uint8

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// TaskError is the typed failure stored on a completed task. Kind is
// the HTTP-shaped classification so the error can be rebuilt on read.
type TaskError struct {
	Kind    int    `json:"kind"`
	Message string `json:"message"`
}

// Err rebuilds a classified error from the stored record.
func (e *TaskError) Err() error {
	if e == nil {
		return nil
	}
	return errdefs.FromStatusCode(errors.New(e.Message), e.Kind)
}

// NewTaskError captures err for storage.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: errdefs.ToStatusCode(err), Message: err.Error()}
}

// Task is one queue record.
type Task struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Function string          `json:"function"`
	Params   json.RawMessage `json:"params,omitempty"`
	Priority Priority        `json:"priority"`
	Status   Status          `json:"status"`

	// LockID identifies the worker that owns an active task, as
	// "<instance>_<worker>". Empty while pending.
	LockID string `json:"lock_id,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`

	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	KeepFor     time.Duration `json:"keep_for"`
	KeepUntil   time.Time     `json:"keep_until,omitzero"`

	// queueKey locates the record's slot in the dispatch index.
	QueueKey []byte `json:"queue_key,omitempty"`
}

// digest is the dedupe key: a hash of the function name and the
// canonical params encoding.
func digest(function string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(function))
	h.Write([]byte{0})
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

// Handler executes one task. The returned value is JSON-encoded into
// the task record; a returned error is stored as a TaskError.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Function couples a handler with a params prototype used to validate
// and canonicalise submissions.
type Function struct {
	// NewParams returns a zero params struct to unmarshal into; nil
	// means the function takes no params.
	NewParams func() any
	Handler   Handler
}

// Registry maps function names to their implementations. Populate at
// startup; lookups after that are read-only.
type Registry struct {
	funcs map[string]Function
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Function{}}
}

// Register adds a function. Registering a duplicate name panics: it is
// a wiring bug, not a runtime condition.
func (r *Registry) Register(name string, fn Function) {
	if _, ok := r.funcs[name]; ok {
		panic("tasks: function registered twice: " + name)
	}
	if fn.Handler == nil {
		panic("tasks: function has no handler: " + name)
	}
	r.funcs[name] = fn
}

// Lookup returns the named function.
func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// CanonicalParams validates raw params against the function's
// prototype and re-encodes them deterministically so equal params
// always produce equal digests.
func (r *Registry) CanonicalParams(function string, raw json.RawMessage) (json.RawMessage, error) {
	fn, ok := r.funcs[function]
	if !ok {
		return nil, errdefs.InvalidParameter(errors.Errorf("unknown task function %q", function))
	}
	if fn.NewParams == nil {
		if len(raw) > 0 && string(raw) != "null" && string(raw) != "{}" {
			return nil, errdefs.InvalidParameter(errors.Errorf("task function %q takes no parameters", function))
		}
		return nil, nil
	}
	p := fn.NewParams()
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrapf(err, "invalid parameters for task function %q", function))
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return out, nil
}
