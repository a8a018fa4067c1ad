// Package middleware holds the handler decorators applied to every API
// route.
package middleware

import (
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/imgd/imgd/api/server/httputils"
)

// Middleware decorates an API handler.
type Middleware interface {
	WrapHandler(httputils.APIFunc) httputils.APIFunc
}

// RequestLog logs one line per request with a short request id, the
// outcome and the latency. Image bodies never reach the log.
type RequestLog struct{}

// WrapHandler implements Middleware.
func (RequestLog) WrapHandler(handler httputils.APIFunc) httputils.APIFunc {
	return func(w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		reqID := uuid.NewString()[:8]
		logger := log.G(r.Context()).WithFields(log.Fields{
			"req_id": reqID,
			"method": r.Method,
			"uri":    r.RequestURI,
		})
		ctx := log.WithLogger(r.Context(), logger)
		start := time.Now()
		err := handler(w, r.WithContext(ctx), vars)
		entry := logger.WithField("elapsed", time.Since(start).Round(time.Millisecond))
		if err != nil {
			entry.WithError(err).Info("request failed")
		} else {
			entry.Debug("request done")
		}
		return err
	}
}

// ServerHeader stamps every response with the product header.
type ServerHeader struct {
	Value string
}

// WrapHandler implements Middleware.
func (m ServerHeader) WrapHandler(handler httputils.APIFunc) httputils.APIFunc {
	return func(w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		w.Header().Set("Server", m.Value)
		return handler(w, r, vars)
	}
}
