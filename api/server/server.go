// Package server wires the routers, middleware and authentication into
// one http.Handler.
package server

import (
	"context"
	"net/http"

	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/api/server/httputils"
	"github.com/imgd/imgd/api/server/middleware"
	"github.com/imgd/imgd/api/server/router"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/errdefs"
)

// Authenticator resolves the request's user. A nil user is the
// anonymous public visitor; an error rejects the request with 401.
type Authenticator func(r *http.Request) (*datastore.User, error)

type userKey struct{}

// UserFromContext returns the authenticated user, or nil for anonymous.
func UserFromContext(ctx context.Context) *datastore.User {
	u, _ := ctx.Value(userKey{}).(*datastore.User)
	return u
}

// Server assembles the API surface.
type Server struct {
	auth        Authenticator
	middlewares []middleware.Middleware
	routers     []router.Router
}

// New returns a Server with the standard middleware stack. A nil
// authenticator treats every request as anonymous.
func New(auth Authenticator) *Server {
	return &Server{
		auth: auth,
		middlewares: []middleware.Middleware{
			middleware.RequestLog{},
			middleware.ServerHeader{Value: "imgd"},
		},
	}
}

// UseMiddleware appends a middleware to the chain.
func (s *Server) UseMiddleware(m middleware.Middleware) {
	s.middlewares = append(s.middlewares, m)
}

// InitRouter registers the routers the mux will serve.
func (s *Server) InitRouter(routers ...router.Router) {
	s.routers = append(s.routers, routers...)
}

func (s *Server) handlerWithGlobalMiddlewares(handler httputils.APIFunc) httputils.APIFunc {
	next := handler
	for _, m := range s.middlewares {
		next = m.WrapHandler(next)
	}
	return next
}

func (s *Server) makeHTTPHandler(handler httputils.APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.auth != nil {
			user, err := s.auth(r)
			if err != nil {
				httputils.WriteError(w, errdefs.Unauthorized(err))
				return
			}
			ctx = context.WithValue(ctx, userKey{}, user)
		}
		wrapped := s.handlerWithGlobalMiddlewares(handler)
		if err := wrapped(w, r.WithContext(ctx), mux.Vars(r)); err != nil {
			statusCode := errdefs.ToStatusCode(err)
			if statusCode >= http.StatusInternalServerError {
				log.G(ctx).WithError(err).Error("internal server error")
			}
			httputils.WriteError(w, err)
		}
	}
}

// CreateMux builds the request multiplexer over every registered route.
func (s *Server) CreateMux() *mux.Router {
	m := mux.NewRouter()
	for _, apiRouter := range s.routers {
		for _, r := range apiRouter.Routes() {
			m.Path(r.Path()).Methods(r.Method()).Handler(s.makeHTTPHandler(r.Handler()))
		}
	}
	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputils.WriteError(w, errdefs.NotFound(errors.Errorf("page not found: %s", r.URL.Path)))
	})
	return m
}
