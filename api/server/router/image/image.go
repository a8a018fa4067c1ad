// Package image exposes the derivative and original endpoints.
package image

import (
	"context"

	"github.com/imgd/imgd/api/server/router"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/images"
)

// Backend is the slice of the image manager this router needs.
type Backend interface {
	Serve(ctx context.Context, req *images.Request, user *datastore.User) (*images.ServedImage, error)
	ServeOriginal(ctx context.Context, src string, user *datastore.User, attach bool) (*images.ServedImage, error)
}

type imageRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter builds the image router over the given backend.
func NewRouter(backend Backend) router.Router {
	r := &imageRouter{backend: backend}
	r.routes = []router.Route{
		router.NewGetRoute("/image", r.getImage),
		router.NewGetRoute("/original", r.getOriginal),
	}
	return r
}

// Routes implements router.Router.
func (ir *imageRouter) Routes() []router.Route {
	return ir.routes
}
