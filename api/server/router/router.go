// Package router defines how endpoint groups plug into the API server.
package router

import "github.com/imgd/imgd/api/server/httputils"

// Router is a collection of routes one subsystem exposes.
type Router interface {
	Routes() []Route
}

// Route is a single endpoint.
type Route interface {
	Handler() httputils.APIFunc
	Method() string
	Path() string
}

type route struct {
	method  string
	path    string
	handler httputils.APIFunc
}

func (r route) Handler() httputils.APIFunc { return r.handler }
func (r route) Method() string             { return r.method }
func (r route) Path() string               { return r.path }

// NewRoute builds a route for an arbitrary method.
func NewRoute(method, path string, handler httputils.APIFunc) Route {
	return route{method: method, path: path, handler: handler}
}

// NewGetRoute builds a GET route.
func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("GET", path, handler)
}

// NewPostRoute builds a POST route.
func NewPostRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("POST", path, handler)
}

// NewPutRoute builds a PUT route.
func NewPutRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("PUT", path, handler)
}

// NewDeleteRoute builds a DELETE route.
func NewDeleteRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("DELETE", path, handler)
}
