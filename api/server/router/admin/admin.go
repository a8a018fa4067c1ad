// Package admin exposes the administrative endpoints under /api/admin.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/imgd/imgd/api/server/router"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/tasks"
)

// Backend is the slice of the admin service this router needs.
type Backend interface {
	CreateFolder(ctx context.Context, path string, user *datastore.User) (string, error)
	DeleteFolder(ctx context.Context, path string, user *datastore.User) (*tasks.Task, error)
	MoveFolder(ctx context.Context, from, to string, user *datastore.User) (*tasks.Task, error)

	SubmitTask(ctx context.Context, name, function string, params json.RawMessage, pri tasks.Priority, user *datastore.User) (*tasks.Task, error)
	GetTask(ctx context.Context, id string, user *datastore.User) (*tasks.Task, error)
	WaitTask(ctx context.Context, id string, timeout time.Duration, user *datastore.User) (*tasks.Task, error)
	PurgeTask(ctx context.Context, id string, user *datastore.User) error
	ListTasks(ctx context.Context, status tasks.Status, user *datastore.User) ([]*tasks.Task, error)

	TemplateNames(ctx context.Context, user *datastore.User) ([]string, error)
	ReloadTemplates(ctx context.Context, user *datastore.User) error
	FlushCache(ctx context.Context, user *datastore.User) error
	BumpPermissions(ctx context.Context, user *datastore.User) (int64, error)
}

type adminRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter builds the admin router over the given backend.
func NewRouter(backend Backend) router.Router {
	r := &adminRouter{backend: backend}
	r.routes = []router.Route{
		router.NewPostRoute("/api/admin/filesystem/folders", r.postFolder),
		router.NewPostRoute("/api/admin/filesystem/folders/", r.postFolder),
		router.NewDeleteRoute("/api/admin/filesystem/folders", r.deleteFolder),
		router.NewPostRoute("/api/admin/filesystem/folders/move", r.moveFolder),

		router.NewPostRoute("/api/admin/tasks", r.postTask),
		router.NewGetRoute("/api/admin/tasks", r.listTasks),
		router.NewGetRoute("/api/admin/tasks/{id}", r.getTask),
		router.NewGetRoute("/api/admin/tasks/{id}/wait", r.waitTask),
		router.NewDeleteRoute("/api/admin/tasks/{id}", r.purgeTask),

		router.NewGetRoute("/api/admin/templates", r.getTemplates),
		router.NewPostRoute("/api/admin/templates/reload", r.reloadTemplates),

		router.NewDeleteRoute("/api/admin/cache", r.flushCache),
		router.NewPostRoute("/api/admin/permissions/reload", r.bumpPermissions),
	}
	return r
}

// Routes implements router.Router.
func (ar *adminRouter) Routes() []router.Route {
	return ar.routes
}
