// Package admin implements the administrative operations behind the
// /api/admin surface: folder management, task control, template and
// permission reloads, cache flushes. Every operation checks a system
// flag before touching anything.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/daemon/blobstore"
	"github.com/imgd/imgd/daemon/cache"
	"github.com/imgd/imgd/daemon/config"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/images"
	"github.com/imgd/imgd/daemon/permissions"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/daemon/templates"
	"github.com/imgd/imgd/errdefs"
)

// Options wires a Service.
type Options struct {
	Config      *config.Config
	Store       datastore.Store
	Blobs       *blobstore.Store
	Cache       *cache.Manager
	Templates   *templates.Registry
	Permissions *permissions.Engine
	Tasks       *tasks.Store
}

// Service executes administrative operations.
type Service struct {
	cfg   *config.Config
	store datastore.Store
	blobs *blobstore.Store
	cache *cache.Manager
	tmpl  *templates.Registry
	perms *permissions.Engine
	tasks *tasks.Store
}

// NewService builds the admin service.
func NewService(opts Options) (*Service, error) {
	if opts.Config == nil || opts.Store == nil || opts.Blobs == nil || opts.Cache == nil ||
		opts.Templates == nil || opts.Permissions == nil {
		return nil, errors.New("admin service is missing a required dependency")
	}
	return &Service{
		cfg:   opts.Config,
		store: opts.Store,
		blobs: opts.Blobs,
		cache: opts.Cache,
		tmpl:  opts.Templates,
		perms: opts.Permissions,
		tasks: opts.Tasks,
	}, nil
}

// CreateFolder creates the physical directory and its catalogue record,
// returning the normalised path.
func (s *Service) CreateFolder(ctx context.Context, path string, user *datastore.User) (string, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return "", err
	}
	rel := blobstore.Normalise(path)
	if rel == "" {
		return "", errdefs.InvalidParameter(errors.New("parameter path is required"))
	}
	if _, err := s.blobs.Mkdir(rel); err != nil && !errdefs.IsConflict(err) {
		return "", err
	}
	folder, err := s.store.CreateFolder(ctx, rel)
	if err != nil {
		return "", err
	}
	log.G(ctx).WithField("path", folder.Path).Info("folder created")
	return folder.Path, nil
}

// DeleteFolder enqueues the background purge of a folder subtree.
func (s *Service) DeleteFolder(ctx context.Context, path string, user *datastore.User) (*tasks.Task, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	rel := blobstore.Normalise(path)
	if rel == "" {
		return nil, errdefs.InvalidParameter(errors.New("the root folder cannot be deleted"))
	}
	exists, err := s.blobs.PathExists(rel, blobstore.RequireDirectory)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errdefs.NotFound(errors.Errorf("folder %q does not exist", rel))
	}
	params, _ := json.Marshal(images.DeleteFolderParams{Path: rel})
	return s.tasks.Submit(ctx, "delete folder "+rel, images.FuncDeleteFolder, params, tasks.PriorityNormal, s.cfg.TaskKeepFor())
}

// MoveFolder enqueues the background move of a folder subtree.
func (s *Service) MoveFolder(ctx context.Context, from, to string, user *datastore.User) (*tasks.Task, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	params, err := json.Marshal(images.MoveFolderParams{From: blobstore.Normalise(from), To: blobstore.Normalise(to)})
	if err != nil {
		return nil, err
	}
	return s.tasks.Submit(ctx, "move folder "+blobstore.Normalise(from), images.FuncMoveFolder, params, tasks.PriorityNormal, s.cfg.TaskKeepFor())
}

// SubmitTask enqueues an arbitrary registered task function.
func (s *Service) SubmitTask(ctx context.Context, name, function string, params json.RawMessage, pri tasks.Priority, user *datastore.User) (*tasks.Task, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	return s.tasks.Submit(ctx, name, function, params, pri, s.cfg.TaskKeepFor())
}

// GetTask returns one task record.
func (s *Service) GetTask(ctx context.Context, id string, user *datastore.User) (*tasks.Task, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	return s.tasks.Get(ctx, id)
}

// WaitTask blocks until the task completes or the timeout elapses.
func (s *Service) WaitTask(ctx context.Context, id string, timeout time.Duration, user *datastore.User) (*tasks.Task, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	return s.tasks.WaitFor(ctx, id, timeout)
}

// PurgeTask removes a pending task from the queue.
func (s *Service) PurgeTask(ctx context.Context, id string, user *datastore.User) error {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return err
	}
	if s.tasks == nil {
		return errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	return s.tasks.Purge(ctx, id)
}

// ListTasks lists tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status tasks.Status, user *datastore.User) ([]*tasks.Task, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, errdefs.Unavailable(errors.New("the task queue is not configured"))
	}
	return s.tasks.List(ctx, status)
}

// TemplateNames lists the loaded template names.
func (s *Service) TemplateNames(ctx context.Context, user *datastore.User) ([]string, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return nil, err
	}
	return s.tmpl.Names(), nil
}

// ReloadTemplates forces an immediate template reload.
func (s *Service) ReloadTemplates(ctx context.Context, user *datastore.User) error {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminFiles, user); err != nil {
		return err
	}
	return s.tmpl.Reload()
}

// FlushCache empties the derivative cache.
func (s *Service) FlushCache(ctx context.Context, user *datastore.User) error {
	if err := s.perms.RequireSystem(ctx, permissions.FlagSuperUser, user); err != nil {
		return err
	}
	log.G(ctx).Warn("flushing the derivative cache")
	return s.cache.Flush()
}

// BumpPermissions invalidates every cached permission decision
// cluster-wide by advancing the permissions version.
func (s *Service) BumpPermissions(ctx context.Context, user *datastore.User) (int64, error) {
	if err := s.perms.RequireSystem(ctx, permissions.FlagAdminPermissions, user); err != nil {
		return 0, err
	}
	return s.perms.BumpVersion(ctx)
}
