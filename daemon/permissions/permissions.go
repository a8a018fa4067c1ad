// Package permissions answers allow/deny for (user, folder, access
// level). Grants attach groups to folders; a folder without a grant
// for a group inherits the nearest ancestor's grant for that group. A
// user's effective level is the strongest grant across their groups.
//
// Results are cached two ways: public (anonymous) answers in a
// per-process LRU, per-user answers in the shared derivative cache so
// every web worker benefits. Both carry the permission version stamp;
// bumping the version makes all stale entries unreachable without an
// explicit purge.
package permissions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/errdefs"
)

// AccessLevel orders folder abilities; a grant at level L implies every
// lower level.
type AccessLevel int

const (
	AccessNone         AccessLevel = 0
	AccessView         AccessLevel = 10
	AccessDownload     AccessLevel = 20
	AccessEdit         AccessLevel = 30
	AccessUpload       AccessLevel = 40
	AccessDelete       AccessLevel = 50
	AccessCreateFolder AccessLevel = 60
	AccessDeleteFolder AccessLevel = 70
)

func (l AccessLevel) String() string {
	switch l {
	case AccessNone:
		return "none"
	case AccessView:
		return "view"
	case AccessDownload:
		return "download"
	case AccessEdit:
		return "edit"
	case AccessUpload:
		return "upload"
	case AccessDelete:
		return "delete"
	case AccessCreateFolder:
		return "create folder"
	case AccessDeleteFolder:
		return "delete folder"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// System flags groups can carry.
const (
	FlagAdminFiles       = "admin_files"
	FlagAdminUsers       = "admin_users"
	FlagAdminPermissions = "admin_permissions"
	FlagSuperUser        = "super_user"
)

const (
	// versionPollInterval bounds how often the version counter is
	// re-read from the datastore.
	versionPollInterval = 10 * time.Second
	// publicCacheSize bounds the per-process LRU of public answers.
	publicCacheSize = 4096
	// userEntryTTL bounds distributed per-user entries; the version
	// stamp already invalidates them on change, the TTL just stops
	// dead versions accumulating.
	userEntryTTL = time.Hour
)

// ControlCache is the slice of the derivative cache the engine uses
// for distributed per-user entries. Nil is acceptable: the engine then
// recomputes per process.
type ControlCache interface {
	PutControl(key string, value []byte, ttl time.Duration) error
	GetControl(key string) ([]byte, bool)
}

// Store is the datastore slice the engine reads.
type Store interface {
	PermissionsForGroup(ctx context.Context, groupID int64) ([]*datastore.FolderPermission, error)
	GroupByID(ctx context.Context, id int64) (*datastore.Group, error)
	FolderByPath(ctx context.Context, path string) (*datastore.Folder, error)
	GetProperty(ctx context.Context, key string) (string, error)
	IncrementProperty(ctx context.Context, key string) (int64, error)
}

// Engine is the permission oracle. Construct once at startup.
type Engine struct {
	store Store
	cache ControlCache

	public *lru.Cache[string, AccessLevel]

	// refreshMu serialises grant reloads so a version bump causes one
	// datastore read per group, not one per in-flight request.
	refreshMu sync.Mutex
	grantsMu  sync.RWMutex
	grants    map[int64]map[int64]AccessLevel // group -> folder -> level
	grantsVer int64

	versionMu sync.Mutex
	version   int64
	checkedAt time.Time

	now func() time.Time
}

// NewEngine builds the oracle. cache may be nil.
func NewEngine(store Store, cache ControlCache) (*Engine, error) {
	pub, err := lru.New[string, AccessLevel](publicCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:  store,
		cache:  cache,
		public: pub,
		grants: map[int64]map[int64]AccessLevel{},
		now:    time.Now,
	}, nil
}

// HasSystem reports whether the user (nil for anonymous) carries a
// system flag through any of their groups. Super-users pass every
// check.
func (e *Engine) HasSystem(ctx context.Context, flag string, user *datastore.User) (bool, error) {
	for _, gid := range groupIDs(user) {
		g, err := e.store.GroupByID(ctx, gid)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return false, err
		}
		for _, f := range g.SystemFlags {
			if f == flag || f == FlagSuperUser {
				return true, nil
			}
		}
	}
	return false, nil
}

// RequireSystem is HasSystem with deny turned into an error.
func (e *Engine) RequireSystem(ctx context.Context, flag string, user *datastore.User) error {
	ok, err := e.HasSystem(ctx, flag, user)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Forbidden(errors.Errorf("you do not have %q permission", flag))
	}
	return nil
}

// HasFolder checks that the user holds at least the required level on
// the folder. mayNotExist allows checking a folder that has no record
// yet (an upload target, say): the answer then comes from the nearest
// existing ancestor. With mayNotExist false a missing folder is
// NotFound.
func (e *Engine) HasFolder(ctx context.Context, path string, required AccessLevel, user *datastore.User, mayNotExist bool) error {
	if !mayNotExist {
		f, err := e.store.FolderByPath(ctx, path)
		if err != nil {
			return err
		}
		if f == nil || f.Deleted {
			return errdefs.NotFound(errors.Errorf("folder %q does not exist", path))
		}
	}
	level, err := e.FolderAccess(ctx, path, user)
	if err != nil {
		return err
	}
	if level < required {
		return errdefs.Forbidden(errors.Errorf("you do not have %s permission for folder %q", required, path))
	}
	return nil
}

// FolderAccess computes the user's effective level on a folder path.
func (e *Engine) FolderAccess(ctx context.Context, path string, user *datastore.User) (AccessLevel, error) {
	version, err := e.currentVersion(ctx)
	if err != nil {
		return AccessNone, err
	}

	if user == nil {
		key := fmt.Sprintf("v%d:%s", version, path)
		if level, ok := e.public.Get(key); ok {
			return level, nil
		}
		level, err := e.compute(ctx, path, nil, version)
		if err != nil {
			return AccessNone, err
		}
		e.public.Add(key, level)
		return level, nil
	}

	key := fmt.Sprintf("PERM:%d:%d:%s", version, user.ID, path)
	if e.cache != nil {
		if b, ok := e.cache.GetControl(key); ok {
			if n, err := strconv.Atoi(string(b)); err == nil {
				return AccessLevel(n), nil
			}
		}
	}
	level, err := e.compute(ctx, path, user, version)
	if err != nil {
		return AccessNone, err
	}
	if e.cache != nil {
		if err := e.cache.PutControl(key, []byte(strconv.Itoa(int(level))), userEntryTTL); err != nil {
			log.G(ctx).WithError(err).Debug("permission cache write failed")
		}
	}
	return level, nil
}

// TraceStep is one hop of a TraceFolder walk.
type TraceStep struct {
	Path    string
	GroupID int64
	Level   AccessLevel
	Granted bool // a grant exists at this folder for this group
}

// TraceFolder explains how the effective level for a user on a path is
// derived: for each group, the ancestor walk and where it stopped.
// Diagnostic only.
func (e *Engine) TraceFolder(ctx context.Context, path string, user *datastore.User) ([]TraceStep, error) {
	version, err := e.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	var steps []TraceStep
	for _, gid := range groupIDs(user) {
		grants, err := e.grantsFor(ctx, gid, version)
		if err != nil {
			return nil, err
		}
		for p := path; ; p = parentPath(p) {
			step := TraceStep{Path: p, GroupID: gid}
			if f, err := e.store.FolderByPath(ctx, p); err != nil {
				return nil, err
			} else if f != nil {
				if level, ok := grants[f.ID]; ok {
					step.Level = level
					step.Granted = true
				}
			}
			steps = append(steps, step)
			if step.Granted || p == "" {
				break
			}
		}
	}
	return steps, nil
}

// BumpVersion invalidates every cached answer everywhere by moving the
// version counter forward.
func (e *Engine) BumpVersion(ctx context.Context) (int64, error) {
	n, err := e.store.IncrementProperty(ctx, datastore.PropPermissionsVersion)
	if err != nil {
		return 0, err
	}
	e.versionMu.Lock()
	e.version = n
	e.checkedAt = e.now()
	e.versionMu.Unlock()
	e.public.Purge()
	log.G(ctx).WithField("version", n).Info("permissions version bumped")
	return n, nil
}

// compute is the uncached ancestor walk across the user's groups.
func (e *Engine) compute(ctx context.Context, path string, user *datastore.User, version int64) (AccessLevel, error) {
	best := AccessNone
	for _, gid := range groupIDs(user) {
		grants, err := e.grantsFor(ctx, gid, version)
		if err != nil {
			return AccessNone, err
		}
		level, err := e.walk(ctx, path, grants)
		if err != nil {
			return AccessNone, err
		}
		if level > best {
			best = level
		}
	}
	return best, nil
}

// walk finds the nearest ancestor of path carrying a grant.
func (e *Engine) walk(ctx context.Context, path string, grants map[int64]AccessLevel) (AccessLevel, error) {
	for p := path; ; p = parentPath(p) {
		f, err := e.store.FolderByPath(ctx, p)
		if err != nil {
			return AccessNone, err
		}
		if f != nil {
			if level, ok := grants[f.ID]; ok {
				return level, nil
			}
		}
		if p == "" {
			return AccessNone, nil
		}
	}
}

// grantsFor returns the folder->level map for one group at the given
// version, reloading from the datastore at most once per version.
func (e *Engine) grantsFor(ctx context.Context, groupID int64, version int64) (map[int64]AccessLevel, error) {
	e.grantsMu.RLock()
	if e.grantsVer == version {
		if m, ok := e.grants[groupID]; ok {
			e.grantsMu.RUnlock()
			return m, nil
		}
	}
	e.grantsMu.RUnlock()

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	// another goroutine may have loaded it while we queued
	e.grantsMu.RLock()
	if e.grantsVer == version {
		if m, ok := e.grants[groupID]; ok {
			e.grantsMu.RUnlock()
			return m, nil
		}
	}
	e.grantsMu.RUnlock()

	perms, err := e.store.PermissionsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]AccessLevel, len(perms))
	for _, p := range perms {
		m[p.FolderID] = AccessLevel(p.Access)
	}

	e.grantsMu.Lock()
	if e.grantsVer != version {
		e.grants = map[int64]map[int64]AccessLevel{}
		e.grantsVer = version
	}
	e.grants[groupID] = m
	e.grantsMu.Unlock()
	return m, nil
}

// currentVersion returns the permission version, re-reading the
// property at most once per poll interval. A version change purges the
// public LRU.
func (e *Engine) currentVersion(ctx context.Context) (int64, error) {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()
	if e.version != 0 && e.now().Sub(e.checkedAt) < versionPollInterval {
		return e.version, nil
	}
	v, err := e.store.GetProperty(ctx, datastore.PropPermissionsVersion)
	if err != nil {
		if e.version != 0 {
			// serve the last known version rather than failing the request
			log.G(ctx).WithError(err).Warn("cannot read permissions version, using cached")
			return e.version, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "permissions version is not numeric")
	}
	if e.version != 0 && n != e.version {
		e.public.Purge()
	}
	e.version = n
	e.checkedAt = e.now()
	return n, nil
}

func groupIDs(user *datastore.User) []int64 {
	if user == nil {
		return []int64{datastore.PublicGroupID}
	}
	ids := []int64{datastore.PublicGroupID}
	for _, g := range user.GroupIDs {
		if g != datastore.PublicGroupID {
			ids = append(ids, g)
		}
	}
	return ids
}

func parentPath(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}
