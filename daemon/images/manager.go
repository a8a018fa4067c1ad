// Package images orchestrates one derivative request end to end:
// finalising the spec, resolving the source, permission checks, cache
// probe, stampede control, base-image search, codec invocation and the
// final store. Everything else in the daemon exists to serve this
// package.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/daemon/blobstore"
	"github.com/imgd/imgd/daemon/cache"
	"github.com/imgd/imgd/daemon/codec"
	"github.com/imgd/imgd/daemon/config"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/icc"
	"github.com/imgd/imgd/daemon/imagespec"
	"github.com/imgd/imgd/daemon/permissions"
	"github.com/imgd/imgd/daemon/stats"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/daemon/templates"
	"github.com/imgd/imgd/errdefs"
	"github.com/imgd/imgd/pkg/locker"
)

const (
	// srcIDPrefix namespaces the cached path→source_id mapping.
	srcIDPrefix = "SRC:"
	srcIDTTL    = time.Hour

	// errorSentinel marks a cached codec failure so repeat requests
	// fail fast instead of re-entering the codec.
	errorSentinel = "*ERROR*"
	errorTTL      = 10 * time.Minute

	// tileBaseMarker records that the untiled derivative backing a
	// tile set was generated once; when it later evicts we do not
	// regenerate it synchronously.
	tileBaseMarker = "TILEBASE:"
	// pyramidMarker records that a pyramid build was scheduled for
	// (source, format).
	pyramidMarker = "PYR:"
	markerTTL     = 7 * 24 * time.Hour
)

// TaskSubmitter is the slice of the task store the manager schedules
// background work through. Nil disables scheduling.
type TaskSubmitter interface {
	Submit(ctx context.Context, name, function string, params json.RawMessage, pri tasks.Priority, keepFor time.Duration) (*tasks.Task, error)
}

// Options wires a Manager. Everything except Tasks and Stats is
// required.
type Options struct {
	Config      *config.Config
	Store       datastore.Store
	Blobs       *blobstore.Store
	Cache       *cache.Manager
	Codec       codec.Adapter
	Permissions *permissions.Engine
	Templates   *templates.Registry
	ICC         *icc.Registry
	Stats       *stats.Sink
	Tasks       TaskSubmitter
}

// Manager is the image pipeline. Construct once at startup.
type Manager struct {
	cfg   *config.Config
	store datastore.Store
	blobs *blobstore.Store
	cache *cache.Manager
	codec codec.Adapter
	perms *permissions.Engine
	tmpl  *templates.Registry
	icc   *icc.Registry
	stats *stats.Sink
	tasks TaskSubmitter

	env      *imagespec.Environment
	defaults imagespec.Defaults
	caps     map[string]bool

	// locks serialises source-id creation per path.
	locks *locker.Locker

	now func() time.Time
}

// NewManager builds the pipeline, querying the codec's capabilities
// and downgrading configuration for anything the back end cannot do.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Config == nil || opts.Store == nil || opts.Blobs == nil || opts.Cache == nil ||
		opts.Codec == nil || opts.Permissions == nil || opts.Templates == nil || opts.ICC == nil {
		return nil, errors.New("image manager is missing a required dependency")
	}
	caps := opts.Codec.SupportedOperations()

	formats := map[string]bool{}
	for _, f := range opts.Codec.SupportedFileTypes() {
		formats[f] = true
	}

	m := &Manager{
		cfg:   opts.Config,
		store: opts.Store,
		blobs: opts.Blobs,
		cache: opts.Cache,
		codec: opts.Codec,
		perms: opts.Permissions,
		tmpl:  opts.Templates,
		icc:   opts.ICC,
		stats: opts.Stats,
		tasks: opts.Tasks,
		caps:  caps,
		env: &imagespec.Environment{
			Formats:       formats,
			HasTemplate:   opts.Templates.Has,
			HasICCProfile: opts.ICC.Has,
		},
		defaults: imagespec.Defaults{
			Format:     opts.Config.DefaultFormat,
			Colorspace: opts.Config.DefaultColorspace,
			Strip:      opts.Config.DefaultStrip,
			DPI:        opts.Config.DefaultDPI,
		},
		locks: locker.New(),
		now:   time.Now,
	}

	if !caps[codec.OpBurstPDF] && opts.Config.PDFBurstDPI > 0 {
		log.G(ctx).Info("imaging back end cannot burst PDFs, feature disabled")
	}
	if !caps[codec.OpICC] {
		log.G(ctx).Info("imaging back end has no colour management, ICC profiles recorded but not applied")
	}
	return m, nil
}

// Request carries one image request into the manager.
type Request struct {
	Spec *imagespec.Spec
	// IfNoneMatch is the conditional-GET header value.
	IfNoneMatch string
	// DisableCache skips the cache probe and does not store the
	// result.
	DisableCache bool
	// Recache discards any cached derivative and regenerates.
	Recache bool
	// Attach forces a download disposition.
	Attach bool
	// RecordStats can be disabled per request (xref-style calls).
	SkipStats bool
}

// ServedImage is the manager's answer to the HTTP layer.
type ServedImage struct {
	Bytes        []byte
	MimeType     string
	LastModified time.Time
	ETag         string
	ExpirySecs   int
	Attachment   bool
	Filename     string
	FromCache    bool
	// NotModified is set when If-None-Match matched; Bytes is empty.
	NotModified bool
}

// Serve handles one derivative request.
func (m *Manager) Serve(ctx context.Context, req *Request, user *datastore.User) (*ServedImage, error) {
	start := m.now()

	spec, tmpl, err := m.finalise(req.Spec)
	if err != nil {
		return nil, err
	}

	id, err := m.resolveSourceID(ctx, spec.Source)
	if err != nil {
		return nil, err
	}
	spec.SourceID = id

	if err := m.perms.HasFolder(ctx, parentPath(spec.Source), permissions.AccessView, user, true); err != nil {
		return nil, err
	}
	if spec.OverlaySrc != nil {
		if err := m.perms.HasFolder(ctx, parentPath(blobstore.Normalise(*spec.OverlaySrc)), permissions.AccessView, user, true); err != nil {
			return nil, err
		}
	}

	fp, err := spec.Fingerprint()
	if err != nil {
		return nil, err
	}
	metaFP, err := spec.MetadataFingerprint()
	if err != nil {
		return nil, err
	}

	expiry := m.cfg.DefaultExpirySecs
	recordStats := true
	attach := req.Attach
	if tmpl != nil {
		if tmpl.ExpirySecs != nil {
			expiry = *tmpl.ExpirySecs
		}
		if tmpl.RecordStats != nil {
			recordStats = *tmpl.RecordStats
		}
		attach = attach || tmpl.Attachment
	}
	if req.SkipStats {
		recordStats = false
	}

	serve := func(b []byte, mtime time.Time, fromCache bool) *ServedImage {
		out := &ServedImage{
			Bytes:        b,
			MimeType:     mimeFor(spec.EffectiveFormat()),
			LastModified: mtime,
			ETag:         etagFor(fp, mtime),
			ExpirySecs:   expiry,
			Attachment:   attach,
			Filename:     spec.Filename(),
			FromCache:    fromCache,
		}
		if recordStats && m.stats != nil {
			secs := m.now().Sub(start).Seconds()
			m.stats.LogRequest(id, secs)
			m.stats.LogView(id, int64(len(b)), fromCache, secs)
		}
		return out
	}

	// conditional GET answered from the metadata record alone
	if req.IfNoneMatch != "" && !req.Recache {
		if mtime, ok := m.readMeta(metaFP); ok && etagFor(fp, mtime) == req.IfNoneMatch {
			out := serve(nil, mtime, true)
			out.NotModified = true
			return out, nil
		}
	}

	if req.Recache {
		m.cache.Delete(fp)
		m.cache.DeleteControl(metaFP)
	} else if !req.DisableCache {
		if b, ok := m.cache.Get(fp); ok {
			if err := sentinelError(b); err != nil {
				return nil, err
			}
			mtime, _ := m.readMeta(metaFP)
			return serve(b, mtime, true), nil
		}
	}

	// stampede control: one generator per fingerprint
	if !m.cache.TryGenerationLock(fp) {
		for {
			b, err := m.cache.WaitForEntry(ctx, fp)
			if err != nil {
				return nil, err
			}
			if b != nil {
				if err := sentinelError(b); err != nil {
					return nil, err
				}
				mtime, _ := m.readMeta(metaFP)
				return serve(b, mtime, true), nil
			}
			// the generator vanished without publishing; elect exactly
			// one replacement, everyone else goes back to waiting
			if m.cache.TryGenerationLock(fp) {
				break
			}
		}
	}
	defer m.cache.ReleaseGenerationLock(fp)

	b, err := m.generate(ctx, spec, fp, !req.DisableCache)
	if err != nil {
		return nil, err
	}
	mtime := m.now()
	if !req.DisableCache {
		m.writeMeta(metaFP, mtime)
	}
	return serve(b, mtime, false), nil
}

// ServeOriginal streams the untouched source bytes after a download
// permission check. The pipeline is bypassed entirely.
func (m *Manager) ServeOriginal(ctx context.Context, src string, user *datastore.User, attach bool) (*ServedImage, error) {
	start := m.now()
	src = blobstore.Normalise(src)
	if src == "" {
		return nil, errdefs.InvalidParameter(errors.New("parameter src is required"))
	}
	id, err := m.resolveSourceID(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := m.perms.HasFolder(ctx, parentPath(src), permissions.AccessDownload, user, true); err != nil {
		return nil, err
	}
	b, err := m.blobs.Read(src)
	if err != nil {
		if errdefs.IsNotFound(err) {
			m.healNotFound(ctx, src, id)
		}
		return nil, err
	}
	info, err := m.blobs.Stat(src)
	if err != nil {
		return nil, err
	}
	if m.stats != nil {
		m.stats.LogDownload(id, int64(len(b)), m.now().Sub(start).Seconds())
	}
	ext := strings.ToLower(strings.TrimPrefix(pathExt(src), "."))
	return &ServedImage{
		Bytes:        b,
		MimeType:     mimeFor(ext),
		LastModified: time.Unix(info.Modified, 0),
		ExpirySecs:   m.cfg.DefaultExpirySecs,
		Attachment:   attach,
		Filename:     pathBase(src),
	}, nil
}

// Invalidate drops every cached derivative of a source plus its cached
// id mapping. Admin and task code call this after renames or deletes.
func (m *Manager) Invalidate(ctx context.Context, src string, sourceID int64) {
	src = blobstore.Normalise(src)
	m.cache.DeleteControl(srcIDPrefix + src)
	if sourceID > 0 {
		if err := m.cache.InvalidateSource(sourceID); err != nil {
			log.G(ctx).WithError(err).WithField("source_id", sourceID).Warn("cache invalidation failed")
		}
	}
}

// finalise validates, applies the template without override, applies
// server defaults and normalises. The returned spec is a private copy.
func (m *Manager) finalise(in *imagespec.Spec) (*imagespec.Spec, *templates.Template, error) {
	if in == nil || strings.TrimSpace(in.Source) == "" {
		return nil, nil, errdefs.InvalidParameter(errors.New("parameter src is required"))
	}
	spec := in.Clone()
	spec.Source = blobstore.Normalise(spec.Source)
	if err := spec.Validate(m.env); err != nil {
		return nil, nil, err
	}
	var tmpl *templates.Template
	if spec.Template != nil {
		t, ok := m.tmpl.Get(*spec.Template)
		if !ok {
			return nil, nil, errdefs.InvalidParameter(errors.Errorf("template %q does not exist", *spec.Template))
		}
		tmpl = t
		spec.ApplyTemplate(t.Spec, false)
	}
	spec.ApplyDefaults(m.defaults)
	spec.Normalise()
	return spec, tmpl, nil
}

// resolveSourceID maps a repository path to its source id, creating
// the record on first sight. The mapping is cached; a deleted record
// whose file has reappeared is revived.
func (m *Manager) resolveSourceID(ctx context.Context, src string) (int64, error) {
	key := srcIDPrefix + src
	if b, ok := m.cache.GetControl(key); ok {
		if id, err := strconv.ParseInt(string(b), 10, 64); err == nil && id > 0 {
			return id, nil
		}
	}

	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	img, err := m.store.ImageByPath(ctx, src)
	if err != nil {
		return 0, err
	}
	if img == nil {
		exists, err := m.blobs.PathExists(src, blobstore.RequireFile)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, errdefs.NotFound(errors.Errorf("image %q does not exist", src))
		}
		folder, err := m.store.CreateFolder(ctx, parentPath(src))
		if err != nil {
			return 0, err
		}
		img, err = m.store.CreateImage(ctx, src, folder.ID)
		if errdefs.IsConflict(err) {
			// lost a cross-process race; the record exists now
			img, err = m.store.ImageByPath(ctx, src)
			if err == nil && img == nil {
				err = errdefs.NotFound(errors.Errorf("image %q does not exist", src))
			}
		}
		if err != nil {
			return 0, err
		}
	}
	if img.Deleted {
		// flagged deleted; revive only if the file is back on disk
		exists, err := m.blobs.PathExists(src, blobstore.RequireFile)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, errdefs.NotFound(errors.Errorf("image %q does not exist", src))
		}
		if err := m.store.SetImageDeleted(ctx, img.ID, false); err != nil {
			return 0, err
		}
	}
	m.cache.PutControl(key, []byte(strconv.FormatInt(img.ID, 10)), srcIDTTL)
	return img.ID, nil
}

// healNotFound repairs the cache after a source vanished from disk:
// the id mapping and every derivative are dropped and the record is
// flagged deleted.
func (m *Manager) healNotFound(ctx context.Context, src string, id int64) {
	log.G(ctx).WithFields(log.Fields{"src": src, "source_id": id}).Info("source vanished, invalidating cached state")
	m.cache.DeleteControl(srcIDPrefix + src)
	if id > 0 {
		if err := m.cache.InvalidateSource(id); err != nil {
			log.G(ctx).WithError(err).Warn("cache invalidation failed during healing")
		}
		if err := m.store.SetImageDeleted(ctx, id, true); err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).Warn("cannot flag vanished image as deleted")
		}
	}
}

// --- metadata / etag helpers ---

type metaRecord struct {
	ModTime time.Time `json:"mtime"`
}

func (m *Manager) readMeta(metaFP string) (time.Time, bool) {
	b, ok := m.cache.GetControl(metaFP)
	if !ok {
		return time.Time{}, false
	}
	var rec metaRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return time.Time{}, false
	}
	return rec.ModTime, true
}

func (m *Manager) writeMeta(metaFP string, mtime time.Time) {
	b, err := json.Marshal(metaRecord{ModTime: mtime})
	if err != nil {
		return
	}
	m.cache.PutControl(metaFP, b, 0)
}

func etagFor(fp string, mtime time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(fp))
	return fmt.Sprintf(`"%x-%x"`, h.Sum64(), mtime.UnixNano())
}

// sentinelError detects a cached codec failure.
func sentinelError(b []byte) error {
	if len(b) >= len(errorSentinel) && string(b[:len(errorSentinel)]) == errorSentinel {
		return errdefs.UnsupportedMedia(errors.New(string(b[len(errorSentinel):])))
	}
	return nil
}

func parentPath(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func pathBase(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func pathExt(p string) string {
	base := pathBase(p)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return base[i:]
	}
	return ""
}

var mimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"pjpg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"svg":  "image/svg+xml",
}

func mimeFor(format string) string {
	if mt, ok := mimeTypes[strings.ToLower(format)]; ok {
		return mt
	}
	return "application/octet-stream"
}
