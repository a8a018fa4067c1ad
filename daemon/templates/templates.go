// Package templates loads and serves the named parameter bundles that
// requests reference with tmp=<name>. Template files are JSON, one per
// template, living in a configured directory; the registry reloads the
// whole set when the directory's newest mtime advances, polling at
// most once every five minutes so the hot path never stats the
// directory per request.
package templates

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/daemon/imagespec"
)

const pollInterval = 5 * time.Minute

// Template is a named bundle of ImageSpec defaults plus the delivery
// options that ride along with it.
type Template struct {
	Name string
	Spec *imagespec.Spec
	// ExpirySecs sets the client Cache-Control lifetime; nil falls
	// back to the server default, <= 0 disables client caching.
	ExpirySecs *int
	// Attachment serves the derivative with a download disposition.
	Attachment bool
	// RecordStats can opt this template's traffic out of statistics.
	RecordStats *bool
}

// fileTemplate is the on-disk JSON shape. Field names mirror the HTTP
// query parameters.
type fileTemplate struct {
	Page           *int     `json:"page,omitempty"`
	Format         *string  `json:"format,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	AlignH         *string  `json:"halign,omitempty"`
	AlignV         *string  `json:"valign,omitempty"`
	Rotation       *float64 `json:"angle,omitempty"`
	Flip           *string  `json:"flip,omitempty"`
	Top            *float64 `json:"top,omitempty"`
	Left           *float64 `json:"left,omitempty"`
	Bottom         *float64 `json:"bottom,omitempty"`
	Right          *float64 `json:"right,omitempty"`
	CropFit        *bool    `json:"autocropfit,omitempty"`
	SizeFit        *bool    `json:"autosizefit,omitempty"`
	Fill           *string  `json:"fill,omitempty"`
	Quality        *int     `json:"quality,omitempty"`
	Sharpen        *int     `json:"sharpen,omitempty"`
	OverlaySrc     *string  `json:"overlay,omitempty"`
	OverlayPos     *string  `json:"ovpos,omitempty"`
	OverlaySize    *float64 `json:"ovsize,omitempty"`
	OverlayOpacity *float64 `json:"ovopacity,omitempty"`
	ICCProfile     *string  `json:"icc,omitempty"`
	ICCIntent      *string  `json:"intent,omitempty"`
	ICCBPC         *bool    `json:"bpc,omitempty"`
	Colorspace     *string  `json:"colorspace,omitempty"`
	Strip          *bool    `json:"strip,omitempty"`
	DPI            *int     `json:"dpi,omitempty"`

	ExpirySecs  *int  `json:"expiry_secs,omitempty"`
	Attachment  *bool `json:"attachment,omitempty"`
	RecordStats *bool `json:"record_stats,omitempty"`
}

func (ft *fileTemplate) toTemplate(name string) *Template {
	spec := &imagespec.Spec{
		Page:           ft.Page,
		Format:         ft.Format,
		Width:          ft.Width,
		Height:         ft.Height,
		AlignH:         ft.AlignH,
		AlignV:         ft.AlignV,
		Rotation:       ft.Rotation,
		Flip:           ft.Flip,
		CropFit:        ft.CropFit,
		SizeFit:        ft.SizeFit,
		Fill:           ft.Fill,
		Quality:        ft.Quality,
		Sharpen:        ft.Sharpen,
		OverlaySrc:     ft.OverlaySrc,
		OverlayPos:     ft.OverlayPos,
		OverlaySize:    ft.OverlaySize,
		OverlayOpacity: ft.OverlayOpacity,
		ICCProfile:     ft.ICCProfile,
		ICCIntent:      ft.ICCIntent,
		ICCBPC:         ft.ICCBPC,
		Colorspace:     ft.Colorspace,
		Strip:          ft.Strip,
		DPI:            ft.DPI,
	}
	if ft.Top != nil || ft.Left != nil || ft.Bottom != nil || ft.Right != nil {
		c := imagespec.Crop{Top: 0, Left: 0, Bottom: 1, Right: 1}
		if ft.Top != nil {
			c.Top = *ft.Top
		}
		if ft.Left != nil {
			c.Left = *ft.Left
		}
		if ft.Bottom != nil {
			c.Bottom = *ft.Bottom
		}
		if ft.Right != nil {
			c.Right = *ft.Right
		}
		spec.Crop = &c
	}
	t := &Template{
		Name:        name,
		Spec:        spec,
		ExpirySecs:  ft.ExpirySecs,
		RecordStats: ft.RecordStats,
	}
	if ft.Attachment != nil {
		t.Attachment = *ft.Attachment
	}
	return t
}

// Registry serves templates by name. Lookups are lock-free against a
// snapshot map; reloads swap the snapshot under a single writer lock.
type Registry struct {
	dir string

	mu        sync.RWMutex
	byName    map[string]*Template
	loadedAt  time.Time
	polledAt  time.Time
	newestMod time.Time

	now func() time.Time
}

// NewRegistry loads the template directory. A missing directory is not
// fatal: the registry starts empty and picks templates up when the
// directory appears.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir, byName: map[string]*Template{}, now: time.Now}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named template. Name matching is case-insensitive.
// Callers that mutate the returned spec must clone it first.
func (r *Registry) Get(name string) (*Template, bool) {
	r.maybeReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[strings.ToLower(name)]
	return t, ok
}

// Has reports whether the named template exists. It is the hook handed
// to the imagespec validators.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the sorted-insertion snapshot of template names.
func (r *Registry) Names() []string {
	r.maybeReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// Reload forces an immediate rebuild, bypassing the poll interval.
// Admin endpoints use it after uploading a template file.
func (r *Registry) Reload() error {
	return r.reload()
}

// maybeReload rebuilds the map when the directory changed, polling the
// filesystem at most once per pollInterval.
func (r *Registry) maybeReload() {
	r.mu.RLock()
	due := r.now().Sub(r.polledAt) >= pollInterval
	r.mu.RUnlock()
	if !due {
		return
	}
	newest, err := newestMtime(r.dir)
	r.mu.Lock()
	r.polledAt = r.now()
	changed := err == nil && newest.After(r.newestMod)
	r.mu.Unlock()
	if changed {
		if err := r.reload(); err != nil {
			log.L.WithError(err).WithField("dir", r.dir).Error("template reload failed, keeping previous set")
		}
	}
}

func newestMtime(dir string) (time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	var newest time.Time
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}

func (r *Registry) reload() error {
	byName := map[string]*Template{}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.byName = byName
			r.loadedAt = r.now()
			r.polledAt = r.now()
			r.mu.Unlock()
			return nil
		}
		return errors.Wrapf(err, "reading template directory %s", r.dir)
	}

	var newest time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		fi, err := e.Info()
		if err == nil && fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		b, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			log.L.WithError(err).WithField("template", name).Error("skipping unreadable template")
			continue
		}
		var ft fileTemplate
		if err := json.Unmarshal(b, &ft); err != nil {
			log.L.WithError(err).WithField("template", name).Error("skipping malformed template")
			continue
		}
		tpl := ft.toTemplate(name)
		if err := tpl.Spec.ValidateValues(nil); err != nil {
			log.L.WithError(err).WithField("template", name).Error("skipping invalid template")
			continue
		}
		byName[strings.ToLower(name)] = tpl
	}

	r.mu.Lock()
	r.byName = byName
	r.loadedAt = r.now()
	r.polledAt = r.now()
	r.newestMod = newest
	r.mu.Unlock()
	log.L.WithField("count", len(byName)).WithField("dir", r.dir).Debug("templates loaded")
	return nil
}
