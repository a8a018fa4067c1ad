// Package icc holds the installed ICC colour profiles. Profiles are
// loaded once at startup from a configured directory; the set of names
// feeds request validation, and the profile bytes feed the codec back
// end when it supports colour management.
package icc

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/log"
)

// Registry maps profile names (the file name without extension,
// lower-cased) to the raw profile bytes.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string][]byte
}

// NewRegistry loads every *.icc / *.icm file in dir. A missing
// directory yields an empty registry.
func NewRegistry(dir string) *Registry {
	r := &Registry{profiles: map[string][]byte{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.L.WithError(err).WithField("dir", dir).Error("cannot read ICC profile directory")
		}
		return r
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".icc" && ext != ".icm" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.L.WithError(err).WithField("profile", e.Name()).Error("skipping unreadable ICC profile")
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(e.Name(), ext))
		r.profiles[name] = b
	}
	log.L.WithField("count", len(r.profiles)).Debug("ICC profiles loaded")
	return r
}

// Get returns the profile bytes for a name.
func (r *Registry) Get(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.profiles[strings.ToLower(name)]
	return b, ok
}

// Has reports whether a profile is installed; it is the hook handed to
// the imagespec validators.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the installed profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}
