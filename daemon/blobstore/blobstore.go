// Package blobstore provides rooted, filesystem-backed access to the
// canonical source images. Every path handed to this package is a
// repository path: relative, slash-separated, and resolved strictly
// inside the configured images root. Attempts to escape the root are
// rejected before any filesystem access happens.
package blobstore

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// ExistOption selects what PathExists should require of the target.
type ExistOption int

const (
	// ExistAny accepts a file or a directory.
	ExistAny ExistOption = iota
	// RequireFile accepts only a regular file.
	RequireFile
	// RequireDirectory accepts only a directory.
	RequireDirectory
)

// Info describes one stored object.
type Info struct {
	Path     string
	Size     int64
	Modified int64 // unix seconds
	IsDir    bool
}

// Store is a rooted blob store over a local filesystem.
type Store struct {
	root string
}

// New returns a Store rooted at the given absolute directory.
func New(root string) (*Store, error) {
	if !filepath.IsAbs(root) {
		return nil, errors.Errorf("blob store root must be absolute: %s", root)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "blob store root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("blob store root is not a directory: %s", root)
	}
	return &Store{root: filepath.Clean(root)}, nil
}

// Root returns the absolute root directory of the store.
func (s *Store) Root() string { return s.root }

// Normalise collapses duplicate separators and trims surrounding
// whitespace and slashes from a repository path. It is the canonical
// form stored in the database and used for cache keys.
func Normalise(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// resolve maps a repository path to an absolute filesystem path,
// guaranteeing the result lies inside the root. Escapes surface as
// errdefs.Forbidden.
func (s *Store) resolve(p string) (string, error) {
	p = Normalise(p)
	if strings.Contains(p, "..") || path.IsAbs(p) {
		return "", errdefs.Forbidden(errors.Errorf("path %q is outside the images repository", p))
	}
	abs, err := securejoin.SecureJoin(s.root, filepath.FromSlash(p))
	if err != nil {
		return "", errdefs.Forbidden(errors.Wrapf(err, "path %q is outside the images repository", p))
	}
	// SecureJoin clamps symlink escapes to the root; double-check the
	// prefix anyway so a future refactor cannot silently widen access.
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", errdefs.Forbidden(errors.Errorf("path %q is outside the images repository", p))
	}
	return abs, nil
}

// PathExists reports whether the given repository path exists and
// matches the requested kind.
func (s *Store) PathExists(p string, opt ExistOption) (bool, error) {
	abs, err := s.resolve(p)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errdefs.System(err)
	}
	switch opt {
	case RequireFile:
		return fi.Mode().IsRegular(), nil
	case RequireDirectory:
		return fi.IsDir(), nil
	default:
		return true, nil
	}
}

// Read returns the full content of the file at the given repository path.
func (s *Store) Read(p string) ([]byte, error) {
	abs, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(errors.Errorf("image %q does not exist", Normalise(p)))
		}
		return nil, errdefs.System(err)
	}
	return b, nil
}

// Write streams content into dir/name. The directory must already
// exist unless allowCreate is set; an existing file is only replaced
// when overwrite is set.
func (s *Store) Write(r io.Reader, dir, name string, allowCreate, overwrite bool) (string, error) {
	if strings.ContainsAny(name, "/\\") || name == "" || name == "." || name == ".." {
		return "", errdefs.InvalidParameter(errors.Errorf("invalid file name %q", name))
	}
	absDir, err := s.resolve(dir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(absDir); err != nil {
		if !os.IsNotExist(err) {
			return "", errdefs.System(err)
		}
		if !allowCreate {
			return "", errdefs.NotFound(errors.Errorf("folder %q does not exist", Normalise(dir)))
		}
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			return "", errdefs.System(err)
		}
	}
	abs := filepath.Join(absDir, name)
	if !overwrite {
		if _, err := os.Stat(abs); err == nil {
			return "", errdefs.Conflict(errors.Errorf("file %q already exists", name))
		}
	}
	// Write to a temp file in the same directory and rename so a
	// concurrent reader never observes a half-written image.
	tmp, err := os.CreateTemp(absDir, ".upload-*")
	if err != nil {
		return "", errdefs.System(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", errdefs.System(err)
	}
	if err := tmp.Close(); err != nil {
		return "", errdefs.System(err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", errdefs.System(err)
	}
	rel := Normalise(path.Join(Normalise(dir), name))
	return rel, nil
}

// List returns the entries of a directory, sorted by name.
func (s *Store) List(dir string) ([]Info, error) {
	abs, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(errors.Errorf("folder %q does not exist", Normalise(dir)))
		}
		return nil, errdefs.System(err)
	}
	infos := make([]Info, 0, len(entries))
	base := Normalise(dir)
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:     Normalise(path.Join(base, e.Name())),
			Size:     fi.Size(),
			Modified: fi.ModTime().Unix(),
			IsDir:    fi.IsDir(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Stat returns size and modification time for one repository path.
func (s *Store) Stat(p string) (Info, error) {
	abs, err := s.resolve(p)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, errdefs.NotFound(errors.Errorf("path %q does not exist", Normalise(p)))
		}
		return Info{}, errdefs.System(err)
	}
	return Info{
		Path:     Normalise(p),
		Size:     fi.Size(),
		Modified: fi.ModTime().Unix(),
		IsDir:    fi.IsDir(),
	}, nil
}

// Delete removes a file, or a directory tree when recursive is set.
func (s *Store) Delete(p string, recursive bool) error {
	abs, err := s.resolve(p)
	if err != nil {
		return err
	}
	if abs == s.root {
		return errdefs.Forbidden(errors.New("refusing to delete the repository root"))
	}
	if recursive {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil && !os.IsNotExist(err) {
		return errdefs.System(err)
	}
	return nil
}

// Mkdir creates a directory (and any missing parents) at the given
// repository path, returning the normalised path.
func (s *Store) Mkdir(p string) (string, error) {
	abs, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(abs); err == nil {
		if fi.IsDir() {
			return "", errdefs.Conflict(errors.Errorf("folder %q already exists", Normalise(p)))
		}
		return "", errdefs.Conflict(errors.Errorf("a file exists at %q", Normalise(p)))
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", errdefs.System(err)
	}
	return Normalise(p), nil
}

// Rename moves a file or directory to a new repository path. The
// destination parent directory must exist.
func (s *Store) Rename(oldPath, newPath string) error {
	absOld, err := s.resolve(oldPath)
	if err != nil {
		return err
	}
	absNew, err := s.resolve(newPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absNew); err == nil {
		return errdefs.Conflict(errors.Errorf("path %q already exists", Normalise(newPath)))
	}
	if err := os.Rename(absOld, absNew); err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(errors.Errorf("path %q does not exist", Normalise(oldPath)))
		}
		return errdefs.System(err)
	}
	return nil
}
