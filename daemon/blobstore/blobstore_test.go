package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imgd/imgd/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	assert.NilError(t, err)
	return s
}

func TestNormalise(t *testing.T) {
	for _, tc := range []struct{ in, out string }{
		{"/a//b/", "a/b"},
		{"a/b", "a/b"},
		{"  /photos/2020/ ", "photos/2020"},
		{"", ""},
		{"/", ""},
		{`a\b`, "a/b"},
	} {
		assert.Check(t, is.Equal(Normalise(tc.in), tc.out), "input %q", tc.in)
	}
}

func TestPathEscapeForbidden(t *testing.T) {
	s := newTestStore(t)
	for _, p := range []string{
		"../etc/passwd",
		"a/../../etc",
		"a/b/../../../root",
	} {
		_, err := s.Read(p)
		assert.Check(t, errdefs.IsForbidden(err), "path %q should be forbidden, got %v", p, err)
	}
}

func TestEscapeRejectedBeforeRead(t *testing.T) {
	// The containment check must fire before any filesystem access,
	// even for paths that would resolve to a real file.
	root := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "outside.jpg"), []byte("x"), 0o600))
	s, err := New(root)
	assert.NilError(t, err)

	_, err = s.Read("../outside.jpg")
	assert.Check(t, errdefs.IsForbidden(err))
}

func TestSymlinkEscapeClamped(t *testing.T) {
	root := t.TempDir()
	secret := filepath.Join(t.TempDir(), "secret.txt")
	assert.NilError(t, os.WriteFile(secret, []byte("secret"), 0o600))
	assert.NilError(t, os.Symlink(secret, filepath.Join(root, "link.txt")))

	s, err := New(root)
	assert.NilError(t, err)

	// SecureJoin resolves the symlink relative to the root, so the
	// read must not observe the outside file.
	b, err := s.Read("link.txt")
	if err == nil {
		assert.Check(t, string(b) != "secret")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rel, err := s.Write(strings.NewReader("jpegbytes"), "photos/2020", "cat.jpg", true, false)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(rel, "photos/2020/cat.jpg"))

	b, err := s.Read("photos/2020/cat.jpg")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(b), "jpegbytes"))

	// no-overwrite write to the same name conflicts
	_, err = s.Write(strings.NewReader("other"), "photos/2020", "cat.jpg", false, false)
	assert.Check(t, errdefs.IsConflict(err))

	// overwrite replaces
	_, err = s.Write(strings.NewReader("other"), "photos/2020", "cat.jpg", false, true)
	assert.NilError(t, err)
	b, err = s.Read("photos/2020/cat.jpg")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(b), "other"))
}

func TestWriteRequiresExistingDir(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(strings.NewReader("x"), "nope", "f.jpg", false, false)
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("missing.jpg")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestMkdirNormalisesAndConflicts(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Mkdir("/a//b/")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got, "a/b"))

	ok, err := s.PathExists("a/b", RequireDirectory)
	assert.NilError(t, err)
	assert.Check(t, ok)

	_, err = s.Mkdir("a/b")
	assert.Check(t, errdefs.IsConflict(err))
}

func TestListAndStat(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mkdir("dir")
	assert.NilError(t, err)
	_, err = s.Write(strings.NewReader("12345"), "dir", "b.png", false, false)
	assert.NilError(t, err)
	_, err = s.Write(strings.NewReader("1"), "dir", "a.png", false, false)
	assert.NilError(t, err)

	infos, err := s.List("dir")
	assert.NilError(t, err)
	assert.Check(t, is.Len(infos, 2))
	assert.Check(t, is.Equal(infos[0].Path, "dir/a.png"))
	assert.Check(t, is.Equal(infos[1].Path, "dir/b.png"))

	fi, err := s.Stat("dir/b.png")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(fi.Size, int64(5)))
	assert.Check(t, !fi.IsDir)
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mkdir("a")
	assert.NilError(t, err)
	_, err = s.Write(strings.NewReader("x"), "a", "f.jpg", false, false)
	assert.NilError(t, err)

	assert.NilError(t, s.Rename("a/f.jpg", "a/g.jpg"))

	_, err = s.Read("a/f.jpg")
	assert.Check(t, errdefs.IsNotFound(err))
	_, err = s.Read("a/g.jpg")
	assert.NilError(t, err)
}

func TestDeleteRootForbidden(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete("", true)
	assert.Check(t, errdefs.IsForbidden(err))
}
