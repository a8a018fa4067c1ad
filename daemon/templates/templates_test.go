package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "SmallJpeg.json", `{
		"format": "jpg", "width": 200, "height": 200, "strip": true,
		"expiry_secs": 3600, "attachment": false
	}`)

	r, err := NewRegistry(dir)
	assert.NilError(t, err)

	tmpl, ok := r.Get("SmallJpeg")
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(tmpl.Name, "SmallJpeg"))
	assert.Check(t, is.Equal(*tmpl.Spec.Format, "jpg"))
	assert.Check(t, is.Equal(*tmpl.Spec.Width, 200))
	assert.Check(t, is.Equal(*tmpl.Spec.Strip, true))
	assert.Assert(t, tmpl.ExpirySecs != nil)
	assert.Check(t, is.Equal(*tmpl.ExpirySecs, 3600))

	// lookups are case-insensitive
	_, ok = r.Get("smalljpeg")
	assert.Check(t, ok)

	_, ok = r.Get("NoSuch")
	assert.Check(t, !ok)
	assert.Check(t, r.Has("SMALLJPEG"))
}

func TestCropFieldsBuildRectangle(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "Cropped.json", `{"top": 0.1, "bottom": 0.9}`)

	r, err := NewRegistry(dir)
	assert.NilError(t, err)
	tmpl, ok := r.Get("Cropped")
	assert.Assert(t, ok)
	assert.Assert(t, tmpl.Spec.Crop != nil)
	assert.Check(t, is.Equal(tmpl.Spec.Crop.Top, 0.1))
	assert.Check(t, is.Equal(tmpl.Spec.Crop.Left, 0.0))
	assert.Check(t, is.Equal(tmpl.Spec.Crop.Bottom, 0.9))
	assert.Check(t, is.Equal(tmpl.Spec.Crop.Right, 1.0))
}

func TestMalformedTemplateSkipped(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "Good.json", `{"width": 100}`)
	writeTemplate(t, dir, "Bad.json", `{not json`)
	writeTemplate(t, dir, "notes.txt", `not a template`)

	r, err := NewRegistry(dir)
	assert.NilError(t, err)
	assert.Check(t, is.Len(r.Names(), 1))
	_, ok := r.Get("Good")
	assert.Check(t, ok)
}

func TestInvalidValuesSkipped(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "Good.json", `{"width": 100}`)
	// values a request would be rejected for must not sneak in through
	// a template either
	writeTemplate(t, dir, "EmptyAlign.json", `{"halign": ""}`)
	writeTemplate(t, dir, "HugeWidth.json", `{"width": 99999}`)

	r, err := NewRegistry(dir)
	assert.NilError(t, err)
	assert.Check(t, is.Len(r.Names(), 1))
	assert.Check(t, !r.Has("EmptyAlign"))
	assert.Check(t, !r.Has("HugeWidth"))
}

func TestMissingDirectoryStartsEmpty(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "nope"))
	assert.NilError(t, err)
	assert.Check(t, is.Len(r.Names(), 0))
}

func TestPollIntervalGatesReload(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "A.json", `{"width": 100}`)

	r, err := NewRegistry(dir)
	assert.NilError(t, err)

	now := time.Now()
	r.now = func() time.Time { return now }

	// a new file appears, but the poll interval has not elapsed
	writeTemplate(t, dir, "B.json", `{"width": 200}`)
	future := time.Now().Add(time.Hour)
	assert.NilError(t, os.Chtimes(filepath.Join(dir, "B.json"), future, future))

	_, ok := r.Get("B")
	assert.Check(t, !ok, "reload must not happen before the poll interval")

	// advance past the interval: the next lookup picks up the change
	now = now.Add(pollInterval + time.Second)
	_, ok = r.Get("B")
	assert.Check(t, ok, "reload must happen once the poll interval elapsed")
}

func TestForcedReload(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	assert.NilError(t, err)

	writeTemplate(t, dir, "New.json", `{"width": 50}`)
	assert.NilError(t, r.Reload())
	_, ok := r.Get("New")
	assert.Check(t, ok)
}
