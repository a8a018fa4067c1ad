package imagespec

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func finalised(t *testing.T, mutate func(*Spec)) *Spec {
	t.Helper()
	s := &Spec{Source: "test_images/cathedral.jpg", SourceID: 42}
	if mutate != nil {
		mutate(s)
	}
	s.Normalise()
	return s
}

func TestFingerprintRequiresSourceID(t *testing.T) {
	s := &Spec{Source: "a.jpg"}
	_, err := s.Fingerprint()
	assert.ErrorContains(t, err, "source id")
}

func TestFingerprintStability(t *testing.T) {
	a := finalised(t, func(s *Spec) { s.Width = ptr(200); s.Format = ptr("png") })
	b := finalised(t, func(s *Spec) { s.Format = ptr("png"); s.Width = ptr(200) })

	fpA, err := a.Fingerprint()
	assert.NilError(t, err)
	fpB, err := b.Fingerprint()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(fpA, fpB), "field assignment order must not matter")

	// every set attribute contributes
	c := finalised(t, func(s *Spec) { s.Width = ptr(201); s.Format = ptr("png") })
	fpC, err := c.Fingerprint()
	assert.NilError(t, err)
	assert.Check(t, fpA != fpC)
}

func TestFingerprintEquivalentRequestsCollide(t *testing.T) {
	// angle=180&flip=v normalises to flip=h, so both requests share
	// one cache entry
	a := finalised(t, func(s *Spec) { s.Rotation = ptr(180.0); s.Flip = ptr("v") })
	b := finalised(t, func(s *Spec) { s.Flip = ptr("h") })

	fpA, err := a.Fingerprint()
	assert.NilError(t, err)
	fpB, err := b.Fingerprint()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(fpA, fpB))
}

func TestFingerprintFloatPrecision(t *testing.T) {
	a := finalised(t, func(s *Spec) { s.Rotation = ptr(45.000001) })
	b := finalised(t, func(s *Spec) { s.Rotation = ptr(45.000004) })
	fpA, _ := a.Fingerprint()
	fpB, _ := b.Fingerprint()
	assert.Check(t, is.Equal(fpA, fpB), "floats are compared at 5 decimal places")
}

func TestFingerprintLengthBounded(t *testing.T) {
	long := strings.Repeat("long-overlay-name/", 20) + "logo.png"
	s := finalised(t, func(s *Spec) {
		s.OverlaySrc = ptr(long)
		s.Width = ptr(100)
		s.Height = ptr(100)
	})
	fp, err := s.Fingerprint()
	assert.NilError(t, err)
	assert.Check(t, len(fp) <= MaxKeyLength)
	assert.Check(t, strings.HasPrefix(fp, "IMG:42,"))
}

func TestMetadataFingerprintNamespace(t *testing.T) {
	s := finalised(t, func(s *Spec) { s.Width = ptr(100) })
	fp, err := s.Fingerprint()
	assert.NilError(t, err)
	mfp, err := s.MetadataFingerprint()
	assert.NilError(t, err)
	assert.Check(t, strings.HasPrefix(fp, "IMG:"))
	assert.Check(t, strings.HasPrefix(mfp, "IMGMETA:"))
	assert.Check(t, is.Equal(strings.TrimPrefix(mfp, "IMGMETA:"), strings.TrimPrefix(fp, "IMG:")))
}

func TestAttrHashGroups(t *testing.T) {
	a := finalised(t, func(s *Spec) { s.Format = ptr("png"); s.Width = ptr(100) })
	b := finalised(t, func(s *Spec) { s.Format = ptr("png"); s.Width = ptr(900) })
	assert.Check(t, is.Equal(a.AttrHash(), b.AttrHash()), "size must not affect the group hash")

	c := finalised(t, func(s *Spec) { s.Format = ptr("gif") })
	assert.Check(t, a.AttrHash() != c.AttrHash(), "format does affect the group hash")

	d := finalised(t, func(s *Spec) {
		s.Format = ptr("png")
		s.Width = ptr(100)
		s.Height = ptr(100)
		s.Tile = &Tile{Index: 1, Grid: 4}
	})
	assert.Check(t, a.AttrHash() != d.AttrHash(), "tile mode does affect the group hash")
}

func TestFilename(t *testing.T) {
	s := &Spec{Source: "photos/holiday/beach.jpg"}
	assert.Check(t, is.Equal(s.Filename(), "beach.jpg"))

	s.Format = ptr("png")
	assert.Check(t, is.Equal(s.Filename(), "beach.png"))

	s.Format = ptr("pjpg")
	assert.Check(t, is.Equal(s.Filename(), "beach.jpg"))
}
