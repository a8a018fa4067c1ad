package imagespec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestNormaliseErasesNoOps(t *testing.T) {
	s := &Spec{
		Source:   "test_images/cathedral.jpg",
		Page:     ptr(1),
		Format:   ptr("jpeg"), // same as source extension after canonicalisation
		Width:    ptr(0),
		Height:   ptr(0),
		AlignH:   ptr("C0.5"),
		AlignV:   ptr("c0.5"),
		Rotation: ptr(360.0),
		Crop:     &Crop{Top: 0, Left: 0, Bottom: 1, Right: 1},
		CropFit:  ptr(false),
		SizeFit:  ptr(false),
		Fill:     ptr("white"),
		Sharpen:  ptr(0),
		Strip:    ptr(false),
		DPI:      ptr(0),
		Tile:     &Tile{Index: 1, Grid: 1},
	}
	s.Normalise()

	assert.Check(t, s.Page == nil)
	assert.Check(t, s.Format == nil)
	assert.Check(t, s.Width == nil)
	assert.Check(t, s.Height == nil)
	assert.Check(t, s.AlignH == nil)
	assert.Check(t, s.AlignV == nil)
	assert.Check(t, s.Rotation == nil)
	assert.Check(t, s.Crop == nil)
	assert.Check(t, s.CropFit == nil)
	assert.Check(t, s.SizeFit == nil)
	assert.Check(t, s.Fill == nil)
	assert.Check(t, s.Sharpen == nil)
	assert.Check(t, s.Strip == nil)
	assert.Check(t, s.DPI == nil)
	assert.Check(t, s.Tile == nil)
}

func TestNormaliseEmptyAlignment(t *testing.T) {
	// an empty alignment string merged in from elsewhere must read as
	// unset, not crash the slicing below it
	s := &Spec{
		Source: "x/pic.png",
		AlignH: ptr(""),
		AlignV: ptr(""),
	}
	s.Normalise()
	assert.Check(t, s.AlignH == nil)
	assert.Check(t, s.AlignV == nil)
}

func TestNormaliseCollapsesEquivalences(t *testing.T) {
	s := &Spec{
		Source:     "x/pic.png",
		Format:     ptr("pjpeg"),
		Colorspace: ptr("srgb"),
	}
	s.Normalise()
	assert.Check(t, is.Equal(*s.Format, "pjpg"))
	assert.Check(t, is.Equal(*s.Colorspace, "rgb"))

	s2 := &Spec{Source: "x/pic.png", Colorspace: ptr("grey")}
	s2.Normalise()
	assert.Check(t, is.Equal(*s2.Colorspace, "gray"))
}

func TestNormaliseRotate180FlipV(t *testing.T) {
	s := &Spec{Source: "a.jpg", Rotation: ptr(180.0), Flip: ptr("v")}
	s.Normalise()
	assert.Check(t, s.Rotation == nil)
	assert.Assert(t, s.Flip != nil)
	assert.Check(t, is.Equal(*s.Flip, "h"))

	s2 := &Spec{Source: "a.jpg", Rotation: ptr(-180.0), Flip: ptr("h")}
	s2.Normalise()
	assert.Check(t, s2.Rotation == nil)
	assert.Check(t, is.Equal(*s2.Flip, "v"))

	// a bare 180 rotation is a real operation and survives
	s3 := &Spec{Source: "a.jpg", Rotation: ptr(180.0)}
	s3.Normalise()
	assert.Assert(t, s3.Rotation != nil)
}

func TestNormaliseFillRules(t *testing.T) {
	// fill with nothing to pad is dropped
	s := &Spec{Source: "a.jpg", Fill: ptr("red"), Width: ptr(200)}
	s.Normalise()
	assert.Check(t, s.Fill == nil)

	// rotation by a non-right angle exposes the canvas
	s2 := &Spec{Source: "a.jpg", Fill: ptr("red"), Rotation: ptr(45.0)}
	s2.Normalise()
	assert.Assert(t, s2.Fill != nil)
	assert.Check(t, is.Equal(*s2.Fill, "red"))

	// #ffffff collapses to white, which is the default and is dropped
	s3 := &Spec{Source: "a.jpg", Fill: ptr("#FFFFFF"), Rotation: ptr(45.0)}
	s3.Normalise()
	assert.Check(t, s3.Fill == nil)
}

func TestNormaliseOverlayAndICCDependents(t *testing.T) {
	s := &Spec{
		Source:         "a.jpg",
		OverlayPos:     ptr("ne"),
		OverlaySize:    ptr(0.5),
		OverlayOpacity: ptr(0.8),
		ICCIntent:      ptr("perceptual"),
		ICCBPC:         ptr(true),
	}
	s.Normalise()
	// without an overlay source or ICC profile the dependent fields go
	assert.Check(t, s.OverlayPos == nil)
	assert.Check(t, s.OverlaySize == nil)
	assert.Check(t, s.OverlayOpacity == nil)
	assert.Check(t, s.ICCIntent == nil)
	assert.Check(t, s.ICCBPC == nil)
}

func TestNormaliseIdempotent(t *testing.T) {
	specs := []*Spec{
		{Source: "a.jpg"},
		{Source: "a.jpg", Rotation: ptr(180.0), Flip: ptr("v")},
		{Source: "a.jpg", Width: ptr(200), Height: ptr(100), Fill: ptr("blue"), SizeFit: ptr(true)},
		{Source: "b.png", Format: ptr("pjpeg"), Quality: ptr(70), Colorspace: ptr("srgb")},
		{Source: "c.pdf", Page: ptr(3), DPI: ptr(150), Crop: &Crop{0.1, 0.1, 0.9, 0.9}, CropFit: ptr(true)},
		{Source: "d.tif", Tile: &Tile{Index: 3, Grid: 16}, Width: ptr(256), Height: ptr(256)},
	}
	for _, s := range specs {
		once := s.Clone()
		once.Normalise()
		twice := once.Clone()
		twice.Normalise()
		assert.Check(t, is.DeepEqual(once, twice), "normalise not idempotent: %s", cmp.Diff(once, twice))
	}
}

func TestApplyTemplateNoOverride(t *testing.T) {
	s := &Spec{Source: "a.jpg", Width: ptr(100)}
	tmpl := &Spec{Width: ptr(500), Height: ptr(500), Format: ptr("png")}

	s.ApplyTemplate(tmpl, false)
	assert.Check(t, is.Equal(*s.Width, 100), "set field must not be overridden")
	assert.Check(t, is.Equal(*s.Height, 500))
	assert.Check(t, is.Equal(*s.Format, "png"))

	s.ApplyTemplate(tmpl, true)
	assert.Check(t, is.Equal(*s.Width, 500), "override mode replaces set fields")
}

func TestApplyDefaultsSkipsQuality(t *testing.T) {
	s := &Spec{Source: "a.png"}
	s.ApplyDefaults(Defaults{Format: "jpg", Colorspace: "rgb", Strip: false, DPI: 0})
	assert.Assert(t, s.Format != nil)
	assert.Check(t, is.Equal(*s.Format, "jpg"))
	assert.Check(t, s.Quality == nil, "quality is only supplied by the codec when an encode runs")
}

func TestCloneIsolation(t *testing.T) {
	s := &Spec{Source: "a.jpg", Width: ptr(10), Crop: &Crop{0, 0, 0.5, 0.5}}
	c := s.Clone()
	*c.Width = 99
	c.Crop.Bottom = 1
	assert.Check(t, is.Equal(*s.Width, 10))
	assert.Check(t, is.Equal(s.Crop.Bottom, 0.5))
}
