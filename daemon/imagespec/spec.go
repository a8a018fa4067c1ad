// Package imagespec defines the normalised set of transformation
// attributes for one derivative image, and the operations the image
// manager performs on it: validation, template application, server
// defaults, normalisation, cache fingerprinting and base-image
// suitability checks.
//
// A Spec is treated as immutable once it has been finalised; every
// field is optional (nil means "not requested") except Source.
package imagespec

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// Crop is a fractional crop rectangle. All values are in [0,1] and
// measured from the top-left corner; the identity rectangle is
// (0,0,1,1).
type Crop struct {
	Top    float64
	Left   float64
	Bottom float64
	Right  float64
}

// IsIdentity reports whether the rectangle covers the whole image.
func (c Crop) IsIdentity() bool {
	return c.Top == 0 && c.Left == 0 && c.Bottom == 1 && c.Right == 1
}

// Tile addresses one rectangular sub-region of a derivative. Grid is
// the total number of tiles and must be a perfect square; Index is
// 1-based.
type Tile struct {
	Index int
	Grid  int
}

// Spec holds the requested transformation attributes for one
// derivative. Pointer fields are nil when the attribute was not
// supplied; the zero value of the pointed-to type is meaningful (e.g.
// *Width = 0 is normalised away as "unspecified").
type Spec struct {
	// Source is the canonical repository path of the original image.
	Source string
	// SourceID is assigned by the data store on first sight of Source
	// and is required before fingerprinting.
	SourceID int64

	Page     *int
	Format   *string
	Template *string

	Width  *int
	Height *int
	AlignH *string
	AlignV *string

	Rotation *float64
	Flip     *string

	Crop    *Crop
	CropFit *bool
	SizeFit *bool

	Fill    *string
	Quality *int
	Sharpen *int

	OverlaySrc     *string
	OverlayPos     *string
	OverlaySize    *float64
	OverlayOpacity *float64

	ICCProfile *string
	ICCIntent  *string
	ICCBPC     *bool

	Colorspace *string
	Strip      *bool
	DPI        *int

	Tile *Tile
}

// SourceExt returns the lower-cased extension of the source path
// without the leading dot, e.g. "jpg".
func (s *Spec) SourceExt() string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(s.Source), "."))
	return canonicalFormat(ext)
}

// EffectiveFormat returns the output format, falling back to the
// source extension when no format override is set.
func (s *Spec) EffectiveFormat() string {
	if s.Format != nil {
		return *s.Format
	}
	return s.SourceExt()
}

// Filename derives the download file name for the derivative.
func (s *Spec) Filename() string {
	base := path.Base(s.Source)
	if ext := path.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	f := s.EffectiveFormat()
	if f == "pjpg" {
		f = "jpg"
	}
	if f == "" {
		return base
	}
	return base + "." + f
}

// Clone returns a deep copy. The copy can be mutated without
// affecting the receiver.
func (s *Spec) Clone() *Spec {
	out := &Spec{Source: s.Source, SourceID: s.SourceID}
	out.Page = cloneVal(s.Page)
	out.Format = cloneVal(s.Format)
	out.Template = cloneVal(s.Template)
	out.Width = cloneVal(s.Width)
	out.Height = cloneVal(s.Height)
	out.AlignH = cloneVal(s.AlignH)
	out.AlignV = cloneVal(s.AlignV)
	out.Rotation = cloneVal(s.Rotation)
	out.Flip = cloneVal(s.Flip)
	out.Crop = cloneVal(s.Crop)
	out.CropFit = cloneVal(s.CropFit)
	out.SizeFit = cloneVal(s.SizeFit)
	out.Fill = cloneVal(s.Fill)
	out.Quality = cloneVal(s.Quality)
	out.Sharpen = cloneVal(s.Sharpen)
	out.OverlaySrc = cloneVal(s.OverlaySrc)
	out.OverlayPos = cloneVal(s.OverlayPos)
	out.OverlaySize = cloneVal(s.OverlaySize)
	out.OverlayOpacity = cloneVal(s.OverlayOpacity)
	out.ICCProfile = cloneVal(s.ICCProfile)
	out.ICCIntent = cloneVal(s.ICCIntent)
	out.ICCBPC = cloneVal(s.ICCBPC)
	out.Colorspace = cloneVal(s.Colorspace)
	out.Strip = cloneVal(s.Strip)
	out.DPI = cloneVal(s.DPI)
	out.Tile = cloneVal(s.Tile)
	return out
}

func cloneVal[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ApplyTemplate merges another spec's fields into the receiver. When
// override is false only fields that are currently unset are filled;
// Source, SourceID and Template are never copied.
func (s *Spec) ApplyTemplate(t *Spec, override bool) {
	if t == nil {
		return
	}
	mergeVal(&s.Page, t.Page, override)
	mergeVal(&s.Format, t.Format, override)
	mergeVal(&s.Width, t.Width, override)
	mergeVal(&s.Height, t.Height, override)
	mergeVal(&s.AlignH, t.AlignH, override)
	mergeVal(&s.AlignV, t.AlignV, override)
	mergeVal(&s.Rotation, t.Rotation, override)
	mergeVal(&s.Flip, t.Flip, override)
	mergeVal(&s.Crop, t.Crop, override)
	mergeVal(&s.CropFit, t.CropFit, override)
	mergeVal(&s.SizeFit, t.SizeFit, override)
	mergeVal(&s.Fill, t.Fill, override)
	mergeVal(&s.Quality, t.Quality, override)
	mergeVal(&s.Sharpen, t.Sharpen, override)
	mergeVal(&s.OverlaySrc, t.OverlaySrc, override)
	mergeVal(&s.OverlayPos, t.OverlayPos, override)
	mergeVal(&s.OverlaySize, t.OverlaySize, override)
	mergeVal(&s.OverlayOpacity, t.OverlayOpacity, override)
	mergeVal(&s.ICCProfile, t.ICCProfile, override)
	mergeVal(&s.ICCIntent, t.ICCIntent, override)
	mergeVal(&s.ICCBPC, t.ICCBPC, override)
	mergeVal(&s.Colorspace, t.Colorspace, override)
	mergeVal(&s.Strip, t.Strip, override)
	mergeVal(&s.DPI, t.DPI, override)
	mergeVal(&s.Tile, t.Tile, override)
}

func mergeVal[T any](dst **T, src *T, override bool) {
	if src == nil {
		return
	}
	if *dst == nil || override {
		v := *src
		*dst = &v
	}
}

// Defaults are the server-wide fallback values applied after template
// resolution. Quality is deliberately absent: the codec adapter
// supplies it only when an encode actually runs, so an untouched
// original is never re-encoded just to honour a default.
type Defaults struct {
	Format     string
	Colorspace string
	Strip      bool
	DPI        int
}

// ApplyDefaults fills still-unset fields from the server defaults.
func (s *Spec) ApplyDefaults(d Defaults) {
	if s.Format == nil && d.Format != "" {
		f := canonicalFormat(d.Format)
		s.Format = &f
	}
	if s.Colorspace == nil && d.Colorspace != "" {
		c := canonicalColorspace(d.Colorspace)
		s.Colorspace = &c
	}
	if s.Strip == nil && d.Strip {
		v := true
		s.Strip = &v
	}
	if s.DPI == nil && d.DPI > 0 {
		v := d.DPI
		s.DPI = &v
	}
}

// ParseTile parses the wire form "index:grid" of a tile spec.
func ParseTile(v string) (Tile, error) {
	idx, grid, ok := strings.Cut(v, ":")
	if !ok {
		return Tile{}, errdefs.InvalidParameter(errors.Errorf("invalid tile spec %q, expected \"index:grid\"", v))
	}
	n, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		return Tile{}, errdefs.InvalidParameter(errors.Errorf("invalid tile index %q", idx))
	}
	g, err := strconv.Atoi(strings.TrimSpace(grid))
	if err != nil {
		return Tile{}, errdefs.InvalidParameter(errors.Errorf("invalid tile grid %q", grid))
	}
	return Tile{Index: n, Grid: g}, nil
}

// ParseCrop builds a crop rectangle from the four wire values. Empty
// strings take the identity value for that edge.
func ParseCrop(top, left, bottom, right string) (*Crop, error) {
	c := Crop{Top: 0, Left: 0, Bottom: 1, Right: 1}
	supplied := false
	for _, f := range []struct {
		raw string
		dst *float64
	}{
		{top, &c.Top}, {left, &c.Left}, {bottom, &c.Bottom}, {right, &c.Right},
	} {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return nil, errdefs.InvalidParameter(errors.Errorf("invalid crop value %q", f.raw))
		}
		*f.dst = v
		supplied = true
	}
	if !supplied {
		return nil, nil
	}
	return &c, nil
}

func fmtFloat(v float64) string {
	// fixed 5 decimal places keeps fingerprints bit-stable across
	// platforms regardless of how the value was parsed
	return strconv.FormatFloat(v, 'f', 5, 64)
}

func (c Crop) wire() string {
	return fmt.Sprintf("%s,%s,%s,%s", fmtFloat(c.Top), fmtFloat(c.Left), fmtFloat(c.Bottom), fmtFloat(c.Right))
}

func (t Tile) wire() string {
	return strconv.Itoa(t.Index) + ":" + strconv.Itoa(t.Grid)
}
