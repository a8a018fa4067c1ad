package imagespec

import "strings"

// identity values that normalisation erases
const (
	identityAlignH = "C0.5"
	identityAlignV = "C0.5"
	identityFill   = "white"
)

// Normalise erases semantic no-ops and collapses equivalent attribute
// encodings so that requests which produce identical pixels share one
// fingerprint. It is idempotent: Normalise(Normalise(s)) == Normalise(s).
func (s *Spec) Normalise() {
	// canonical attribute encodings first, so the no-op checks below
	// compare like with like
	if s.Format != nil {
		f := canonicalFormat(*s.Format)
		s.Format = &f
	}
	if s.Colorspace != nil {
		c := canonicalColorspace(*s.Colorspace)
		s.Colorspace = &c
	}
	if s.Flip != nil {
		f := strings.ToLower(*s.Flip)
		s.Flip = &f
	}
	// an empty alignment is no alignment at all
	if s.AlignH != nil && *s.AlignH == "" {
		s.AlignH = nil
	}
	if s.AlignV != nil && *s.AlignV == "" {
		s.AlignV = nil
	}
	if s.AlignH != nil {
		a := strings.ToUpper((*s.AlignH)[:1]) + (*s.AlignH)[1:]
		s.AlignH = &a
	}
	if s.AlignV != nil {
		a := strings.ToUpper((*s.AlignV)[:1]) + (*s.AlignV)[1:]
		s.AlignV = &a
	}
	if s.Fill != nil {
		f := strings.ToLower(*s.Fill)
		if f == "#ffffff" {
			f = identityFill
		}
		if f == "transparent" {
			f = "none"
		}
		s.Fill = &f
	}
	if s.ICCIntent != nil {
		i := strings.ToLower(*s.ICCIntent)
		s.ICCIntent = &i
	}
	if s.OverlayPos != nil {
		p := strings.ToLower(*s.OverlayPos)
		s.OverlayPos = &p
	}

	// rotate 180 combined with a flip is itself a flip on the other
	// axis; rewrite so the cheaper form owns the fingerprint
	if s.Rotation != nil && (*s.Rotation == 180 || *s.Rotation == -180) && s.Flip != nil {
		var f string
		if *s.Flip == "v" {
			f = "h"
		} else {
			f = "v"
		}
		s.Flip = &f
		s.Rotation = nil
	}

	// erase semantic no-ops
	if s.Page != nil && *s.Page <= 1 {
		s.Page = nil
	}
	if s.Format != nil && *s.Format == s.SourceExt() {
		s.Format = nil
	}
	if s.Width != nil && *s.Width == 0 {
		s.Width = nil
	}
	if s.Height != nil && *s.Height == 0 {
		s.Height = nil
	}
	if s.Rotation != nil {
		r := *s.Rotation
		if r == 0 || r == 360 || r == -360 {
			s.Rotation = nil
		}
	}
	if s.Crop != nil && s.Crop.IsIdentity() {
		s.Crop = nil
	}
	if s.Crop == nil && s.CropFit != nil {
		// crop-fit only means anything while a crop is present
		s.CropFit = nil
	}
	if s.CropFit != nil && !*s.CropFit {
		s.CropFit = nil
	}
	if s.SizeFit != nil && !*s.SizeFit {
		s.SizeFit = nil
	}
	if s.Sharpen != nil && *s.Sharpen == 0 {
		s.Sharpen = nil
	}
	if s.Strip != nil && !*s.Strip {
		s.Strip = nil
	}
	if s.DPI != nil && *s.DPI == 0 {
		s.DPI = nil
	}
	if s.ICCBPC != nil && !*s.ICCBPC {
		s.ICCBPC = nil
	}
	if s.AlignH != nil && *s.AlignH == identityAlignH {
		s.AlignH = nil
	}
	if s.AlignV != nil && *s.AlignV == identityAlignV {
		s.AlignV = nil
	}

	// overlay attributes mean nothing without an overlay source
	if s.OverlaySrc == nil {
		s.OverlayPos = nil
		s.OverlaySize = nil
		s.OverlayOpacity = nil
	} else {
		if s.OverlayPos != nil && *s.OverlayPos == "c" {
			s.OverlayPos = nil
		}
		if s.OverlaySize != nil && *s.OverlaySize == 1 {
			s.OverlaySize = nil
		}
		if s.OverlayOpacity != nil && *s.OverlayOpacity == 1 {
			s.OverlayOpacity = nil
		}
	}

	// ICC intent and BPC mean nothing without a profile
	if s.ICCProfile == nil {
		s.ICCIntent = nil
		s.ICCBPC = nil
	}

	// a tile grid of one is the whole image
	if s.Tile != nil && s.Tile.Grid < 2 {
		s.Tile = nil
	}

	// fill can only show when padding or rotation exposes it: rotation
	// by a non-right angle, or size-fit padding to an aspect-changing
	// canvas
	if s.Fill != nil && !s.fillCanApply() {
		s.Fill = nil
	}
	// white is the default canvas colour
	if s.Fill != nil && *s.Fill == identityFill {
		s.Fill = nil
	}
}

// fillCanApply reports whether the fill colour could be visible in the
// output: a rotation by anything other than a multiple of 90 degrees
// exposes the canvas corners, and size-fit with both dimensions pads
// the short side.
func (s *Spec) fillCanApply() bool {
	if s.Rotation != nil {
		r := *s.Rotation
		if r != 0 && r != 90 && r != -90 && r != 180 && r != -180 && r != 270 && r != -270 {
			return true
		}
		// right-angle rotations still pad when the canvas is fixed
		if s.Width != nil && s.Height != nil {
			return true
		}
	}
	if s.SizeFit != nil && *s.SizeFit && s.Width != nil && s.Height != nil {
		return true
	}
	if s.Width != nil && s.Height != nil && s.CropFit == nil && s.Crop == nil {
		// a forced canvas of both dimensions may letterbox
		return true
	}
	return false
}
