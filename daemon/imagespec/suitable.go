package imagespec

import "math"

// Reason explains why a cached derivative cannot serve as the base
// image for a new target. Zero means the base is usable.
type Reason int

// Reason codes returned by SuitableFor.
const (
	Suitable Reason = iota
	ReasonSource
	ReasonPage
	ReasonFormat
	ReasonFill
	ReasonSharpened
	ReasonAspect
	ReasonQuality
	ReasonSize
	ReasonFlip
	ReasonRotation
	ReasonCrop
	ReasonICC
	ReasonColorspace
	ReasonStrip
	ReasonDPI
	ReasonOverlay
	ReasonTile
	ReasonOperationOrder
	ReasonPadding
)

var reasonNames = map[Reason]string{
	Suitable:             "suitable",
	ReasonSource:         "different source",
	ReasonPage:           "different page",
	ReasonFormat:         "different format",
	ReasonFill:           "different fill",
	ReasonSharpened:      "base already sharpened",
	ReasonAspect:         "aspect ratio mismatch",
	ReasonQuality:        "base quality too low",
	ReasonSize:           "base too small",
	ReasonFlip:           "flip mismatch",
	ReasonRotation:       "rotation mismatch",
	ReasonCrop:           "crop mismatch",
	ReasonICC:            "ICC mismatch",
	ReasonColorspace:     "colorspace mismatch",
	ReasonStrip:          "strip mismatch",
	ReasonDPI:            "dpi mismatch",
	ReasonOverlay:        "overlay mismatch",
	ReasonTile:           "tile mismatch",
	ReasonOperationOrder: "pipeline order violated",
	ReasonPadding:        "padding attributes differ",
}

func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "unknown reason"
}

const unsetQuality = 101 // a raw original that no encode can surpass

func eqStr(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func eqInt(a, b *int) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func eqFloat(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func eqBool(a, b *bool) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func eqCrop(a, b *Crop) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SuitableFor reports whether the bytes cached for the receiver may be
// used as the starting point for producing the target derivative. Both
// specs must be normalised. Zero means usable; any other value names
// the first rule that disqualified the base.
//
// The transformation pipeline applies flip, then rotation, then crop.
// A base that has already been through a later stage cannot have an
// earlier stage applied on top of it, whatever its other attributes.
func (s *Spec) SuitableFor(target *Spec) Reason {
	base := s

	if base.Source != target.Source {
		return ReasonSource
	}
	if !eqInt(base.Page, target.Page) {
		return ReasonPage
	}

	if !eqStr(base.Format, target.Format) {
		return ReasonFormat
	}
	// defensive: a lossy encode can never reconstruct a lossless target
	if lossyFormats[base.EffectiveFormat()] && !lossyFormats[target.EffectiveFormat()] {
		return ReasonFormat
	}
	if !eqStr(base.Fill, target.Fill) {
		return ReasonFill
	}

	// sharpening is not idempotent, so a sharpened base is never
	// reused, even for an identical sharpen value
	if base.Sharpen != nil {
		return ReasonSharpened
	}

	// aspect ratio must agree when both specs pin both dimensions
	if base.Width != nil && base.Height != nil && target.Width != nil && target.Height != nil {
		ba := round2(float64(*base.Width) / float64(*base.Height))
		ta := round2(float64(*target.Width) / float64(*target.Height))
		if ba != ta {
			return ReasonAspect
		}
	}

	baseQ, targetQ := unsetQuality, unsetQuality
	if base.Quality != nil {
		baseQ = *base.Quality
	}
	if target.Quality != nil {
		targetQ = *target.Quality
	}
	if baseQ < targetQ {
		return ReasonQuality
	}

	// the base must be at least as large as the target in both
	// dimensions; an unsized base is the original size (+inf), an
	// unsized target wants the original size and so needs an unsized base
	if target.Width != nil {
		if base.Width != nil && *base.Width < *target.Width {
			return ReasonSize
		}
	} else if base.Width != nil {
		return ReasonSize
	}
	if target.Height != nil {
		if base.Height != nil && *base.Height < *target.Height {
			return ReasonSize
		}
	} else if base.Height != nil {
		return ReasonSize
	}

	// operations already applied to the base must match the target
	// exactly; an operation absent from the base can still be applied
	// downstream, subject to the pipeline order checks below
	if base.Flip != nil && !eqStr(base.Flip, target.Flip) {
		return ReasonFlip
	}
	if base.Rotation != nil && !eqFloat(base.Rotation, target.Rotation) {
		return ReasonRotation
	}
	if base.Crop != nil && !eqCrop(base.Crop, target.Crop) {
		return ReasonCrop
	}
	if base.Crop != nil && !eqBool(base.CropFit, target.CropFit) {
		return ReasonCrop
	}
	if base.ICCProfile != nil {
		if !eqStr(base.ICCProfile, target.ICCProfile) ||
			!eqStr(base.ICCIntent, target.ICCIntent) ||
			!eqBool(base.ICCBPC, target.ICCBPC) {
			return ReasonICC
		}
	}
	if base.Colorspace != nil && !eqStr(base.Colorspace, target.Colorspace) {
		return ReasonColorspace
	}
	if base.Strip != nil && !eqBool(base.Strip, target.Strip) {
		return ReasonStrip
	}
	if base.SourceExt() == "pdf" && !eqInt(base.DPI, target.DPI) {
		return ReasonDPI
	}

	// an overlay is never re-applied downstream: a base carrying one
	// can only serve a tile of that exact overlaid image
	if base.OverlaySrc != nil {
		if target.Tile == nil {
			return ReasonOverlay
		}
		if !eqStr(base.OverlaySrc, target.OverlaySrc) ||
			!eqStr(base.OverlayPos, target.OverlayPos) ||
			!eqFloat(base.OverlaySize, target.OverlaySize) ||
			!eqFloat(base.OverlayOpacity, target.OverlayOpacity) {
			return ReasonOverlay
		}
	}

	// a base that is itself a tile only serves the identical tile
	if base.Tile != nil && (target.Tile == nil || *base.Tile != *target.Tile) {
		return ReasonTile
	}

	// pipeline order: flip happens before rotate, rotate before crop.
	// If the target still needs a flip, the base must not be rotated
	// or cropped; if it still needs a rotation, the base must not be
	// cropped.
	if target.Flip != nil && base.Flip == nil {
		if base.Rotation != nil || base.Crop != nil {
			return ReasonOperationOrder
		}
	}
	if target.Rotation != nil && base.Rotation == nil {
		if base.Crop != nil {
			return ReasonOperationOrder
		}
	}

	// when the base was already resized, its padding attributes are
	// baked in and must match the target
	if base.Width != nil || base.Height != nil {
		if !eqBool(base.SizeFit, target.SizeFit) {
			return ReasonPadding
		}
		if !eqStr(base.AlignH, target.AlignH) || !eqStr(base.AlignV, target.AlignV) {
			return ReasonPadding
		}
	}

	return Suitable
}
