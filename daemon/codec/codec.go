// Package codec abstracts the pixel work behind the image pipeline.
// The image manager hands an adapter the source bytes and a keyed set
// of operations; the adapter decodes, transforms and re-encodes. Which
// operations and file types an adapter supports is discovered at
// startup so the server can downgrade features instead of failing
// requests at runtime.
package codec

import (
	"context"

	"github.com/imgd/imgd/daemon/imagespec"
)

// Operation keys, as reported by SupportedOperations. They mirror the
// request parameter names.
const (
	OpPage       = "page"
	OpFormat     = "format"
	OpResize     = "resize"
	OpAlign      = "align"
	OpRotation   = "angle"
	OpFlip       = "flip"
	OpCrop       = "crop"
	OpCropFit    = "autocropfit"
	OpSizeFit    = "autosizefit"
	OpFill       = "fill"
	OpQuality    = "quality"
	OpSharpen    = "sharpen"
	OpOverlay    = "overlay"
	OpICC        = "icc"
	OpColorspace = "colorspace"
	OpStrip      = "strip"
	OpDPI        = "dpi"
	OpTile       = "tile"
	OpBurstPDF   = "burst_pdf"
)

// Operations is the keyed work order for one Adjust call. Zero values
// mean "not requested". Overlay and ICC payloads arrive as raw bytes;
// resolving names to bytes is the caller's business.
type Operations struct {
	Page   int
	Format string // target encoding; "" keeps the source format

	Width   int
	Height  int
	AlignH  string
	AlignV  string
	SizeFit bool

	Rotation float64
	Flip     string

	Crop    *imagespec.Crop
	CropFit bool

	Fill    string
	Quality int
	Sharpen int

	Overlay        []byte
	OverlayPos     string
	OverlaySize    float64
	OverlayOpacity float64

	ICCProfile []byte
	ICCIntent  string
	ICCBPC     bool

	Colorspace string
	Strip      bool
	DPI        int

	Tile *imagespec.Tile
}

// Keys lists the operation keys this work order exercises; the image
// manager checks them against SupportedOperations before dispatch.
func (o *Operations) Keys() []string {
	var keys []string
	add := func(cond bool, k string) {
		if cond {
			keys = append(keys, k)
		}
	}
	add(o.Page > 1, OpPage)
	add(o.Format != "", OpFormat)
	add(o.Width > 0 || o.Height > 0, OpResize)
	add(o.AlignH != "" || o.AlignV != "", OpAlign)
	add(o.SizeFit, OpSizeFit)
	add(o.Rotation != 0, OpRotation)
	add(o.Flip != "", OpFlip)
	add(o.Crop != nil, OpCrop)
	add(o.CropFit, OpCropFit)
	add(o.Fill != "", OpFill)
	add(o.Quality > 0, OpQuality)
	add(o.Sharpen != 0, OpSharpen)
	add(len(o.Overlay) > 0, OpOverlay)
	add(len(o.ICCProfile) > 0, OpICC)
	add(o.Colorspace != "", OpColorspace)
	add(o.Strip, OpStrip)
	add(o.DPI > 0, OpDPI)
	add(o.Tile != nil, OpTile)
	return keys
}

// ProfileEntry is one (profile, key, value) triple of embedded image
// metadata.
type ProfileEntry struct {
	Profile string
	Key     string
	Value   string
}

// Adapter is the pluggable imaging back end. Implementations must be
// safe for concurrent use.
type Adapter interface {
	// Adjust decodes b, applies ops and re-encodes. hint is the source
	// file extension without the dot; adapters may trust it or sniff.
	Adjust(ctx context.Context, b []byte, hint string, ops *Operations) ([]byte, error)
	// Dimensions returns the pixel size without a full decode.
	Dimensions(b []byte, hint string) (w, h int, err error)
	// ProfileData lists the metadata the adapter can extract.
	ProfileData(b []byte, hint string) ([]ProfileEntry, error)
	// BurstPDF renders each page of a PDF into destDir as
	// page-<n>.png at the given DPI.
	BurstPDF(ctx context.Context, b []byte, destDir string, dpi int) error
	// SupportedOperations reports the operation keys Adjust honours.
	SupportedOperations() map[string]bool
	// SupportedFileTypes lists decodable source extensions.
	SupportedFileTypes() []string
}
