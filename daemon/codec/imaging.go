package codec

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	// webp sources decode through the standard image registry; tiff
	// and bmp are registered by the imaging package itself.
	_ "golang.org/x/image/webp"

	"github.com/imgd/imgd/daemon/imagespec"
	"github.com/imgd/imgd/errdefs"
)

// imagingAdapter is the full-capability back end built on
// disintegration/imaging. It is stateless and safe for concurrent use.
type imagingAdapter struct{}

// NewImagingAdapter returns the default adapter.
func NewImagingAdapter() Adapter {
	return &imagingAdapter{}
}

func (a *imagingAdapter) SupportedOperations() map[string]bool {
	return map[string]bool{
		OpFormat:     true,
		OpResize:     true,
		OpAlign:      true,
		OpSizeFit:    true,
		OpRotation:   true,
		OpFlip:       true,
		OpCrop:       true,
		OpCropFit:    true,
		OpFill:       true,
		OpQuality:    true,
		OpSharpen:    true,
		OpOverlay:    true,
		OpColorspace: true,
		OpStrip:      true,
		OpTile:       true,
		// multi-page, ICC colour management, DPI re-rendering and PDF
		// bursting need a rasteriser-grade library
		OpPage:     false,
		OpICC:      false,
		OpDPI:      false,
		OpBurstPDF: false,
	}
}

func (a *imagingAdapter) SupportedFileTypes() []string {
	return []string{"jpg", "jpeg", "pjpg", "pjpeg", "png", "gif", "tif", "tiff", "bmp", "webp"}
}

func (a *imagingAdapter) Dimensions(b []byte, _ string) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return 0, 0, errdefs.UnsupportedMedia(errors.Wrap(err, "cannot read image header"))
	}
	return cfg.Width, cfg.Height, nil
}

func (a *imagingAdapter) ProfileData(b []byte, _ string) ([]ProfileEntry, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, errdefs.UnsupportedMedia(errors.Wrap(err, "cannot read image header"))
	}
	return []ProfileEntry{
		{Profile: "image", Key: "format", Value: format},
		{Profile: "image", Key: "width", Value: strconv.Itoa(cfg.Width)},
		{Profile: "image", Key: "height", Value: strconv.Itoa(cfg.Height)},
	}, nil
}

func (a *imagingAdapter) BurstPDF(context.Context, []byte, string, int) error {
	return errdefs.UnsupportedMedia(errors.New("pdf bursting is not supported by this imaging back end"))
}

func (a *imagingAdapter) Adjust(ctx context.Context, b []byte, hint string, ops *Operations) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errdefs.UnsupportedMedia(errors.Wrap(err, "cannot decode source image"))
	}

	fill := parseFill(ops.Fill, img)

	// pipeline order: flip, rotate, crop, size, tile, overlay, effects
	switch ops.Flip {
	case "h":
		img = imaging.FlipH(img)
	case "v":
		img = imaging.FlipV(img)
	}

	if ops.Rotation != 0 {
		img = rotate(img, ops.Rotation, fill)
	}

	if ops.Crop != nil && !ops.Crop.IsIdentity() {
		rect := cropRect(img.Bounds(), *ops.Crop)
		if ops.CropFit && ops.Width > 0 && ops.Height > 0 {
			rect = expandToAspect(rect, img.Bounds(), float64(ops.Width)/float64(ops.Height))
		}
		img = imaging.Crop(img, rect)
	}

	if ops.Width > 0 || ops.Height > 0 {
		img = resizeAndPad(img, ops, fill)
	}

	if ops.Tile != nil && ops.Tile.Grid > 1 {
		img = imaging.Crop(img, tileRect(img.Bounds(), *ops.Tile))
	}

	if len(ops.Overlay) > 0 {
		img, err = applyOverlay(img, ops)
		if err != nil {
			return nil, err
		}
	}

	if ops.Sharpen > 0 {
		img = imaging.Sharpen(img, float64(ops.Sharpen)/100)
	} else if ops.Sharpen < 0 {
		img = imaging.Blur(img, float64(-ops.Sharpen)/100)
	}

	if ops.Colorspace == "gray" {
		img = imaging.Grayscale(img)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return encode(img, targetFormat(ops.Format, hint), ops.Quality, fill)
}

// rotate treats positive angles as clockwise. Right angles keep exact
// pixels; anything else rasterises onto the fill colour.
func rotate(img image.Image, angle float64, fill color.Color) image.Image {
	a := math.Mod(angle, 360)
	if a < 0 {
		a += 360
	}
	switch a {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	case 0:
		return img
	}
	return imaging.Rotate(img, -a, fill)
}

// cropRect maps a relative crop onto pixel bounds.
func cropRect(bounds image.Rectangle, c imagespec.Crop) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	return image.Rect(
		bounds.Min.X+int(math.Round(c.Left*w)),
		bounds.Min.Y+int(math.Round(c.Top*h)),
		bounds.Min.X+int(math.Round(c.Right*w)),
		bounds.Min.Y+int(math.Round(c.Bottom*h)),
	)
}

// expandToAspect grows rect towards the target aspect ratio, clamped
// to the image bounds, so the requested size needs no padding.
func expandToAspect(rect, bounds image.Rectangle, aspect float64) image.Rectangle {
	w := float64(rect.Dx())
	h := float64(rect.Dy())
	if h == 0 || w == 0 || aspect <= 0 {
		return rect
	}
	cur := w / h
	cx := float64(rect.Min.X) + w/2
	cy := float64(rect.Min.Y) + h/2
	if cur < aspect {
		w = h * aspect
	} else if cur > aspect {
		h = w / aspect
	} else {
		return rect
	}
	out := image.Rect(
		int(math.Round(cx-w/2)), int(math.Round(cy-h/2)),
		int(math.Round(cx+w/2)), int(math.Round(cy+h/2)),
	)
	return out.Intersect(bounds)
}

// resizeAndPad sizes img to the requested box. With both dimensions
// given the image is fitted inside and, unless autosizefit asked for a
// shrunk box, padded to the exact size with the fill colour at the
// requested alignment. A single dimension scales proportionally.
func resizeAndPad(img image.Image, ops *Operations, fill color.Color) image.Image {
	switch {
	case ops.Width > 0 && ops.Height > 0:
		fitted := imaging.Fit(img, ops.Width, ops.Height, imaging.Lanczos)
		if ops.SizeFit {
			return fitted
		}
		if fitted.Bounds().Dx() == ops.Width && fitted.Bounds().Dy() == ops.Height {
			return fitted
		}
		bg := imaging.New(ops.Width, ops.Height, fill)
		x := alignOffset(ops.AlignH, ops.Width-fitted.Bounds().Dx(), 0.5)
		y := alignOffset(ops.AlignV, ops.Height-fitted.Bounds().Dy(), 0.5)
		return imaging.Paste(bg, fitted, image.Pt(x, y))
	case ops.Width > 0:
		return imaging.Resize(img, ops.Width, 0, imaging.Lanczos)
	default:
		return imaging.Resize(img, 0, ops.Height, imaging.Lanczos)
	}
}

// alignOffset turns an alignment spec ("L", "C0.5", "R", "T", "B0.9")
// into a pixel offset inside the given slack.
func alignOffset(align string, slack int, def float64) int {
	if slack <= 0 {
		return 0
	}
	frac := def
	if align != "" {
		switch align[0] {
		case 'L', 'T':
			frac = 0
		case 'C':
			frac = 0.5
		case 'R', 'B':
			frac = 1
		}
		if len(align) > 1 {
			if f, err := strconv.ParseFloat(align[1:], 64); err == nil && f >= 0 && f <= 1 {
				frac = f
			}
		}
	}
	return int(math.Round(frac * float64(slack)))
}

// tileRect selects tile Index (1-based, row-major) out of a square
// grid of Grid cells.
func tileRect(bounds image.Rectangle, t imagespec.Tile) image.Rectangle {
	side := int(math.Sqrt(float64(t.Grid)))
	if side < 1 {
		return bounds
	}
	idx := t.Index - 1
	row := idx / side
	col := idx % side
	w := bounds.Dx()
	h := bounds.Dy()
	x0 := bounds.Min.X + col*w/side
	y0 := bounds.Min.Y + row*h/side
	x1 := bounds.Min.X + (col+1)*w/side
	y1 := bounds.Min.Y + (row+1)*h/side
	return image.Rect(x0, y0, x1, y1)
}

func applyOverlay(base image.Image, ops *Operations) (image.Image, error) {
	ov, err := imaging.Decode(bytes.NewReader(ops.Overlay))
	if err != nil {
		return nil, errdefs.UnsupportedMedia(errors.Wrap(err, "cannot decode overlay image"))
	}
	bw := base.Bounds().Dx()
	bh := base.Bounds().Dy()

	// ovsize is a fraction of the base width; unset keeps the natural
	// size, clamped to the base
	size := ops.OverlaySize
	if size <= 0 || size > 1 {
		size = 1
	}
	maxW := int(math.Round(float64(bw) * size))
	if ov.Bounds().Dx() > maxW || ops.OverlaySize > 0 {
		ov = imaging.Resize(ov, maxW, 0, imaging.Lanczos)
	}
	if ov.Bounds().Dy() > bh {
		ov = imaging.Resize(ov, 0, bh, imaging.Lanczos)
	}

	opacity := ops.OverlayOpacity
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	pos := overlayPoint(ops.OverlayPos, base.Bounds(), ov.Bounds())
	return imaging.Overlay(base, ov, pos, opacity), nil
}

// overlayPoint resolves a compass position ("c", "n", "se", ...) to
// the overlay's top-left corner.
func overlayPoint(pos string, base, ov image.Rectangle) image.Point {
	slackX := base.Dx() - ov.Dx()
	slackY := base.Dy() - ov.Dy()
	x := slackX / 2
	y := slackY / 2
	switch strings.ToLower(pos) {
	case "n":
		y = 0
	case "s":
		y = slackY
	case "e":
		x = slackX
	case "w":
		x = 0
	case "ne":
		x, y = slackX, 0
	case "nw":
		x, y = 0, 0
	case "se":
		x, y = slackX, slackY
	case "sw":
		x, y = 0, slackY
	}
	return image.Pt(base.Min.X+x, base.Min.Y+y)
}

var namedFills = map[string]color.NRGBA{
	"white":   {255, 255, 255, 255},
	"black":   {0, 0, 0, 255},
	"red":     {255, 0, 0, 255},
	"green":   {0, 128, 0, 255},
	"blue":    {0, 0, 255, 255},
	"yellow":  {255, 255, 0, 255},
	"gray":    {128, 128, 128, 255},
	"grey":    {128, 128, 128, 255},
	"silver":  {192, 192, 192, 255},
	"orange":  {255, 165, 0, 255},
	"purple":  {128, 0, 128, 255},
	"magenta": {255, 0, 255, 255},
	"cyan":    {0, 255, 255, 255},
}

// parseFill resolves the fill parameter to a colour. "auto" samples
// the corner pixels of the source; unset and unknown values fall back
// to white.
func parseFill(fill string, img image.Image) color.Color {
	f := strings.ToLower(fill)
	switch f {
	case "", "white":
		return color.NRGBA{255, 255, 255, 255}
	case "none", "transparent":
		return color.NRGBA{0, 0, 0, 0}
	case "auto":
		return cornerAverage(img)
	}
	if c, ok := namedFills[f]; ok {
		return c
	}
	if c, ok := parseHex(f); ok {
		return c
	}
	return color.NRGBA{255, 255, 255, 255}
}

func parseHex(s string) (color.NRGBA, bool) {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.NRGBA{}, false
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, false
	}
	return color.NRGBA{uint8(n >> 16), uint8(n >> 8), uint8(n), 255}, true
}

func cornerAverage(img image.Image) color.Color {
	b := img.Bounds()
	pts := []image.Point{
		{b.Min.X, b.Min.Y},
		{b.Max.X - 1, b.Min.Y},
		{b.Min.X, b.Max.Y - 1},
		{b.Max.X - 1, b.Max.Y - 1},
	}
	var r, g, bl, a uint32
	for _, p := range pts {
		cr, cg, cb, ca := img.At(p.X, p.Y).RGBA()
		r += cr
		g += cg
		bl += cb
		a += ca
	}
	return color.NRGBA64{
		R: uint16(r / 4), G: uint16(g / 4), B: uint16(bl / 4), A: uint16(a / 4),
	}
}

// targetFormat picks the encoding: the requested format, else the
// source extension. Progressive JPEG is encoded as baseline.
func targetFormat(format, hint string) string {
	f := format
	if f == "" {
		f = strings.ToLower(hint)
	}
	switch f {
	case "pjpg", "pjpeg", "jpeg":
		return "jpg"
	case "tif":
		return "tiff"
	case "webp":
		// no webp encoder; nearest lossy format
		return "jpg"
	}
	return f
}

func encode(img image.Image, format string, quality int, fill color.Color) ([]byte, error) {
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Errorf("cannot encode to format %q", format))
	}
	var opts []imaging.EncodeOption
	if f == imaging.JPEG {
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		opts = append(opts, imaging.JPEGQuality(quality))
		img = flatten(img, fill)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, f, opts...); err != nil {
		return nil, errors.Wrap(err, "encoding image")
	}
	return buf.Bytes(), nil
}

// flatten composites transparency onto the fill colour for formats
// without an alpha channel.
func flatten(img image.Image, fill color.Color) image.Image {
	if _, _, _, a := fill.RGBA(); a == 0 {
		fill = color.NRGBA{255, 255, 255, 255}
	}
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), fill)
	return imaging.OverlayCenter(bg, img, 1.0)
}
