package codec

import (
	"bytes"
	"context"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strconv"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/imgd/imgd/errdefs"
)

// basicAdapter is the minimal back end: stdlib decoders, nearest
// neighbour scaling, no effects. It exists so the server still starts
// and serves resized derivatives when the full adapter is disabled.
type basicAdapter struct{}

// NewBasicAdapter returns the reduced-capability adapter.
func NewBasicAdapter() Adapter {
	return &basicAdapter{}
}

func (a *basicAdapter) SupportedOperations() map[string]bool {
	return map[string]bool{
		OpFormat:  true,
		OpResize:  true,
		OpSizeFit: true,
		OpQuality: true,
		OpStrip:   true,
		OpCrop:    true,
	}
}

func (a *basicAdapter) SupportedFileTypes() []string {
	return []string{"jpg", "jpeg", "png", "gif"}
}

func (a *basicAdapter) Dimensions(b []byte, _ string) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return 0, 0, errdefs.UnsupportedMedia(errors.Wrap(err, "cannot read image header"))
	}
	return cfg.Width, cfg.Height, nil
}

func (a *basicAdapter) ProfileData(b []byte, _ string) ([]ProfileEntry, error) {
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

func (a *basicAdapter) BurstPDF(context.Context, []byte, string, int) error {
	return errdefs.UnsupportedMedia(errors.New("pdf bursting is not supported by this imaging back end"))
}

func (a *basicAdapter) Adjust(ctx context.Context, b []byte, hint string, ops *Operations) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, errdefs.UnsupportedMedia(errors.Wrap(err, "cannot decode source image"))
	}

	if ops.Crop != nil && !ops.Crop.IsIdentity() {
		img = cropImage(img, cropRect(img.Bounds(), *ops.Crop))
	}

	if ops.Width > 0 || ops.Height > 0 {
		img = scale(img, ops.Width, ops.Height)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := targetFormat(ops.Format, hint)
	if target == "" {
		target = format
	}
	var buf bytes.Buffer
	switch target {
	case "jpg", "jpeg":
		q := ops.Quality
		if q <= 0 || q > 100 {
			q = 80
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: q})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		return nil, errdefs.InvalidParameter(errors.Errorf("cannot encode to format %q", target))
	}
	if err != nil {
		return nil, errors.Wrap(err, "encoding image")
	}
	return buf.Bytes(), nil
}

func cropImage(img image.Image, rect image.Rectangle) image.Image {
	out := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Copy(out, image.Point{}, img, rect, xdraw.Src, nil)
	return out
}

// scale resizes preserving aspect when one dimension is zero, and fits
// inside the box when both are set.
func scale(img image.Image, w, h int) image.Image {
	sw := img.Bounds().Dx()
	sh := img.Bounds().Dy()
	if sw == 0 || sh == 0 {
		return img
	}
	switch {
	case w > 0 && h > 0:
		// fit within the box
		if sw*h > sh*w {
			h = sh * w / sw
		} else {
			w = sw * h / sh
		}
	case w > 0:
		h = sh * w / sw
	case h > 0:
		w = sw * h / sh
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}
