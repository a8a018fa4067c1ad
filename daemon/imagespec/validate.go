package imagespec

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// Environment supplies the enumerations that depend on server state:
// which output formats the codec back end can encode, which templates
// exist, and which ICC profiles are installed.
type Environment struct {
	Formats       map[string]bool
	HasTemplate   func(name string) bool
	HasICCProfile func(name string) bool
}

var (
	intents     = map[string]bool{"saturation": true, "perceptual": true, "absolute": true, "relative": true}
	colorspaces = map[string]bool{"rgb": true, "gray": true, "cmyk": true}
	flips       = map[string]bool{"h": true, "v": true}
	overlayPos  = map[string]bool{"c": true, "n": true, "ne": true, "e": true, "se": true, "s": true, "sw": true, "w": true, "nw": true}

	hexColour = regexp.MustCompile(`^#?[0-9a-f]{6}$`)
	namedColour = map[string]bool{
		"white": true, "black": true, "red": true, "green": true, "blue": true,
		"yellow": true, "cyan": true, "magenta": true, "gray": true, "grey": true,
		"silver": true, "orange": true, "purple": true, "brown": true,
	}
)

// fieldCheck validates one attribute of a Spec. The table in Validate
// is the single place a new attribute has to be registered; normalise
// and fingerprint handle it by field.
type fieldCheck struct {
	name  string
	check func(s *Spec, env *Environment) error
}

func invalidf(format string, args ...interface{}) error {
	return errdefs.InvalidParameter(errors.Errorf(format, args...))
}

func checkAlign(v, edges string) error {
	if v == "" {
		return invalidf("alignment value is empty")
	}
	letter := strings.ToUpper(v[:1])
	if !strings.Contains(edges, letter) {
		return invalidf("invalid alignment edge %q, expected one of %s", letter, edges)
	}
	pos, err := strconv.ParseFloat(v[1:], 64)
	if err != nil || pos < 0 || pos > 1 {
		return invalidf("invalid alignment position in %q, expected 0..1", v)
	}
	return nil
}

func checkColour(v string) error {
	lv := strings.ToLower(v)
	if lv == "auto" || lv == "none" || lv == "transparent" {
		return nil
	}
	if namedColour[lv] || hexColour.MatchString(lv) {
		return nil
	}
	return invalidf("invalid fill colour %q", v)
}

func isPerfectSquare(n int) bool {
	if n < 1 {
		return false
	}
	r := int(math.Sqrt(float64(n)))
	return r*r == n || (r+1)*(r+1) == n
}

var validators = []fieldCheck{
	{"src", func(s *Spec, _ *Environment) error {
		if strings.TrimSpace(s.Source) == "" {
			return invalidf("no image source was specified")
		}
		return nil
	}},
	{"page", func(s *Spec, _ *Environment) error {
		if s.Page != nil && *s.Page < 1 {
			return invalidf("page must be 1 or greater: %d", *s.Page)
		}
		return nil
	}},
	{"format", func(s *Spec, env *Environment) error {
		if s.Format == nil {
			return nil
		}
		if env.Formats != nil && !env.Formats[canonicalFormat(*s.Format)] {
			return invalidf("unsupported output format %q", *s.Format)
		}
		return nil
	}},
	{"tmp", func(s *Spec, env *Environment) error {
		if s.Template == nil {
			return nil
		}
		if env.HasTemplate != nil && !env.HasTemplate(*s.Template) {
			return invalidf("unknown template %q", *s.Template)
		}
		return nil
	}},
	{"width", func(s *Spec, _ *Environment) error {
		if s.Width != nil && (*s.Width < 0 || *s.Width > 32000) {
			return invalidf("width must be in 0..32000: %d", *s.Width)
		}
		return nil
	}},
	{"height", func(s *Spec, _ *Environment) error {
		if s.Height != nil && (*s.Height < 0 || *s.Height > 32000) {
			return invalidf("height must be in 0..32000: %d", *s.Height)
		}
		return nil
	}},
	{"halign", func(s *Spec, _ *Environment) error {
		if s.AlignH == nil {
			return nil
		}
		return checkAlign(*s.AlignH, "LCR")
	}},
	{"valign", func(s *Spec, _ *Environment) error {
		if s.AlignV == nil {
			return nil
		}
		return checkAlign(*s.AlignV, "TCB")
	}},
	{"angle", func(s *Spec, _ *Environment) error {
		if s.Rotation != nil && (*s.Rotation < -360 || *s.Rotation > 360) {
			return invalidf("rotation must be in -360..360: %v", *s.Rotation)
		}
		return nil
	}},
	{"flip", func(s *Spec, _ *Environment) error {
		if s.Flip != nil && !flips[strings.ToLower(*s.Flip)] {
			return invalidf("flip must be \"h\" or \"v\": %q", *s.Flip)
		}
		return nil
	}},
	{"crop", func(s *Spec, _ *Environment) error {
		if s.Crop == nil {
			return nil
		}
		c := *s.Crop
		for _, v := range []float64{c.Top, c.Left, c.Bottom, c.Right} {
			if v < 0 || v > 1 {
				return invalidf("crop values must be in 0..1: %v", v)
			}
		}
		if c.Bottom <= c.Top || c.Right <= c.Left {
			return invalidf("crop rectangle is empty: top %v, left %v, bottom %v, right %v", c.Top, c.Left, c.Bottom, c.Right)
		}
		return nil
	}},
	{"fill", func(s *Spec, _ *Environment) error {
		if s.Fill == nil {
			return nil
		}
		return checkColour(*s.Fill)
	}},
	{"quality", func(s *Spec, _ *Environment) error {
		if s.Quality != nil && (*s.Quality < 1 || *s.Quality > 100) {
			return invalidf("quality must be in 1..100: %d", *s.Quality)
		}
		return nil
	}},
	{"sharpen", func(s *Spec, _ *Environment) error {
		if s.Sharpen != nil && (*s.Sharpen < -500 || *s.Sharpen > 500) {
			return invalidf("sharpen must be in -500..500: %d", *s.Sharpen)
		}
		return nil
	}},
	{"overlay", func(s *Spec, _ *Environment) error {
		if s.OverlaySrc != nil && strings.TrimSpace(*s.OverlaySrc) == "" {
			return invalidf("overlay source is empty")
		}
		return nil
	}},
	{"ovpos", func(s *Spec, _ *Environment) error {
		if s.OverlayPos != nil && !overlayPos[strings.ToLower(*s.OverlayPos)] {
			return invalidf("invalid overlay position %q", *s.OverlayPos)
		}
		return nil
	}},
	{"ovsize", func(s *Spec, _ *Environment) error {
		if s.OverlaySize != nil && (*s.OverlaySize <= 0 || *s.OverlaySize > 1) {
			return invalidf("overlay size must be in 0..1: %v", *s.OverlaySize)
		}
		return nil
	}},
	{"ovopacity", func(s *Spec, _ *Environment) error {
		if s.OverlayOpacity != nil && (*s.OverlayOpacity < 0 || *s.OverlayOpacity > 1) {
			return invalidf("overlay opacity must be in 0..1: %v", *s.OverlayOpacity)
		}
		return nil
	}},
	{"icc", func(s *Spec, env *Environment) error {
		if s.ICCProfile == nil {
			return nil
		}
		if env.HasICCProfile != nil && !env.HasICCProfile(*s.ICCProfile) {
			return invalidf("unknown ICC profile %q", *s.ICCProfile)
		}
		return nil
	}},
	{"intent", func(s *Spec, _ *Environment) error {
		if s.ICCIntent != nil && !intents[strings.ToLower(*s.ICCIntent)] {
			return invalidf("invalid rendering intent %q", *s.ICCIntent)
		}
		return nil
	}},
	{"colorspace", func(s *Spec, _ *Environment) error {
		if s.Colorspace == nil {
			return nil
		}
		if !colorspaces[canonicalColorspace(*s.Colorspace)] {
			return invalidf("invalid colorspace %q", *s.Colorspace)
		}
		return nil
	}},
	{"dpi", func(s *Spec, _ *Environment) error {
		if s.DPI != nil && (*s.DPI < 0 || *s.DPI > 32000) {
			return invalidf("dpi must be in 0..32000: %d", *s.DPI)
		}
		return nil
	}},
	{"tile", func(s *Spec, _ *Environment) error {
		if s.Tile == nil {
			return nil
		}
		t := *s.Tile
		// grid 1 is a no-op and is erased by normalisation; any other
		// grid must be a perfect square of at least 4
		if t.Grid != 1 && (t.Grid < 4 || !isPerfectSquare(t.Grid)) {
			return invalidf("tile grid must be a perfect square of at least 4: %d", t.Grid)
		}
		if t.Index < 1 || t.Index > t.Grid {
			return invalidf("tile index must be in 1..%d: %d", t.Grid, t.Index)
		}
		return nil
	}},
}

// Validate checks every supplied field against its allowed range or
// enumeration and never mutates the spec. The request path runs it on
// the raw request; values merged in later from a template were already
// vetted with ValidateValues when the template loaded.
func (s *Spec) Validate(env *Environment) error {
	return s.validate(env, true)
}

// ValidateValues is Validate without the source check. Template
// bundles carry no source of their own, so the template loader uses
// this to reject a file whose values are out of range.
func (s *Spec) ValidateValues(env *Environment) error {
	return s.validate(env, false)
}

func (s *Spec) validate(env *Environment, withSource bool) error {
	if env == nil {
		env = &Environment{}
	}
	for _, fc := range validators {
		if !withSource && fc.name == "src" {
			continue
		}
		if err := fc.check(s, env); err != nil {
			return errors.Wrapf(err, "parameter %s", fc.name)
		}
	}
	return nil
}

func canonicalFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	switch f {
	case "jpeg":
		return "jpg"
	case "pjpeg":
		return "pjpg"
	case "tif":
		return "tiff"
	default:
		return f
	}
}

func canonicalColorspace(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	switch c {
	case "srgb":
		return "rgb"
	case "grey":
		return "gray"
	default:
		return c
	}
}

// lossyFormats are encodings that discard information; a derivative
// encoded in one can never serve as the base for a lossless target.
var lossyFormats = map[string]bool{"jpg": true, "pjpg": true}
