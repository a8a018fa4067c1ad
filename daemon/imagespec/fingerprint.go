package imagespec

import (
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// key namespaces in the derivative cache; every entry written by the
// image manager carries exactly one of these prefixes
const (
	fpPrefix   = "IMG:"
	metaPrefix = "IMGMETA:"
)

// MaxKeyLength is the longest key the cache accepts.
const MaxKeyLength = 250

// field tags, in fingerprint order. The order is append-only: adding a
// new attribute must not reorder existing tags or every cached
// derivative is orphaned.
var fingerprintFields = []struct {
	tag string
	get func(s *Spec) (string, bool)
}{
	{"p", func(s *Spec) (string, bool) { return itoaOpt(s.Page) }},
	{"f", func(s *Spec) (string, bool) { return strOpt(s.Format) }},
	{"w", func(s *Spec) (string, bool) { return itoaOpt(s.Width) }},
	{"h", func(s *Spec) (string, bool) { return itoaOpt(s.Height) }},
	{"ah", func(s *Spec) (string, bool) { return strOpt(s.AlignH) }},
	{"av", func(s *Spec) (string, bool) { return strOpt(s.AlignV) }},
	{"r", func(s *Spec) (string, bool) { return floatOpt(s.Rotation) }},
	{"fl", func(s *Spec) (string, bool) { return strOpt(s.Flip) }},
	{"c", func(s *Spec) (string, bool) {
		if s.Crop == nil {
			return "", false
		}
		return s.Crop.wire(), true
	}},
	{"cf", func(s *Spec) (string, bool) { return boolOpt(s.CropFit) }},
	{"sf", func(s *Spec) (string, bool) { return boolOpt(s.SizeFit) }},
	{"fi", func(s *Spec) (string, bool) { return strOpt(s.Fill) }},
	{"q", func(s *Spec) (string, bool) { return itoaOpt(s.Quality) }},
	{"sh", func(s *Spec) (string, bool) { return itoaOpt(s.Sharpen) }},
	{"ov", func(s *Spec) (string, bool) { return strOpt(s.OverlaySrc) }},
	{"op", func(s *Spec) (string, bool) { return strOpt(s.OverlayPos) }},
	{"os", func(s *Spec) (string, bool) { return floatOpt(s.OverlaySize) }},
	{"oo", func(s *Spec) (string, bool) { return floatOpt(s.OverlayOpacity) }},
	{"i", func(s *Spec) (string, bool) { return strOpt(s.ICCProfile) }},
	{"ii", func(s *Spec) (string, bool) { return strOpt(s.ICCIntent) }},
	{"ib", func(s *Spec) (string, bool) { return boolOpt(s.ICCBPC) }},
	{"cs", func(s *Spec) (string, bool) { return strOpt(s.Colorspace) }},
	{"st", func(s *Spec) (string, bool) { return boolOpt(s.Strip) }},
	{"d", func(s *Spec) (string, bool) { return itoaOpt(s.DPI) }},
	{"t", func(s *Spec) (string, bool) {
		if s.Tile == nil {
			return "", false
		}
		return s.Tile.wire(), true
	}},
}

func itoaOpt(p *int) (string, bool) {
	if p == nil {
		return "", false
	}
	return strconv.Itoa(*p), true
}

func strOpt(p *string) (string, bool) {
	if p == nil {
		return "", false
	}
	return *p, true
}

func boolOpt(p *bool) (string, bool) {
	if p == nil {
		return "", false
	}
	if *p {
		return "1", true
	}
	return "0", true
}

func floatOpt(p *float64) (string, bool) {
	if p == nil {
		return "", false
	}
	return fmtFloat(*p), true
}

func (s *Spec) attrString() (string, error) {
	if s.SourceID <= 0 {
		return "", errors.Errorf("image %q has no source id; resolve it before fingerprinting", s.Source)
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(s.SourceID, 10))
	for _, f := range fingerprintFields {
		v, ok := f.get(s)
		if !ok {
			continue
		}
		b.WriteByte(',')
		b.WriteString(f.tag)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String(), nil
}

// Fingerprint returns the cache key for this derivative. The spec must
// be normalised and carry a resolved SourceID; the result is a
// deterministic ASCII string of at most MaxKeyLength bytes.
func (s *Spec) Fingerprint() (string, error) {
	attrs, err := s.attrString()
	if err != nil {
		return "", err
	}
	key := fpPrefix + attrs
	if len(key) > MaxKeyLength {
		// long overlay/profile names can push past the limit; collapse
		// the attribute list to a hash while keeping the source id
		// searchable in the prefix
		h := fnv.New64a()
		h.Write([]byte(attrs))
		key = fpPrefix + strconv.FormatInt(s.SourceID, 10) + ",#" + strconv.FormatUint(h.Sum64(), 36)
	}
	return key, nil
}

// MetadataFingerprint returns the key of the small metadata record
// stored alongside the derivative bytes (modification time for ETag
// handling). It differs from Fingerprint only in namespace.
func (s *Spec) MetadataFingerprint() (string, error) {
	fp, err := s.Fingerprint()
	if err != nil {
		return "", err
	}
	return metaPrefix + strings.TrimPrefix(fp, fpPrefix), nil
}

// AttrHash groups derivatives that could substitute for one another at
// the cache-index level: same output format, same fill and same tile
// mode. It is one of the indexed integer search fields, so the base
// image query can pre-filter candidates server-side.
func (s *Spec) AttrHash() int64 {
	var b strings.Builder
	b.WriteString(s.EffectiveFormat())
	b.WriteByte('|')
	if s.Fill != nil {
		b.WriteString(*s.Fill)
	}
	b.WriteByte('|')
	if s.Tile != nil {
		b.WriteByte('t')
	}
	h := fnv.New32a()
	h.Write([]byte(b.String()))
	return int64(h.Sum32() & 0x7fffffff)
}
