package images

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/daemon/blobstore"
	"github.com/imgd/imgd/daemon/cache"
	"github.com/imgd/imgd/daemon/codec"
	"github.com/imgd/imgd/daemon/imagespec"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/errdefs"
)

// generate produces the derivative for an already-finalised spec. The
// caller holds the generation lock.
func (m *Manager) generate(ctx context.Context, spec *imagespec.Spec, fp string, store bool) ([]byte, error) {
	baseBytes, baseSpec, err := m.findBase(ctx, spec)
	if err != nil {
		return nil, err
	}

	if baseBytes == nil {
		original, err := m.blobs.Read(spec.Source)
		if err != nil {
			if errdefs.IsNotFound(err) {
				m.healNotFound(ctx, spec.Source, spec.SourceID)
			}
			return nil, err
		}
		baseBytes = original
		// reading the original for a tile is the signal that a pyramid
		// would help; schedule it before the tile base absorbs the cost
		m.maybeSchedulePyramid(ctx, spec, original)
		if spec.Tile != nil {
			// make sure the untiled derivative exists so sibling tiles
			// reuse it instead of each decoding the original
			if b, bs, ok := m.ensureTileBase(ctx, spec, original); ok {
				baseBytes, baseSpec = b, bs
			}
		}
	}

	out, err := m.adjust(ctx, spec, baseSpec, baseBytes)
	if err != nil {
		if errdefs.IsUnsupportedMedia(err) && store {
			// cache the failure so repeats fail fast
			sentinel := []byte(errorSentinel + err.Error())
			if perr := m.cache.Put(fp, sentinel, m.searchFields(spec), errorTTL); perr != nil {
				log.G(ctx).WithError(perr).Debug("cannot cache error sentinel")
			}
		}
		return nil, err
	}

	if store {
		if err := m.cache.Put(fp, out, m.searchFields(spec), 0); err != nil {
			log.G(ctx).WithError(err).WithField("key", fp).Warn("cannot cache derivative")
		}
	}
	return out, nil
}

// adjust runs the codec on the delta between base and target.
func (m *Manager) adjust(ctx context.Context, spec, baseSpec *imagespec.Spec, baseBytes []byte) ([]byte, error) {
	ops, err := m.buildOperations(spec, baseSpec)
	if err != nil {
		return nil, err
	}
	for _, k := range ops.Keys() {
		if !m.caps[k] {
			return nil, errdefs.InvalidParameter(errors.Errorf("operation %q is not supported by the imaging back end", k))
		}
	}
	hint := spec.SourceExt()
	if baseSpec != nil {
		hint = baseSpec.EffectiveFormat()
	}
	return m.codec.Adjust(ctx, baseBytes, hint, ops)
}

// findBase searches the cache index for a derivative this request can
// start from. Candidates come back tightest-first; the first one whose
// recorded spec passes the suitability rules and whose bytes are still
// cached wins.
func (m *Manager) findBase(ctx context.Context, spec *imagespec.Spec) ([]byte, *imagespec.Spec, error) {
	var minW, minH int64
	if spec.Width != nil {
		minW = int64(*spec.Width)
	}
	if spec.Height != nil {
		minH = int64(*spec.Height)
	}
	cands, err := m.cache.SearchBase(spec.SourceID, spec.AttrHash(), minW, minH)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range cands {
		if len(e.Metadata) == 0 {
			continue
		}
		var bs imagespec.Spec
		if err := json.Unmarshal(e.Metadata, &bs); err != nil {
			continue
		}
		if bs.SuitableFor(spec) != imagespec.Suitable {
			continue
		}
		b, ok := m.cache.Get(e.Key)
		if !ok || sentinelError(b) != nil {
			continue
		}
		log.G(ctx).WithFields(log.Fields{"base": e.Key, "size": e.ValueSize}).Debug("base image found")
		return b, &bs, nil
	}
	return nil, nil, nil
}

// ensureTileBase generates (or fetches) the untiled derivative a tile
// request cuts from. The marker keeps us from regenerating it
// synchronously over and over once it has evicted.
func (m *Manager) ensureTileBase(ctx context.Context, spec *imagespec.Spec, original []byte) ([]byte, *imagespec.Spec, bool) {
	untiled := spec.Clone()
	untiled.Tile = nil
	untiled.Normalise()
	ufp, err := untiled.Fingerprint()
	if err != nil {
		return nil, nil, false
	}
	if b, ok := m.cache.Get(ufp); ok && sentinelError(b) == nil {
		return b, untiled, true
	}
	if m.cache.HasMarker(tileBaseMarker + ufp) {
		// generated once already and since evicted; cut this tile from
		// the original instead of paying the synchronous cost again
		return nil, nil, false
	}
	// a cached pyramid level (or any untiled derivative) beats decoding
	// the original again
	from, fromSpec, err := m.findBase(ctx, untiled)
	if err != nil || from == nil {
		from, fromSpec = original, nil
	}
	b, err := m.adjust(ctx, untiled, fromSpec, from)
	if err != nil {
		log.G(ctx).WithError(err).Debug("tile base generation failed, cutting tile from original")
		return nil, nil, false
	}
	if err := m.cache.Put(ufp, b, m.searchFields(untiled), 0); err != nil {
		log.G(ctx).WithError(err).Debug("cannot cache tile base")
	}
	m.cache.SetMarker(tileBaseMarker+ufp, spec.SourceID, markerTTL)
	return b, untiled, true
}

// maybeSchedulePyramid queues a background pyramid build when a tile
// request had to fall back to the raw original. All gates must pass;
// the marker election makes sure only one request schedules it.
func (m *Manager) maybeSchedulePyramid(ctx context.Context, spec *imagespec.Spec, original []byte) {
	if !m.cfg.PyramidEnabled || m.tasks == nil {
		return
	}
	if spec.Tile == nil || spec.OverlaySrc != nil {
		return
	}
	w, h, err := m.codec.Dimensions(original, spec.SourceExt())
	if err != nil || int64(w)*int64(h) < m.cfg.PyramidMinPixels {
		return
	}
	if capacity := m.cache.Capacity(); capacity > 0 && int64(len(original)) >= capacity/20 {
		return
	}
	marker := fmt.Sprintf("%s%d:%s", pyramidMarker, spec.SourceID, spec.EffectiveFormat())
	if !m.cache.SetMarker(marker, spec.SourceID, markerTTL) {
		return
	}
	params, err := json.Marshal(PyramidParams{
		SourceID: spec.SourceID,
		Source:   spec.Source,
		Format:   spec.EffectiveFormat(),
	})
	if err != nil {
		return
	}
	_, err = m.tasks.Submit(ctx, "pyramid "+spec.Source, FuncBuildPyramid, params, tasks.PriorityLow, m.cfg.TaskKeepFor())
	if err != nil && !errdefs.IsConflict(err) {
		log.G(ctx).WithError(err).Warn("cannot schedule pyramid build")
		m.cache.ClearMarker(marker)
		return
	}
	log.G(ctx).WithFields(log.Fields{
		"source_id": spec.SourceID,
		"pixels":    int64(w) * int64(h),
	}).Info("pyramid build scheduled")
}

// searchFields builds the index record stored alongside a derivative.
func (m *Manager) searchFields(spec *imagespec.Spec) cache.SearchFields {
	f := cache.SearchFields{
		SourceID: spec.SourceID,
		AttrHash: spec.AttrHash(),
	}
	if spec.Width != nil {
		f.Width = int64(*spec.Width)
	}
	if spec.Height != nil {
		f.Height = int64(*spec.Height)
	}
	if b, err := json.Marshal(spec); err == nil {
		f.Metadata = b
	}
	return f
}

// buildOperations computes the work order for the codec: everything
// the target asks for that the base does not already carry. The
// suitability rules guarantee that whatever the base carries matches
// the target exactly, so skipping is safe.
func (m *Manager) buildOperations(spec, base *imagespec.Spec) (*codec.Operations, error) {
	ops := &codec.Operations{
		Format: spec.EffectiveFormat(),
	}
	if spec.Quality != nil {
		ops.Quality = *spec.Quality
	} else {
		ops.Quality = m.cfg.DefaultQuality
	}

	if spec.Flip != nil && (base == nil || base.Flip == nil) {
		ops.Flip = *spec.Flip
	}
	if spec.Rotation != nil && (base == nil || base.Rotation == nil) {
		ops.Rotation = *spec.Rotation
	}
	if spec.Crop != nil && (base == nil || base.Crop == nil) {
		c := *spec.Crop
		ops.Crop = &c
		if spec.CropFit != nil {
			ops.CropFit = *spec.CropFit
		}
	}

	// sizing: skip only when the base is already exactly the target
	targetW, targetH := 0, 0
	if spec.Width != nil {
		targetW = *spec.Width
	}
	if spec.Height != nil {
		targetH = *spec.Height
	}
	baseW, baseH := -1, -1
	if base != nil {
		baseW, baseH = 0, 0
		if base.Width != nil {
			baseW = *base.Width
		}
		if base.Height != nil {
			baseH = *base.Height
		}
	}
	if (targetW > 0 || targetH > 0) && !(targetW == baseW && targetH == baseH) {
		ops.Width = targetW
		ops.Height = targetH
		if spec.AlignH != nil {
			ops.AlignH = *spec.AlignH
		}
		if spec.AlignV != nil {
			ops.AlignV = *spec.AlignV
		}
		if spec.SizeFit != nil {
			ops.SizeFit = *spec.SizeFit
		}
	}

	if spec.Fill != nil {
		ops.Fill = *spec.Fill
	}
	if spec.Sharpen != nil {
		// never carried by a base: suitability rejects sharpened bases
		ops.Sharpen = *spec.Sharpen
	}
	if spec.Colorspace != nil && *spec.Colorspace != "rgb" && (base == nil || base.Colorspace == nil) {
		ops.Colorspace = *spec.Colorspace
	}
	if spec.Strip != nil && *spec.Strip && (base == nil || base.Strip == nil) {
		ops.Strip = true
	}
	if spec.Tile != nil && (base == nil || base.Tile == nil) {
		t := *spec.Tile
		ops.Tile = &t
	}

	if spec.OverlaySrc != nil && (base == nil || base.OverlaySrc == nil) {
		ob, err := m.blobs.Read(blobstore.Normalise(*spec.OverlaySrc))
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, errdefs.InvalidParameter(errors.Errorf("overlay image %q does not exist", *spec.OverlaySrc))
			}
			return nil, err
		}
		ops.Overlay = ob
		if spec.OverlayPos != nil {
			ops.OverlayPos = *spec.OverlayPos
		}
		if spec.OverlaySize != nil {
			ops.OverlaySize = *spec.OverlaySize
		}
		if spec.OverlayOpacity != nil {
			ops.OverlayOpacity = *spec.OverlayOpacity
		}
	}

	// capability-gated attributes degrade silently: they stay in the
	// fingerprint so the cache keys remain distinct, but the codec is
	// not asked to do what it cannot
	if m.caps[codec.OpPage] && spec.Page != nil && (base == nil || base.Page == nil) {
		ops.Page = *spec.Page
	}
	if m.caps[codec.OpDPI] && spec.DPI != nil && (base == nil || base.DPI == nil) {
		ops.DPI = *spec.DPI
	}
	if m.caps[codec.OpICC] && spec.ICCProfile != nil && (base == nil || base.ICCProfile == nil) {
		pb, ok := m.icc.Get(*spec.ICCProfile)
		if !ok {
			return nil, errdefs.InvalidParameter(errors.Errorf("ICC profile %q is not installed", *spec.ICCProfile))
		}
		ops.ICCProfile = pb
		if spec.ICCIntent != nil {
			ops.ICCIntent = *spec.ICCIntent
		}
		if spec.ICCBPC != nil {
			ops.ICCBPC = *spec.ICCBPC
		}
	}

	return ops, nil
}
