package image

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/api/server"
	"github.com/imgd/imgd/api/server/httputils"
	"github.com/imgd/imgd/daemon/imagespec"
	"github.com/imgd/imgd/daemon/images"
	"github.com/imgd/imgd/errdefs"
)

func (ir *imageRouter) getImage(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	spec, err := parseSpec(r)
	if err != nil {
		return err
	}
	req := &images.Request{
		Spec:         spec,
		IfNoneMatch:  r.Header.Get("If-None-Match"),
		DisableCache: !httputils.BoolValueOrDefault(r, "cache", true),
		Recache:      httputils.BoolValue(r, "recache"),
		Attach:       httputils.BoolValue(r, "attach"),
		SkipStats:    !httputils.BoolValueOrDefault(r, "stats", true),
	}
	if xref := r.FormValue("xref"); xref != "" {
		log.G(r.Context()).WithField("xref", xref).Debug("external reference")
	}
	out, err := ir.backend.Serve(r.Context(), req, server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return writeImage(w, out)
}

func (ir *imageRouter) getOriginal(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	out, err := ir.backend.ServeOriginal(r.Context(), r.FormValue("src"), server.UserFromContext(r.Context()), httputils.BoolValue(r, "attach"))
	if err != nil {
		return err
	}
	return writeImage(w, out)
}

// writeImage emits the derivative with its caching headers. X-From-Cache
// is always present so operators can watch hit rates from access logs.
func writeImage(w http.ResponseWriter, out *images.ServedImage) error {
	h := w.Header()
	h.Set("X-From-Cache", strconv.FormatBool(out.FromCache))
	if out.ETag != "" {
		h.Set("ETag", out.ETag)
	}
	if !out.LastModified.IsZero() {
		h.Set("Last-Modified", out.LastModified.UTC().Format(http.TimeFormat))
	}
	if out.ExpirySecs > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", out.ExpirySecs))
		h.Set("Expires", time.Now().Add(time.Duration(out.ExpirySecs)*time.Second).UTC().Format(http.TimeFormat))
	} else {
		h.Set("Cache-Control", "no-cache")
	}
	if out.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	h.Set("Content-Type", out.MimeType)
	if out.Attachment {
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	}
	h.Set("Content-Length", strconv.Itoa(len(out.Bytes)))
	_, err := w.Write(out.Bytes)
	return err
}

// parseSpec maps the documented query parameters onto an ImageSpec.
// Absent parameters stay nil; malformed values are client errors.
func parseSpec(r *http.Request) (*imagespec.Spec, error) {
	s := &imagespec.Spec{Source: r.FormValue("src")}

	var err error
	if s.Page, err = intParam(r, "page"); err != nil {
		return nil, err
	}
	s.Format = strParam(r, "format")
	s.Template = strParam(r, "tmp")
	if s.Width, err = intParam(r, "width"); err != nil {
		return nil, err
	}
	if s.Height, err = intParam(r, "height"); err != nil {
		return nil, err
	}
	s.AlignH = strParam(r, "halign")
	s.AlignV = strParam(r, "valign")
	if s.Rotation, err = floatParam(r, "angle"); err != nil {
		return nil, err
	}
	s.Flip = strParam(r, "flip")

	crop, err := imagespec.ParseCrop(r.FormValue("top"), r.FormValue("left"), r.FormValue("bottom"), r.FormValue("right"))
	if err != nil {
		return nil, err
	}
	s.Crop = crop
	if s.CropFit, err = boolParam(r, "autocropfit"); err != nil {
		return nil, err
	}
	if s.SizeFit, err = boolParam(r, "autosizefit"); err != nil {
		return nil, err
	}

	s.Fill = strParam(r, "fill")
	if s.Quality, err = intParam(r, "quality"); err != nil {
		return nil, err
	}
	if s.Sharpen, err = intParam(r, "sharpen"); err != nil {
		return nil, err
	}

	s.OverlaySrc = strParam(r, "overlay")
	s.OverlayPos = strParam(r, "ovpos")
	if s.OverlaySize, err = floatParam(r, "ovsize"); err != nil {
		return nil, err
	}
	if s.OverlayOpacity, err = floatParam(r, "ovopacity"); err != nil {
		return nil, err
	}

	s.ICCProfile = strParam(r, "icc")
	s.ICCIntent = strParam(r, "intent")
	if s.ICCBPC, err = boolParam(r, "bpc"); err != nil {
		return nil, err
	}

	s.Colorspace = strParam(r, "colorspace")
	if s.Strip, err = boolParam(r, "strip"); err != nil {
		return nil, err
	}
	if s.DPI, err = intParam(r, "dpi"); err != nil {
		return nil, err
	}

	if v := r.FormValue("tile"); v != "" {
		t, err := imagespec.ParseTile(v)
		if err != nil {
			return nil, err
		}
		s.Tile = &t
	}
	return s, nil
}

func strParam(r *http.Request, k string) *string {
	v := r.FormValue(k)
	if v == "" {
		return nil
	}
	return &v
}

func intParam(r *http.Request, k string) (*int, error) {
	v := r.FormValue(k)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Errorf("parameter %s: %q is not a number", k, v))
	}
	return &n, nil
}

func floatParam(r *http.Request, k string) (*float64, error) {
	v := r.FormValue(k)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Errorf("parameter %s: %q is not a number", k, v))
	}
	return &f, nil
}

func boolParam(r *http.Request, k string) (*bool, error) {
	if _, ok := r.Form[k]; !ok {
		return nil, nil
	}
	b := httputils.BoolValue(r, k)
	return &b, nil
}
