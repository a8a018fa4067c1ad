package images

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/imgd/imgd/daemon/blobstore"
	"github.com/imgd/imgd/daemon/imagespec"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/errdefs"
)

// Task function names.
const (
	FuncBuildPyramid = "build_pyramid"
	FuncMoveFolder   = "move_folder"
	FuncDeleteFolder = "delete_folder"
	FuncBurstPDF     = "burst_pdf"
	FuncCleanupTemp  = "cleanup_temp"
)

// PyramidParams drives a background pyramid build.
type PyramidParams struct {
	SourceID int64  `json:"source_id"`
	Source   string `json:"source"`
	Format   string `json:"format"`
}

// MoveFolderParams relocates a folder subtree on disk and in the
// catalogue.
type MoveFolderParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DeleteFolderParams removes a folder subtree.
type DeleteFolderParams struct {
	Path string `json:"path"`
}

// BurstPDFParams renders a PDF's pages into sibling images.
type BurstPDFParams struct {
	Source string `json:"source"`
	DPI    int    `json:"dpi,omitempty"`
}

// RegisterTaskFunctions wires the manager's background work into a
// task registry. Call once at startup, before the task server runs.
func (m *Manager) RegisterTaskFunctions(reg *tasks.Registry) {
	reg.Register(FuncBuildPyramid, tasks.Function{
		NewParams: func() any { return &PyramidParams{} },
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p PyramidParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, errdefs.InvalidParameter(err)
			}
			return m.buildPyramid(ctx, p)
		},
	})
	reg.Register(FuncMoveFolder, tasks.Function{
		NewParams: func() any { return &MoveFolderParams{} },
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p MoveFolderParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, errdefs.InvalidParameter(err)
			}
			return m.moveFolder(ctx, p)
		},
	})
	reg.Register(FuncDeleteFolder, tasks.Function{
		NewParams: func() any { return &DeleteFolderParams{} },
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p DeleteFolderParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, errdefs.InvalidParameter(err)
			}
			return m.deleteFolder(ctx, p)
		},
	})
	reg.Register(FuncBurstPDF, tasks.Function{
		NewParams: func() any { return &BurstPDFParams{} },
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p BurstPDFParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, errdefs.InvalidParameter(err)
			}
			return m.burstPDF(ctx, p)
		},
	})
	reg.Register(FuncCleanupTemp, tasks.Function{
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return m.cleanupTemp(ctx)
		},
	})
}

// buildPyramid pre-computes progressively smaller derivatives of a
// large original, halving each step until the floor.
func (m *Manager) buildPyramid(ctx context.Context, p PyramidParams) (any, error) {
	src := blobstore.Normalise(p.Source)
	original, err := m.blobs.Read(src)
	if err != nil {
		if errdefs.IsNotFound(err) {
			m.healNotFound(ctx, src, p.SourceID)
		}
		return nil, err
	}
	w, h, err := m.codec.Dimensions(original, specExt(src))
	if err != nil {
		return nil, err
	}

	floor := m.cfg.PyramidFloorPixels
	if floor <= 0 {
		floor = 512
	}
	var widths []int
	for w, h = w/2, h/2; w >= floor && h >= floor; w, h = w/2, h/2 {
		widths = append(widths, w)
	}

	// every level derives from the original, so they can be built in
	// parallel; two at a time keeps the codec's memory use bounded
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	var levels atomic.Int32
	for _, width := range widths {
		g.Go(func() error {
			spec := &imagespec.Spec{Source: src, SourceID: p.SourceID}
			spec.Width = &width
			if p.Format != "" {
				f := p.Format
				spec.Format = &f
			}
			spec.ApplyDefaults(m.defaults)
			spec.Normalise()
			fp, err := spec.Fingerprint()
			if err != nil {
				return err
			}
			if _, ok := m.cache.Get(fp); ok {
				return nil
			}
			b, err := m.adjust(gctx, spec, nil, original)
			if err != nil {
				return err
			}
			if err := m.cache.Put(fp, b, m.searchFields(spec), 0); err != nil {
				log.G(gctx).WithError(err).WithField("key", fp).Warn("cannot cache pyramid level")
				return nil
			}
			levels.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string]int{"levels": int(levels.Load())}, nil
}

// moveFolder renames the directory on disk, repoints every catalogue
// record underneath it and invalidates their derivatives.
func (m *Manager) moveFolder(ctx context.Context, p MoveFolderParams) (any, error) {
	from := blobstore.Normalise(p.From)
	to := blobstore.Normalise(p.To)
	if from == "" || to == "" {
		return nil, errdefs.InvalidParameter(errors.New("both from and to folder paths are required"))
	}
	if from == to || strings.HasPrefix(to+"/", from+"/") {
		return nil, errdefs.InvalidParameter(errors.Errorf("cannot move folder %q into %q", from, to))
	}

	folder, err := m.store.FolderByPath(ctx, from)
	if err != nil {
		return nil, err
	}
	if folder == nil || folder.Deleted {
		return nil, errdefs.NotFound(errors.Errorf("folder %q does not exist", from))
	}

	if err := m.blobs.Rename(from, to); err != nil {
		return nil, err
	}
	if _, err := m.store.CreateFolder(ctx, to); err != nil {
		return nil, err
	}

	imgs, err := m.store.ImagesUnder(ctx, from)
	if err != nil {
		return nil, err
	}
	moved := 0
	for _, img := range imgs {
		newPath := to + strings.TrimPrefix(img.Path, from)
		if err := m.store.RenameImage(ctx, img.ID, newPath); err != nil {
			log.G(ctx).WithError(err).WithField("image", img.Path).Warn("cannot repoint image record")
			continue
		}
		m.Invalidate(ctx, img.Path, img.ID)
		moved++
	}
	if err := m.store.SetFolderDeleted(ctx, folder.ID, true); err != nil {
		log.G(ctx).WithError(err).WithField("folder", from).Warn("cannot retire old folder record")
	}
	return map[string]any{"moved": moved, "path": to}, nil
}

// deleteFolder flags the subtree deleted, invalidates its derivatives
// and removes the files.
func (m *Manager) deleteFolder(ctx context.Context, p DeleteFolderParams) (any, error) {
	path := blobstore.Normalise(p.Path)
	if path == "" {
		return nil, errdefs.InvalidParameter(errors.New("the root folder cannot be deleted"))
	}
	folder, err := m.store.FolderByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if folder == nil || folder.Deleted {
		return nil, errdefs.NotFound(errors.Errorf("folder %q does not exist", path))
	}

	imgs, err := m.store.ImagesUnder(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		if err := m.store.SetImageDeleted(ctx, img.ID, true); err != nil {
			log.G(ctx).WithError(err).WithField("image", img.Path).Warn("cannot flag image deleted")
		}
		m.Invalidate(ctx, img.Path, img.ID)
	}
	if err := m.blobs.Delete(path, true); err != nil && !errdefs.IsNotFound(err) {
		return nil, err
	}
	if err := m.store.SetFolderDeleted(ctx, folder.ID, true); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": len(imgs)}, nil
}

// burstPDF renders the pages of a PDF next to it as
// <name>_pages/page-<n>.png. Refused when the back end cannot do it.
func (m *Manager) burstPDF(ctx context.Context, p BurstPDFParams) (any, error) {
	if !m.caps["burst_pdf"] {
		return nil, errdefs.InvalidParameter(errors.New("pdf bursting is not supported by the imaging back end"))
	}
	src := blobstore.Normalise(p.Source)
	b, err := m.blobs.Read(src)
	if err != nil {
		return nil, err
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = m.cfg.PDFBurstDPI
	}
	destRel := strings.TrimSuffix(src, pathExt(src)) + "_pages"
	destAbs, err := m.blobs.Mkdir(destRel)
	if err != nil && !errdefs.IsConflict(err) {
		return nil, err
	}
	if destAbs == "" {
		destAbs = filepath.Join(m.blobs.Root(), filepath.FromSlash(destRel))
	}
	if err := m.codec.BurstPDF(ctx, b, destAbs, dpi); err != nil {
		return nil, err
	}
	return map[string]string{"pages": destRel}, nil
}

// cleanupTemp removes stale scratch files this daemon left in the
// temp directory.
func (m *Manager) cleanupTemp(ctx context.Context) (any, error) {
	dir := m.cfg.TempDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{"removed": 0}, nil
		}
		return nil, err
	}
	cutoff := m.now().Add(-24 * time.Hour)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "imgd-") {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.G(ctx).WithError(err).WithField("file", e.Name()).Debug("cannot remove temp file")
			continue
		}
		removed++
	}
	return map[string]int{"removed": removed}, nil
}

func specExt(src string) string {
	s := imagespec.Spec{Source: src}
	return s.SourceExt()
}
