package images

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/errdefs"
)

func TestRegisterTaskFunctions(t *testing.T) {
	e := newTestEnv(t)
	reg := tasks.NewRegistry()
	e.m.RegisterTaskFunctions(reg)

	for _, name := range []string{FuncBuildPyramid, FuncMoveFolder, FuncDeleteFolder, FuncBurstPDF, FuncCleanupTemp} {
		_, ok := reg.Lookup(name)
		assert.Check(t, ok, name)
	}

	// parameter canonicalisation rejects fields the function never defined
	_, err := reg.CanonicalParams(FuncMoveFolder, json.RawMessage(`{"from":"a","to":"b","bogus":1}`))
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestBuildPyramidLevels(t *testing.T) {
	e := newTestEnv(t)
	e.writePNG(t, "big.png", 128, 128)
	e.cfg.PyramidFloorPixels = 16
	ctx := context.Background()

	id, err := e.m.resolveSourceID(ctx, "big.png")
	assert.NilError(t, err)

	res, err := e.m.buildPyramid(ctx, PyramidParams{SourceID: id, Source: "big.png"})
	assert.NilError(t, err)
	// 64, 32 and 16 pixel levels; 8 is below the floor
	assert.Check(t, is.DeepEqual(res, map[string]int{"levels": 3}))

	// a second run finds every level cached
	res, err = e.m.buildPyramid(ctx, PyramidParams{SourceID: id, Source: "big.png"})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(res, map[string]int{"levels": 0}))
}

func TestBuildPyramidMissingSource(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.m.buildPyramid(context.Background(), PyramidParams{Source: "gone.png"})
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestMoveFolder(t *testing.T) {
	e := newTestEnv(t)
	e.writePNG(t, "albums/spring/1.png", 16, 16)
	e.writePNG(t, "albums/spring/2.png", 16, 16)
	ctx := context.Background()

	folder, err := e.store.CreateFolder(ctx, "albums/spring")
	assert.NilError(t, err)
	_, err = e.store.CreateImage(ctx, "albums/spring/1.png", folder.ID)
	assert.NilError(t, err)
	_, err = e.store.CreateImage(ctx, "albums/spring/2.png", folder.ID)
	assert.NilError(t, err)

	res, err := e.m.moveFolder(ctx, MoveFolderParams{From: "albums/spring", To: "albums/summer"})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(res, map[string]any{"moved": 2, "path": "albums/summer"}))

	// files moved on disk
	_, err = os.Stat(filepath.Join(e.root, "albums/summer/1.png"))
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(e.root, "albums/spring"))
	assert.Check(t, os.IsNotExist(err))

	// records repointed, old folder retired
	img, err := e.store.ImageByPath(ctx, "albums/summer/2.png")
	assert.NilError(t, err)
	assert.Assert(t, img != nil)
	old, err := e.store.FolderByPath(ctx, "albums/spring")
	assert.NilError(t, err)
	assert.Check(t, old.Deleted)
}

func TestMoveFolderIntoItself(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.m.moveFolder(context.Background(), MoveFolderParams{From: "a", To: "a/b"})
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestMoveFolderMissing(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.m.moveFolder(context.Background(), MoveFolderParams{From: "nope", To: "elsewhere"})
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestDeleteFolder(t *testing.T) {
	e := newTestEnv(t)
	e.writePNG(t, "trash/old.png", 16, 16)
	ctx := context.Background()

	folder, err := e.store.CreateFolder(ctx, "trash")
	assert.NilError(t, err)
	img, err := e.store.CreateImage(ctx, "trash/old.png", folder.ID)
	assert.NilError(t, err)

	res, err := e.m.deleteFolder(ctx, DeleteFolderParams{Path: "trash"})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(res, map[string]any{"deleted": 1}))

	_, err = os.Stat(filepath.Join(e.root, "trash"))
	assert.Check(t, os.IsNotExist(err))

	got, err := e.store.ImageByID(ctx, img.ID)
	assert.NilError(t, err)
	assert.Check(t, got.Deleted)
	gone, err := e.store.FolderByPath(ctx, "trash")
	assert.NilError(t, err)
	assert.Check(t, gone.Deleted)
}

func TestDeleteFolderRootRefused(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.m.deleteFolder(context.Background(), DeleteFolderParams{Path: "/"})
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestBurstPDFUnsupportedBackEnd(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.m.burstPDF(context.Background(), BurstPDFParams{Source: "doc.pdf"})
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestCleanupTemp(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	old := filepath.Join(e.cfg.TempDir, "imgd-stale")
	fresh := filepath.Join(e.cfg.TempDir, "imgd-fresh")
	other := filepath.Join(e.cfg.TempDir, "unrelated.txt")
	for _, p := range []string{old, fresh, other} {
		assert.NilError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	stale := time.Now().Add(-48 * time.Hour)
	assert.NilError(t, os.Chtimes(old, stale, stale))
	assert.NilError(t, os.Chtimes(other, stale, stale))

	res, err := e.m.cleanupTemp(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(res, map[string]int{"removed": 1}))

	_, err = os.Stat(old)
	assert.Check(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NilError(t, err)
	_, err = os.Stat(other)
	assert.NilError(t, err, "files this daemon did not create are left alone")
}
