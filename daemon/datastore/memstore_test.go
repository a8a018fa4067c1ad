package datastore

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imgd/imgd/errdefs"
)

func newStore(t *testing.T) *MemStore {
	t.Helper()
	s, err := NewMemStore()
	assert.NilError(t, err)
	return s
}

func TestCreateAndResolveImage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	f, err := s.CreateFolder(ctx, "products/2026")
	assert.NilError(t, err)

	img, err := s.CreateImage(ctx, "products/2026/chair.jpg", f.ID)
	assert.NilError(t, err)
	assert.Assert(t, img.ID > 0)

	got, err := s.ImageByPath(ctx, "products/2026/chair.jpg")
	assert.NilError(t, err)
	assert.Assert(t, got != nil)
	assert.Check(t, is.Equal(got.ID, img.ID))

	byID, err := s.ImageByID(ctx, img.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(byID.Path, "products/2026/chair.jpg"))

	// unknown path resolves to nil without error
	missing, err := s.ImageByPath(ctx, "nope.jpg")
	assert.NilError(t, err)
	assert.Check(t, missing == nil)

	_, err = s.ImageByID(ctx, 999)
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestCreateImageConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.CreateImage(ctx, "a.jpg", 1)
	assert.NilError(t, err)
	_, err = s.CreateImage(ctx, "a.jpg", 1)
	assert.Check(t, errdefs.IsConflict(err))

	_, err = s.CreateImage(ctx, "", 1)
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestDeletedFlagRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	img, err := s.CreateImage(ctx, "a.jpg", 1)
	assert.NilError(t, err)

	assert.NilError(t, s.SetImageDeleted(ctx, img.ID, true))
	got, err := s.ImageByID(ctx, img.ID)
	assert.NilError(t, err)
	assert.Check(t, got.Deleted)

	assert.NilError(t, s.SetImageDeleted(ctx, img.ID, false))
	got, err = s.ImageByID(ctx, img.ID)
	assert.NilError(t, err)
	assert.Check(t, !got.Deleted)
}

func TestRenameImageKeepsID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	img, err := s.CreateImage(ctx, "old/a.jpg", 1)
	assert.NilError(t, err)
	other, err := s.CreateImage(ctx, "old/b.jpg", 1)
	assert.NilError(t, err)

	assert.NilError(t, s.RenameImage(ctx, img.ID, "new/a.jpg"))
	got, err := s.ImageByID(ctx, img.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Path, "new/a.jpg"))

	// the old path no longer resolves
	missing, err := s.ImageByPath(ctx, "old/a.jpg")
	assert.NilError(t, err)
	assert.Check(t, missing == nil)

	// renaming onto an existing path is a conflict
	err = s.RenameImage(ctx, other.ID, "new/a.jpg")
	assert.Check(t, errdefs.IsConflict(err))
}

func TestImagesUnder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	folder, err := s.CreateFolder(ctx, "shop")
	assert.NilError(t, err)
	sub, err := s.CreateFolder(ctx, "shop/sale")
	assert.NilError(t, err)

	_, err = s.CreateImage(ctx, "shop/a.jpg", folder.ID)
	assert.NilError(t, err)
	_, err = s.CreateImage(ctx, "shop/sale/b.jpg", sub.ID)
	assert.NilError(t, err)
	// "shopping/" shares the prefix bytes but not the folder
	_, err = s.CreateImage(ctx, "shopping/c.jpg", 1)
	assert.NilError(t, err)
	deleted, err := s.CreateImage(ctx, "shop/d.jpg", folder.ID)
	assert.NilError(t, err)
	assert.NilError(t, s.SetImageDeleted(ctx, deleted.ID, true))

	imgs, err := s.ImagesUnder(ctx, "shop")
	assert.NilError(t, err)
	assert.Check(t, is.Len(imgs, 2))
	for _, img := range imgs {
		assert.Check(t, img.Path == "shop/a.jpg" || img.Path == "shop/sale/b.jpg", img.Path)
	}
}

func TestCreateFolderBuildsAncestors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	leaf, err := s.CreateFolder(ctx, "a/b/c")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(leaf.Path, "a/b/c"))

	b, err := s.FolderByPath(ctx, "a/b")
	assert.NilError(t, err)
	assert.Assert(t, b != nil)
	assert.Check(t, is.Equal(leaf.ParentID, b.ID))

	a, err := s.FolderByPath(ctx, "a")
	assert.NilError(t, err)
	assert.Assert(t, a != nil)
	assert.Check(t, is.Equal(b.ParentID, a.ID))
	assert.Check(t, is.Equal(a.ParentID, int64(1)), "top level folders hang off the root")

	// creating again is idempotent
	again, err := s.CreateFolder(ctx, "a/b/c")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(again.ID, leaf.ID))

	kids, err := s.Children(ctx, a.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(kids, 1))
}

func TestCreateFolderRevivesDeleted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	f, err := s.CreateFolder(ctx, "trash")
	assert.NilError(t, err)
	assert.NilError(t, s.SetFolderDeleted(ctx, f.ID, true))

	revived, err := s.CreateFolder(ctx, "trash")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(revived.ID, f.ID))
	assert.Check(t, !revived.Deleted)
}

func TestRootFolderProtected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	root, err := s.FolderByPath(ctx, "")
	assert.NilError(t, err)
	assert.Assert(t, root != nil)
	assert.Check(t, is.Equal(root.ID, int64(1)))

	err = s.SetFolderDeleted(ctx, root.ID, true)
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	f, err := s.CreateFolder(ctx, "private")
	assert.NilError(t, err)

	assert.NilError(t, s.SetFolderPermission(ctx, f.ID, PublicGroupID, 0))
	assert.NilError(t, s.SetFolderPermission(ctx, f.ID, 2, 5))

	perms, err := s.PermissionsForGroup(ctx, PublicGroupID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(perms, 1))
	assert.Check(t, is.Equal(perms[0].Access, 0))

	// updating an existing grant replaces it
	assert.NilError(t, s.SetFolderPermission(ctx, f.ID, PublicGroupID, 2))
	perms, err = s.PermissionsForGroup(ctx, PublicGroupID)
	assert.NilError(t, err)
	assert.Check(t, is.Len(perms, 1))
	assert.Check(t, is.Equal(perms[0].Access, 2))
}

func TestGroups(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	pub, err := s.GroupByID(ctx, PublicGroupID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(pub.Name, "public"))

	admins, err := s.CreateGroup(ctx, "admins", "admin_files", "admin_users")
	assert.NilError(t, err)
	assert.Assert(t, admins.ID > PublicGroupID)

	got, err := s.GroupByID(ctx, admins.ID)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(got.SystemFlags, []string{"admin_files", "admin_users"}))

	_, err = s.CreateGroup(ctx, "Admins")
	assert.Check(t, errdefs.IsConflict(err))

	_, err = s.GroupByID(ctx, 999)
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	u, err := s.CreateUser(ctx, "Alice", PublicGroupID, 7)
	assert.NilError(t, err)

	got, err := s.UserByName(ctx, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.ID, u.ID))
	assert.Check(t, is.DeepEqual(got.GroupIDs, []int64{PublicGroupID, 7}))

	_, err = s.CreateUser(ctx, "alice")
	assert.Check(t, errdefs.IsConflict(err))

	_, err = s.UserByName(ctx, "bob")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestProperties(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	v, err := s.GetProperty(ctx, PropPermissionsVersion)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(v, "1"))

	n, err := s.IncrementProperty(ctx, PropPermissionsVersion)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, int64(2)))

	// incrementing a missing key starts it at 1
	n, err = s.IncrementProperty(ctx, "brand_new")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, int64(1)))

	assert.NilError(t, s.SetProperty(ctx, "greeting", "hello"))
	v, err = s.GetProperty(ctx, "greeting")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(v, "hello"))

	_, err = s.GetProperty(ctx, "missing")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestAppendImageStats(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	assert.NilError(t, s.AppendImageStats(ctx, []ImageStats{
		{ImageID: 1, Requests: 1, Views: 1, Bytes: 2048},
		{ImageID: 2, Requests: 1, Downloads: 1},
	}))
	rows := s.ImageStatsRows()
	assert.Check(t, is.Len(rows, 2))
	assert.Check(t, is.Equal(rows[0].Bytes, int64(2048)))
}
