package datastore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// memSchema lays out the reference store. Paths get their own unique
// index so resolution is a point lookup, and images carry a path prefix
// index for subtree listings.
var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"image": {
			Name: "image",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"path": {
					Name:    "path",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Path"},
				},
				"folder": {
					Name:    "folder",
					Indexer: &memdb.IntFieldIndex{Field: "FolderID"},
				},
			},
		},
		"folder": {
			Name: "folder",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"path": {
					Name:    "path",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Path"},
				},
				"parent": {
					Name:    "parent",
					Indexer: &memdb.IntFieldIndex{Field: "ParentID"},
				},
			},
		},
		"permission": {
			Name: "permission",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"grant": {
					Name:   "grant",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.IntFieldIndex{Field: "FolderID"},
							&memdb.IntFieldIndex{Field: "GroupID"},
						},
					},
				},
				"group": {
					Name:    "group",
					Indexer: &memdb.IntFieldIndex{Field: "GroupID"},
				},
			},
		},
		"group": {
			Name: "group",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"name": {
					Name:    "name",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name", Lowercase: true},
				},
			},
		},
		"user": {
			Name: "user",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"name": {
					Name:    "name",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Username", Lowercase: true},
				},
			},
		},
		"property": {
			Name: "property",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}

// MemStore is the in-memory Store built on go-memdb. It backs tests
// and single-node deployments; everything is lost on restart except
// what the image repository itself holds on disk, which is the system
// of record for image bytes anyway.
type MemStore struct {
	db *memdb.MemDB

	nextImageID      atomic.Int64
	nextFolderID     atomic.Int64
	nextPermissionID atomic.Int64
	nextGroupID      atomic.Int64
	nextUserID       atomic.Int64

	statsMu sync.Mutex
	stats   []ImageStats
}

// NewMemStore builds an empty store seeded with the root folder and
// the default property rows.
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, errors.Wrap(err, "building datastore schema")
	}
	s := &MemStore{db: db}

	txn := db.Txn(true)
	root := &Folder{ID: 1, Path: "", ParentID: 0}
	if err := txn.Insert("folder", root); err != nil {
		txn.Abort()
		return nil, err
	}
	if err := txn.Insert("group", &Group{ID: PublicGroupID, Name: "public"}); err != nil {
		txn.Abort()
		return nil, err
	}
	for _, p := range []*Property{
		{Key: PropPermissionsVersion, Value: "1"},
		{Key: PropDatabaseVersion, Value: "1"},
	} {
		if err := txn.Insert("property", p); err != nil {
			txn.Abort()
			return nil, err
		}
	}
	txn.Commit()
	s.nextFolderID.Store(1)
	s.nextGroupID.Store(PublicGroupID)
	return s, nil
}

func (s *MemStore) ImageByPath(_ context.Context, path string) (*Image, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("image", "path", path)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	img := raw.(*Image)
	cp := *img
	return &cp, nil
}

func (s *MemStore) ImageByID(_ context.Context, id int64) (*Image, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("image", "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errdefs.NotFound(errors.Errorf("no image with id %d", id))
	}
	img := raw.(*Image)
	cp := *img
	return &cp, nil
}

func (s *MemStore) CreateImage(_ context.Context, path string, folderID int64) (*Image, error) {
	if path == "" {
		return nil, errdefs.InvalidParameter(errors.New("image path cannot be empty"))
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First("image", "path", path); err != nil {
		return nil, err
	} else if raw != nil {
		return nil, errdefs.Conflict(errors.Errorf("image %q already registered", path))
	}
	img := &Image{ID: s.nextImageID.Add(1), Path: path, FolderID: folderID}
	if err := txn.Insert("image", img); err != nil {
		return nil, err
	}
	txn.Commit()
	cp := *img
	return &cp, nil
}

func (s *MemStore) SetImageDeleted(_ context.Context, id int64, deleted bool) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("image", "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return errdefs.NotFound(errors.Errorf("no image with id %d", id))
	}
	img := *raw.(*Image)
	img.Deleted = deleted
	if err := txn.Insert("image", &img); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) RenameImage(_ context.Context, id int64, newPath string) error {
	if newPath == "" {
		return errdefs.InvalidParameter(errors.New("image path cannot be empty"))
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("image", "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return errdefs.NotFound(errors.Errorf("no image with id %d", id))
	}
	if existing, err := txn.First("image", "path", newPath); err != nil {
		return err
	} else if existing != nil && existing.(*Image).ID != id {
		return errdefs.Conflict(errors.Errorf("image %q already registered", newPath))
	}
	img := *raw.(*Image)
	img.Path = newPath
	if err := txn.Insert("image", &img); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ImagesUnder(_ context.Context, folderPath string) ([]*Image, error) {
	prefix := folderPath
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	txn := s.db.Txn(false)
	it, err := txn.Get("image", "path_prefix", prefix)
	if err != nil {
		return nil, err
	}
	var out []*Image
	for raw := it.Next(); raw != nil; raw = it.Next() {
		img := raw.(*Image)
		if img.Deleted {
			continue
		}
		cp := *img
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) FolderByPath(_ context.Context, path string) (*Folder, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("folder", "path", path)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	f := raw.(*Folder)
	cp := *f
	return &cp, nil
}

func (s *MemStore) FolderByID(_ context.Context, id int64) (*Folder, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("folder", "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errdefs.NotFound(errors.Errorf("no folder with id %d", id))
	}
	f := raw.(*Folder)
	cp := *f
	return &cp, nil
}

func (s *MemStore) CreateFolder(_ context.Context, path string) (*Folder, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	leaf, err := s.ensureFolder(txn, path)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	cp := *leaf
	return &cp, nil
}

// ensureFolder creates path and its missing ancestors inside txn,
// returning the leaf record.
func (s *MemStore) ensureFolder(txn *memdb.Txn, path string) (*Folder, error) {
	if path == "" {
		raw, err := txn.First("folder", "path", "")
		if err != nil {
			return nil, err
		}
		return raw.(*Folder), nil
	}
	parentPath := ""
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		parentPath = path[:i]
	}
	parent, err := s.ensureFolder(txn, parentPath)
	if err != nil {
		return nil, err
	}
	raw, err := txn.First("folder", "path", path)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		f := raw.(*Folder)
		if f.Deleted {
			undeleted := *f
			undeleted.Deleted = false
			if err := txn.Insert("folder", &undeleted); err != nil {
				return nil, err
			}
			return &undeleted, nil
		}
		return f, nil
	}
	f := &Folder{ID: s.nextFolderID.Add(1), Path: path, ParentID: parent.ID}
	if err := txn.Insert("folder", f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *MemStore) Children(_ context.Context, parentID int64) ([]*Folder, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get("folder", "parent", parentID)
	if err != nil {
		return nil, err
	}
	var out []*Folder
	for raw := it.Next(); raw != nil; raw = it.Next() {
		f := raw.(*Folder)
		if f.Deleted || f.ID == parentID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) SetFolderDeleted(_ context.Context, id int64, deleted bool) error {
	if id == 1 && deleted {
		return errdefs.InvalidParameter(errors.New("the root folder cannot be deleted"))
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("folder", "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return errdefs.NotFound(errors.Errorf("no folder with id %d", id))
	}
	f := *raw.(*Folder)
	f.Deleted = deleted
	if err := txn.Insert("folder", &f); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) PermissionsForGroup(_ context.Context, groupID int64) ([]*FolderPermission, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get("permission", "group", groupID)
	if err != nil {
		return nil, err
	}
	var out []*FolderPermission
	for raw := it.Next(); raw != nil; raw = it.Next() {
		p := raw.(*FolderPermission)
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) SetFolderPermission(_ context.Context, folderID, groupID int64, access int) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	perm := &FolderPermission{FolderID: folderID, GroupID: groupID, Access: access}
	raw, err := txn.First("permission", "grant", folderID, groupID)
	if err != nil {
		return err
	}
	if raw != nil {
		perm.ID = raw.(*FolderPermission).ID
	} else {
		perm.ID = s.nextPermissionID.Add(1)
	}
	if err := txn.Insert("permission", perm); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) GroupByID(_ context.Context, id int64) (*Group, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("group", "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errdefs.NotFound(errors.Errorf("no group with id %d", id))
	}
	g := raw.(*Group)
	cp := *g
	cp.SystemFlags = append([]string(nil), g.SystemFlags...)
	return &cp, nil
}

// CreateGroup registers a named group; tests and seeding use it.
func (s *MemStore) CreateGroup(_ context.Context, name string, systemFlags ...string) (*Group, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First("group", "name", name); err != nil {
		return nil, err
	} else if raw != nil {
		return nil, errdefs.Conflict(errors.Errorf("group %q already exists", name))
	}
	g := &Group{ID: s.nextGroupID.Add(1), Name: name, SystemFlags: append([]string(nil), systemFlags...)}
	if err := txn.Insert("group", g); err != nil {
		return nil, err
	}
	txn.Commit()
	cp := *g
	return &cp, nil
}

func (s *MemStore) UserByName(_ context.Context, username string) (*User, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("user", "name", username)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errdefs.NotFound(errors.Errorf("no user %q", username))
	}
	u := raw.(*User)
	cp := *u
	cp.GroupIDs = append([]int64(nil), u.GroupIDs...)
	return &cp, nil
}

// CreateUser registers an account; it exists for tests and seeding,
// account management proper is out of the daemon's hands.
func (s *MemStore) CreateUser(_ context.Context, username string, groupIDs ...int64) (*User, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First("user", "name", username); err != nil {
		return nil, err
	} else if raw != nil {
		return nil, errdefs.Conflict(errors.Errorf("user %q already exists", username))
	}
	u := &User{ID: s.nextUserID.Add(1), Username: username, GroupIDs: append([]int64(nil), groupIDs...)}
	if err := txn.Insert("user", u); err != nil {
		return nil, err
	}
	txn.Commit()
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetProperty(_ context.Context, key string) (string, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("property", "id", key)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", errdefs.NotFound(errors.Errorf("no property %q", key))
	}
	return raw.(*Property).Value, nil
}

func (s *MemStore) SetProperty(_ context.Context, key, value string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("property", &Property{Key: key, Value: value}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) IncrementProperty(_ context.Context, key string) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var n int64
	raw, err := txn.First("property", "id", key)
	if err != nil {
		return 0, err
	}
	if raw != nil {
		n, err = strconv.ParseInt(raw.(*Property).Value, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "property %q is not numeric", key)
		}
	}
	n++
	if err := txn.Insert("property", &Property{Key: key, Value: strconv.FormatInt(n, 10)}); err != nil {
		return 0, err
	}
	txn.Commit()
	return n, nil
}

func (s *MemStore) AppendImageStats(_ context.Context, rows []ImageStats) error {
	s.statsMu.Lock()
	s.stats = append(s.stats, rows...)
	s.statsMu.Unlock()
	return nil
}

// ImageStatsRows snapshots the appended statistics; tests use it.
func (s *MemStore) ImageStatsRows() []ImageStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return append([]ImageStats(nil), s.stats...)
}

var _ Store = (*MemStore)(nil)
