// Package datastore defines the narrow contracts the daemon has with
// its relational store, together with the record types that cross
// them. The daemon core never issues SQL: it resolves images and
// folders, reads and bumps named properties, loads permission records
// and appends statistics through these interfaces only.
//
// An in-memory reference implementation backed by go-memdb lives in
// this package; it serves tests and single-node deployments.
package datastore

import "context"

// Image is one row of the image catalogue. ID is the source_id used in
// cache fingerprints.
type Image struct {
	ID       int64
	Path     string // normalised repository path
	FolderID int64
	Deleted  bool
}

// Folder records hold parent links only; children are found by query.
// Modelling the tree as an arena keyed by ID avoids owned child
// pointers and the cycles they invite.
type Folder struct {
	ID       int64
	Path     string // normalised, "" is the root
	ParentID int64  // 0 for the root
	Deleted  bool
}

// Group is a named set of users. Group 1 is always "public": the
// implicit group of unauthenticated requests. SystemFlags grant
// server-wide abilities (administration surfaces) independent of any
// folder.
type Group struct {
	ID          int64
	Name        string
	SystemFlags []string
}

// PublicGroupID is the well-known ID of the public group.
const PublicGroupID int64 = 1

// User is a minimal account record; authentication lives outside the
// core.
type User struct {
	ID       int64
	Username string
	GroupIDs []int64
}

// FolderPermission grants one group an access level at one folder.
// Descendant folders inherit the nearest ancestor's grant.
type FolderPermission struct {
	ID       int64
	FolderID int64
	GroupID  int64
	Access   int
}

// Property is a named string value; version counters for permissions
// and templates live here.
type Property struct {
	Key   string
	Value string
}

// Well-known property keys.
const (
	PropPermissionsVersion = "permissions_version"
	PropDatabaseVersion    = "database_version"
)

// ImageStats is one appended statistics row.
type ImageStats struct {
	ImageID   int64
	Requests  int64
	Views     int64
	Downloads int64
	Bytes     int64
	Seconds   float64
	FromCache int64
}

// ImageStore resolves and mutates the image catalogue.
type ImageStore interface {
	// ImageByPath returns the record for a normalised path, or nil.
	ImageByPath(ctx context.Context, path string) (*Image, error)
	ImageByID(ctx context.Context, id int64) (*Image, error)
	// CreateImage registers a path on first sight and returns the new
	// record. Creating an existing path is a conflict.
	CreateImage(ctx context.Context, path string, folderID int64) (*Image, error)
	SetImageDeleted(ctx context.Context, id int64, deleted bool) error
	// RenameImage moves a record to a new path, keeping its ID.
	RenameImage(ctx context.Context, id int64, newPath string) error
	// ImagesUnder lists the non-deleted images in the folder subtree.
	ImagesUnder(ctx context.Context, folderPath string) ([]*Image, error)
}

// FolderStore resolves and mutates the folder tree.
type FolderStore interface {
	FolderByPath(ctx context.Context, path string) (*Folder, error)
	FolderByID(ctx context.Context, id int64) (*Folder, error)
	// CreateFolder creates the folder and any missing ancestors,
	// returning the leaf.
	CreateFolder(ctx context.Context, path string) (*Folder, error)
	Children(ctx context.Context, parentID int64) ([]*Folder, error)
	SetFolderDeleted(ctx context.Context, id int64, deleted bool) error
}

// PermissionStore loads the records the permission engine evaluates.
type PermissionStore interface {
	PermissionsForGroup(ctx context.Context, groupID int64) ([]*FolderPermission, error)
	SetFolderPermission(ctx context.Context, folderID, groupID int64, access int) error
	GroupByID(ctx context.Context, id int64) (*Group, error)
	UserByName(ctx context.Context, username string) (*User, error)
}

// PropertyStore reads and writes named properties. Increment is the
// primitive behind the permission version counter.
type PropertyStore interface {
	GetProperty(ctx context.Context, key string) (string, error)
	SetProperty(ctx context.Context, key, value string) error
	IncrementProperty(ctx context.Context, key string) (int64, error)
}

// StatsStore appends statistics rows. Implementations may batch; rows
// may be lost on crash, by contract.
type StatsStore interface {
	AppendImageStats(ctx context.Context, rows []ImageStats) error
}

// Store is the full contract bundle the daemon wires at startup.
type Store interface {
	ImageStore
	FolderStore
	PermissionStore
	PropertyStore
	StatsStore
}
