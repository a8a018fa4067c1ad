package cache

import (
	"sort"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

// Entry is the control record kept for every cached derivative. The
// five integer search fields are what make the base-image query an
// index scan instead of a cache walk; today four are meaningful and
// the fifth is reserved.
type Entry struct {
	Key       string
	ValueSize int64
	SourceID  int64
	AttrHash  int64
	Width     int64
	Height    int64
	Extra     int64
	Metadata  []byte
}

const entryTable = "cacheentry"

func indexSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			entryTable: {
				Name: entryTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"source": {
						Name:    "source",
						Indexer: &memdb.IntFieldIndex{Field: "SourceID"},
					},
					"group": {
						Name: "group",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "SourceID"},
								&memdb.IntFieldIndex{Field: "AttrHash"},
							},
						},
					},
				},
			},
		},
	}
}

// searchIndex is the layer-2 control store. The mutex only guards the
// db pointer, which flush swaps out; memdb transactions synchronise
// themselves.
type searchIndex struct {
	mu sync.RWMutex
	db *memdb.MemDB
}

func newSearchIndex() (*searchIndex, error) {
	db, err := memdb.NewMemDB(indexSchema())
	if err != nil {
		return nil, errors.Wrap(err, "creating cache search index")
	}
	return &searchIndex{db: db}, nil
}

func (ix *searchIndex) current() *memdb.MemDB {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.db
}

func (ix *searchIndex) put(e *Entry) error {
	txn := ix.current().Txn(true)
	defer txn.Abort()
	if err := txn.Insert(entryTable, e); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (ix *searchIndex) get(key string) (*Entry, error) {
	txn := ix.current().Txn(false)
	defer txn.Abort()
	raw, err := txn.First(entryTable, "id", key)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*Entry), nil
}

func (ix *searchIndex) delete(key string) error {
	txn := ix.current().Txn(true)
	defer txn.Abort()
	raw, err := txn.First(entryTable, "id", key)
	if err != nil {
		return err
	}
	if raw != nil {
		if err := txn.Delete(entryTable, raw); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// search returns up to limit entries in the (sourceID, attrHash) group
// whose stored dimensions are at least minW x minH, smallest value
// first so the tightest candidate is tried first.
func (ix *searchIndex) search(sourceID, attrHash, minW, minH int64, limit int) ([]*Entry, error) {
	txn := ix.current().Txn(false)
	defer txn.Abort()
	it, err := txn.Get(entryTable, "group", sourceID, attrHash)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := raw.(*Entry)
		// width/height 0 means "original size", which satisfies any bound
		if e.Width != 0 && e.Width < minW {
			continue
		}
		if e.Height != 0 && e.Height < minH {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValueSize < out[j].ValueSize })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// bySource returns every control record for one source image.
func (ix *searchIndex) bySource(sourceID int64) ([]*Entry, error) {
	txn := ix.current().Txn(false)
	defer txn.Abort()
	it, err := txn.Get(entryTable, "source", sourceID)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Entry))
	}
	return out, nil
}

func (ix *searchIndex) flush() error {
	db, err := memdb.NewMemDB(indexSchema())
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.db = db
	ix.mu.Unlock()
	return nil
}
