package blockdev

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/superfly/blocks/internal/blockserr"
)

// openEntry is the go-memdb record for one currently exclusive-opened
// device path.
type openEntry struct {
	Path string
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"open": {
				Name: "open",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Path"},
					},
				},
			},
		},
	}
}

// Registry tracks which device paths are currently held under an
// exclusive open by this process, rejecting nested exclusive opens on the
// same device (spec.md §4.1). It is in-process only: a go-memdb table
// indexed by path, scoped to this process's lifetime since an OS-level
// exclusive open is meaningless across process boundaries.
type Registry struct {
	db *memdb.MemDB
}

// NewRegistry creates an empty exclusive-open registry.
func NewRegistry() *Registry {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		// The schema above is static and known-valid; a failure here
		// would mean this package's schema literal is broken.
		panic(fmt.Sprintf("blockdev: building registry schema: %v", err))
	}
	return &Registry{db: db}
}

// DefaultRegistry is used by BlockDevice.OpenExclusive when the caller
// does not supply a Registry, matching the common case of a single
// process driving one pipeline at a time.
var DefaultRegistry = NewRegistry()

func (r *Registry) acquire(path string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First("open", "id", path)
	if err != nil {
		return fmt.Errorf("blockdev: registry lookup for %s: %w", path, err)
	}
	if existing != nil {
		return &blockserr.DeviceBusy{Device: path}
	}
	if err := txn.Insert("open", &openEntry{Path: path}); err != nil {
		return fmt.Errorf("blockdev: registry insert for %s: %w", path, err)
	}
	txn.Commit()
	return nil
}

func (r *Registry) release(path string) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	_, _ = txn.DeleteAll("open", "id", path)
	txn.Commit()
}

// IsOpen reports whether path is currently held exclusively by this
// process, for diagnostics.
func (r *Registry) IsOpen(path string) bool {
	txn := r.db.Txn(false)
	defer txn.Abort()
	v, _ := txn.First("open", "id", path)
	return v != nil
}
