// Package ledger persists a journal of scoped resource acquisitions —
// loopback attachments, "rozeros-*"/"synthetic-*" dm nodes, temporary
// mounts, temporary directories — so that a crash between setup and
// teardown can be recovered from on the next run, per spec.md §5:
//
//	"A crash between setup and teardown leaves dangling loopback and dm
//	nodes; recovery on next run requires scanning for and cleaning up
//	rozeros-* and synthetic-* devices whose backing is gone."
//
// It plays a similar role to internal/history's run ledger (a small
// embedded store recording what the process has done), but as a bbolt
// bucket rather than SQL rows, because the access pattern here is point
// writes and a full bucket scan, not relational queries.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var resourcesBucket = []byte("scoped_resources")

// Kind identifies the category of scoped resource recorded in the ledger.
type Kind string

const (
	KindLoopback   Kind = "loopback"
	KindDMNode     Kind = "dm_node"
	KindTempMount  Kind = "temp_mount"
	KindTempDir    Kind = "temp_dir"
)

// Entry records one scoped acquisition.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"` // dm node name, loop device path, mount point, or dir path
	Backing   string    `json:"backing,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger wraps a bbolt database file recording in-flight scoped resources.
type Ledger struct {
	db     *bolt.DB
	logger logrus.FieldLogger
}

// Open opens (creating if necessary) the ledger file at path.
func Open(path string, logger logrus.FieldLogger) (*Ledger, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resourcesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: initializing bucket: %w", err)
	}
	return &Ledger{db: db, logger: logger.WithField("component", "ledger")}, nil
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record adds an entry for a newly acquired scoped resource. Call this
// before the resource is actually created so a crash mid-creation is still
// recoverable.
func (l *Ledger) Record(e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(string(e.Kind)+"/"+e.Name), data)
	})
}

// Forget removes the entry for a resource that was torn down cleanly.
func (l *Ledger) Forget(kind Kind, name string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resourcesBucket).Delete([]byte(string(kind) + "/" + name))
	})
}

// List returns every entry currently recorded, for a recovery scan.
func (l *Ledger) List() ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket)
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ExistsFunc reports whether a resource's backing still exists, given a
// probe function supplied by the caller (stat'ing a loop device, checking
// dmsetup info, etc.) — ledger itself has no notion of what "exists" means
// for a given Kind.
type ExistsFunc func(Entry) bool

// Reconcile scans every recorded entry, calls exists to check whether its
// backing is still present, and forgets entries whose backing is gone,
// returning the stale entries it cleaned up. Entries whose backing is
// still present are left untouched (they belong to a resource genuinely
// still in use, not a crash survivor).
func (l *Ledger) Reconcile(exists ExistsFunc) ([]Entry, error) {
	entries, err := l.List()
	if err != nil {
		return nil, err
	}
	var stale []Entry
	for _, e := range entries {
		if exists(e) {
			continue
		}
		l.logger.WithFields(logrus.Fields{
			"kind": e.Kind,
			"name": e.Name,
		}).Warn("ledger: dangling scoped resource with missing backing, forgetting")
		if err := l.Forget(e.Kind, e.Name); err != nil {
			return stale, fmt.Errorf("ledger: forgetting stale entry %s/%s: %w", e.Kind, e.Name, err)
		}
		stale = append(stale, e)
	}
	return stale, nil
}

type contextKey struct{}

// WithLedger stashes l in ctx so internal/synthetic.Create calls nested
// deep inside internal/lvm.Retrofit and internal/bcache's retrofit
// variants can record scoped resources without every intervening
// function signature carrying a *Ledger parameter, the same convenience
// internal/metrics.WithCommand provides for the active command name. A
// nil l is valid and means "no ledger for this call", same as omitting
// the option.
func WithLedger(ctx context.Context, l *Ledger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the ledger stashed by WithLedger, or nil if none
// was set.
func FromContext(ctx context.Context) *Ledger {
	l, _ := ctx.Value(contextKey{}).(*Ledger)
	return l
}
