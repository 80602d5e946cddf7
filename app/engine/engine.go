// Package engine implements an embedded object-graph store on top of SQLite.
// Records are kept as json bodies keyed by type and primary key, owned relations are kept
// as ordered link rows. Engine is shared by all handles of the same store identity (file path
// or in-memory identifier) within the process. Handle is a per-goroutine session with its own
// identity map, it is never shared across goroutines.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Options defines engine parameters. Path is ignored if InMemoryID is set.
type Options struct {
	Path                    string
	InMemoryID              string
	EncryptionKey           []byte
	ReadOnly                bool
	SchemaVersion           uint64
	Migration               MigrationFunc
	DeleteIfMigrationNeeded bool
	ShouldCompact           func(totalBytes, usedBytes int64) bool // nil disables compaction
	Types                   []Object
	BusyRetries             int // attempts to begin write transaction, 1 if not set
	NotifyConcurrency       int // parallel observer deliveries per commit, 4 if not set
}

// Engine is an opened store shared by all handles with the same identity
type Engine struct {
	opts     Options
	ident    string
	db       *sqlx.DB // write transactions and schema setup, single connection
	rdb      *sqlx.DB // reads outside write transactions, same as db for in-memory and read-only stores
	reg      *registry
	sealer   *sealer
	notifier *notifier
	refs     int // guarded by engines lock
}

var engines = struct {
	sync.Mutex
	m map[string]*Engine
}{m: map[string]*Engine{}}

// Open opens the store or returns already opened engine for the same identity.
// Each successful Open should be paired with Close.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	reg, err := newRegistry(opts.Types)
	if err != nil {
		return nil, fmt.Errorf("invalid object types: %w", err)
	}
	ident, err := identity(opts)
	if err != nil {
		return nil, err
	}

	engines.Lock()
	defer engines.Unlock()

	if e, ok := engines.m[ident]; ok {
		if e.reg.fingerprint() != reg.fingerprint() {
			return nil, fmt.Errorf("%w: %s already opened with different object types", ErrSchemaMismatch, ident)
		}
		if !bytes.Equal(e.opts.EncryptionKey, opts.EncryptionKey) {
			return nil, fmt.Errorf("%w: %s already opened with different key", ErrEncryption, ident)
		}
		if e.opts.SchemaVersion != opts.SchemaVersion {
			return nil, fmt.Errorf("%w: %s already opened with schema version %d", ErrSchemaMismatch, ident, e.opts.SchemaVersion)
		}
		e.refs++
		return e, nil
	}

	e, err := open(ctx, ident, opts, reg)
	if err != nil {
		return nil, err
	}
	e.refs = 1
	engines.m[ident] = e
	log.Printf("[DEBUG] store %s opened, %d types", ident, len(reg.byName))
	return e, nil
}

func open(ctx context.Context, ident string, opts Options, reg *registry) (*Engine, error) {
	sl, err := newSealer(opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	if opts.InMemoryID == "" {
		if !opts.ReadOnly {
			if err = os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
				return nil, fmt.Errorf("failed to make store directory: %w", err)
			}
		}
		if opts.ShouldCompact != nil && !opts.ReadOnly {
			if err = compact(ctx, opts.Path, opts.ShouldCompact); err != nil {
				// compaction failure is not fatal, the store is still usable
				log.Printf("[WARN] failed to compact %s, %v", opts.Path, err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", dsn(opts, !opts.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer, one connection serializes transactions of all handles.
	// in-memory store lives as long as this connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	e := &Engine{opts: opts, ident: ident, db: db, rdb: db, reg: reg, sealer: sl}
	if err = e.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}

	if opts.InMemoryID == "" && !opts.ReadOnly {
		// WAL readers don't wait for the writer
		if e.rdb, err = openReader(ctx, opts); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	concurrency := opts.NotifyConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	e.notifier = newNotifier(e, concurrency)
	return e, nil
}

// Close releases the engine. The last Close of an identity stops notifications and closes the
// database, in-memory store content is dropped at this point.
func (e *Engine) Close() error {
	engines.Lock()
	defer engines.Unlock()
	if e.refs <= 0 {
		return ErrClosed
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(engines.m, e.ident)
	e.notifier.close()
	log.Printf("[DEBUG] store %s closed", e.ident)
	if e.rdb != e.db {
		if err := e.rdb.Close(); err != nil {
			log.Printf("[WARN] failed to close readers of %s, %v", e.ident, err)
		}
	}
	return e.db.Close()
}

// Ident returns store identity, file path or in-memory identifier
func (e *Engine) Ident() string {
	return e.ident
}

// ReadOnly tells if the store was opened read-only
func (e *Engine) ReadOnly() bool {
	return e.opts.ReadOnly
}

// Handle makes a new session. Handle is cheap and must not be shared between goroutines.
func (e *Engine) Handle(ctx context.Context) *Handle {
	return newHandle(ctx, e)
}

// SchemaOf returns registered schema by type name
func (e *Engine) SchemaOf(name string) (Schema, error) {
	ti, err := e.reg.byTypeName(name)
	if err != nil {
		return Schema{}, err
	}
	return ti.schema, nil
}

func identity(opts Options) (string, error) {
	if opts.InMemoryID != "" {
		return "memory:" + opts.InMemoryID, nil
	}
	if opts.Path == "" {
		return "", fmt.Errorf("empty store path")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return "", fmt.Errorf("can't resolve store path %s: %w", opts.Path, err)
	}
	return "file:" + abs, nil
}

func openReader(ctx context.Context, opts Options) (*sqlx.DB, error) {
	rdb, err := sqlx.Open("sqlite", dsn(opts, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open readers: %w", err)
	}
	rdb.SetMaxOpenConns(readers)
	rdb.SetMaxIdleConns(readers)
	if err = rdb.PingContext(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect readers: %w", err)
	}
	return rdb, nil
}

// readers is the size of the read pool of file stores
const readers = 8

// dsn makes modernc sqlite connection string. For the write connection _txlock=immediate takes
// the write lock on BEGIN, so lock contention shows up in BeginWrite where it can be retried.
// Read connections begin deferred transactions, each one reads a single snapshot in WAL mode.
func dsn(opts Options, write bool) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	if write {
		params.Set("_txlock", "immediate")
	}
	if opts.InMemoryID != "" {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		return "file:objstore-" + url.PathEscape(opts.InMemoryID) + "?" + params.Encode()
	}
	if opts.ReadOnly {
		params.Set("mode", "ro")
	} else if !write {
		params.Add("_pragma", "query_only(1)")
	}
	return fileURI(opts.Path) + "?" + params.Encode()
}

// fileURI makes sqlite uri of the path, escaping characters with special meaning in uri
// like ? and #
func fileURI(path string) string {
	segments := strings.Split(filepath.ToSlash(path), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "file:" + strings.Join(segments, "/")
}
