package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
)

// MigrationFunc upgrades stored records from oldVersion to the current schema version.
// It runs inside the opening transaction, an error aborts the open.
type MigrationFunc func(m *Migration, oldVersion uint64) error

// Migration gives a migration routine access to stored records as json maps
type Migration struct {
	ctx    context.Context
	tx     *sqlx.Tx
	sealer *sealer
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		body BLOB NOT NULL,
		UNIQUE(type, id)
	)`,
	`CREATE TABLE IF NOT EXISTS links (
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		pos INTEGER NOT NULL,
		child_type TEXT NOT NULL,
		child_id TEXT NOT NULL,
		PRIMARY KEY (owner_type, owner_id, relation, pos)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_links_child ON links(child_type, child_id)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
}

const (
	metaFingerprint = "fingerprint"
	metaVersion     = "schema_version"
	metaCanary      = "canary"
)

type storedState struct {
	fresh       bool
	fingerprint string
	version     uint64
	canary      []byte
}

// initialize creates tables and reconciles stored schema with registered types
func (e *Engine) initialize(ctx context.Context) error {
	if e.opts.ReadOnly {
		return e.checkReadOnly(ctx)
	}
	if e.opts.InMemoryID == "" {
		if _, err := e.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, q := range ddl {
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	st, err := loadState(ctx, tx)
	if err != nil {
		return err
	}

	fp := e.reg.fingerprint()
	if !st.fresh {
		if err = e.checkKey(st.canary); err != nil {
			return err
		}
		if e.opts.SchemaVersion < st.version {
			return fmt.Errorf("%w: schema version %d is lower than stored version %d", ErrSchemaMismatch,
				e.opts.SchemaVersion, st.version)
		}
		changed := st.fingerprint != fp
		switch {
		case changed && e.opts.DeleteIfMigrationNeeded:
			log.Printf("[INFO] schema of %s changed, deleting stored records", e.ident)
			for _, q := range []string{"DELETE FROM objects", "DELETE FROM links"} {
				if _, err = tx.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("failed to reset store: %w", err)
				}
			}
		case changed && e.opts.SchemaVersion == st.version:
			return fmt.Errorf("%w: object types changed but schema version %d wasn't bumped", ErrSchemaMismatch, st.version)
		case e.opts.SchemaVersion > st.version && e.opts.Migration != nil:
			log.Printf("[INFO] migrating %s from schema version %d to %d", e.ident, st.version, e.opts.SchemaVersion)
			m := &Migration{ctx: ctx, tx: tx, sealer: e.sealer}
			if err = e.opts.Migration(m, st.version); err != nil {
				return fmt.Errorf("migration from version %d failed: %w", st.version, err)
			}
		}
	}

	if st.fresh {
		canary, err := e.sealer.seal([]byte(canaryText))
		if err != nil {
			return err
		}
		if err = putMeta(ctx, tx, metaCanary, canary); err != nil {
			return err
		}
	}
	if err = putMeta(ctx, tx, metaFingerprint, []byte(fp)); err != nil {
		return err
	}
	if err = putMeta(ctx, tx, metaVersion, []byte(strconv.FormatUint(e.opts.SchemaVersion, 10))); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// checkReadOnly verifies an existing store can be read with registered types, nothing is written
func (e *Engine) checkReadOnly(ctx context.Context) error {
	st, err := loadState(ctx, e.db)
	if err != nil {
		return err
	}
	if st.fresh {
		return fmt.Errorf("read-only store %s is not initialized", e.ident)
	}
	if err = e.checkKey(st.canary); err != nil {
		return err
	}
	if st.fingerprint != e.reg.fingerprint() || st.version != e.opts.SchemaVersion {
		return fmt.Errorf("%w: read-only store %s has schema version %d", ErrSchemaMismatch, e.ident, st.version)
	}
	return nil
}

func (e *Engine) checkKey(canary []byte) error {
	if e.sealer == nil {
		if !bytes.Equal(canary, []byte(canaryText)) {
			return fmt.Errorf("%w: store is encrypted", ErrEncryption)
		}
		return nil
	}
	plain, err := e.sealer.open(canary)
	if err != nil || !bytes.Equal(plain, []byte(canaryText)) {
		return fmt.Errorf("%w: key doesn't match the store", ErrEncryption)
	}
	return nil
}

func loadState(ctx context.Context, q sqlx.QueryerContext) (storedState, error) {
	var exists int
	if err := sqlx.GetContext(ctx, q, &exists,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'"); err != nil {
		return storedState{}, fmt.Errorf("failed to check meta table: %w", err)
	}
	if exists == 0 {
		return storedState{fresh: true}, nil
	}
	st := storedState{}
	fp, err := getMeta(ctx, q, metaFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return storedState{fresh: true}, nil
	}
	if err != nil {
		return storedState{}, err
	}
	st.fingerprint = string(fp)
	ver, err := getMeta(ctx, q, metaVersion)
	if err != nil {
		return storedState{}, err
	}
	if st.version, err = strconv.ParseUint(string(ver), 10, 64); err != nil {
		return storedState{}, fmt.Errorf("invalid stored schema version %q: %w", ver, err)
	}
	if st.canary, err = getMeta(ctx, q, metaCanary); err != nil {
		return storedState{}, err
	}
	return st, nil
}

func getMeta(ctx context.Context, q sqlx.QueryerContext, key string) ([]byte, error) {
	var v []byte
	if err := sqlx.GetContext(ctx, q, &v, "SELECT value FROM meta WHERE key = ?", key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func putMeta(ctx context.Context, tx *sqlx.Tx, key string, value []byte) error {
	_, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?) "+
		"ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Enumerate calls fn for every stored record of the type. fn returns the new body,
// nil body deletes the record together with its links.
func (m *Migration) Enumerate(typeName string, fn func(id string, body map[string]any) (map[string]any, error)) error {
	type row struct {
		ID   string `db:"id"`
		Body []byte `db:"body"`
	}
	var rows []row
	if err := m.tx.SelectContext(m.ctx, &rows, "SELECT id, body FROM objects WHERE type = ? ORDER BY seq", typeName); err != nil {
		return fmt.Errorf("failed to enumerate %s: %w", typeName, err)
	}
	for _, r := range rows {
		plain, err := m.sealer.open(r.Body)
		if err != nil {
			return err
		}
		body := map[string]any{}
		if err = json.Unmarshal(plain, &body); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", typeName, r.ID, err)
		}
		upd, err := fn(r.ID, body)
		if err != nil {
			return err
		}
		if upd == nil {
			if err = m.delete(typeName, r.ID); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(upd)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", typeName, r.ID, err)
		}
		if data, err = m.sealer.seal(data); err != nil {
			return err
		}
		if _, err = m.tx.ExecContext(m.ctx, "UPDATE objects SET body = ? WHERE type = ? AND id = ?", data, typeName, r.ID); err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", typeName, r.ID, err)
		}
	}
	return nil
}

// Count returns number of stored records of the type
func (m *Migration) Count(typeName string) (int, error) {
	var n int
	if err := m.tx.GetContext(m.ctx, &n, "SELECT COUNT(*) FROM objects WHERE type = ?", typeName); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", typeName, err)
	}
	return n, nil
}

// DeleteAll removes all records of the type and their links
func (m *Migration) DeleteAll(typeName string) error {
	qs := []string{
		"DELETE FROM objects WHERE type = ?",
		"DELETE FROM links WHERE owner_type = ?",
		"DELETE FROM links WHERE child_type = ?",
	}
	for _, q := range qs {
		if _, err := m.tx.ExecContext(m.ctx, q, typeName); err != nil {
			return fmt.Errorf("failed to delete %s: %w", typeName, err)
		}
	}
	return nil
}

// Rename moves records and links of a type to a new type name
func (m *Migration) Rename(from, to string) error {
	qs := []string{
		"UPDATE objects SET type = ? WHERE type = ?",
		"UPDATE links SET owner_type = ? WHERE owner_type = ?",
		"UPDATE links SET child_type = ? WHERE child_type = ?",
	}
	for _, q := range qs {
		if _, err := m.tx.ExecContext(m.ctx, q, to, from); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
		}
	}
	return nil
}

func (m *Migration) delete(typeName, id string) error {
	qs := []string{
		"DELETE FROM objects WHERE type = ? AND id = ?",
		"DELETE FROM links WHERE owner_type = ? AND owner_id = ?",
		"DELETE FROM links WHERE child_type = ? AND child_id = ?",
	}
	for _, q := range qs {
		if _, err := m.tx.ExecContext(m.ctx, q, typeName, id); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", typeName, id, err)
		}
	}
	return nil
}
