package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"github.com/natefinch/atomic"
)

// compact rewrites the store file if shouldCompact approves its sizes. Runs before the store is
// opened for use, the rewritten copy replaces the file atomically.
func compact(ctx context.Context, path string, shouldCompact func(totalBytes, usedBytes int64) bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	db, err := sqlx.Open("sqlite", fileURI(path)+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	var pageCount, pageSize, freePages int64
	if err = db.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return fmt.Errorf("failed to get page count: %w", err)
	}
	if err = db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return fmt.Errorf("failed to get page size: %w", err)
	}
	if err = db.GetContext(ctx, &freePages, "PRAGMA freelist_count"); err != nil {
		return fmt.Errorf("failed to get freelist count: %w", err)
	}

	total, used := pageCount*pageSize, (pageCount-freePages)*pageSize
	if !shouldCompact(total, used) {
		return nil
	}

	tmp := path + ".compact"
	_ = os.Remove(tmp)
	if _, err = db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return fmt.Errorf("failed to vacuum into %s: %w", tmp, err)
	}
	if _, err = db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("[WARN] failed to checkpoint %s, %v", path, err)
	}
	if err = db.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err = atomic.ReplaceFile(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	// wal and shm of the old file don't belong to the new one
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	log.Printf("[INFO] compacted %s, total %d bytes, used %d bytes", path, total, used)
	return nil
}
