// Package factory builds engine handles from a store config
package factory

import (
	"context"
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/objstore/app/config"
	"github.com/umputun/objstore/app/engine"
)

// EngineInitError is returned when the store can't be opened
type EngineInitError struct {
	Path string
	Err  error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("failed to init store %s: %v", e.Path, e.Err)
}

// Unwrap returns the engine error
func (e *EngineInitError) Unwrap() error { return e.Err }

// Factory builds handles for one config. The engine is opened on the first Build and kept
// until Close, a failed open is retried by the next Build.
type Factory struct {
	cfg config.Config

	mu  sync.Mutex
	eng *engine.Engine
}

// New makes factory for the config, nothing is opened yet
func New(cfg config.Config) *Factory {
	return &Factory{cfg: cfg}
}

// Config returns factory config
func (f *Factory) Config() config.Config { return f.cfg }

// Build returns a fresh handle. Handle must be used by one goroutine only.
func (f *Factory) Build(ctx context.Context) (*engine.Handle, error) {
	eng, err := f.Engine(ctx)
	if err != nil {
		return nil, err
	}
	return eng.Handle(ctx), nil
}

// Engine returns the opened engine, opening it if needed
func (f *Factory) Engine(ctx context.Context) (*engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eng != nil {
		return f.eng, nil
	}

	if err := f.cfg.Validate(); err != nil {
		return nil, &EngineInitError{Path: f.cfg.Identity(), Err: err}
	}
	eng, err := engine.Open(ctx, Options(f.cfg))
	if err != nil {
		log.Printf("[WARN] failed to init store %s, %v", f.cfg.Identity(), err)
		return nil, &EngineInitError{Path: f.cfg.Identity(), Err: err}
	}
	f.eng = eng
	return eng, nil
}

// Close releases the engine
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eng == nil {
		return nil
	}
	err := f.eng.Close()
	f.eng = nil
	return err
}

// Options converts config to engine options
func Options(cfg config.Config) engine.Options {
	return engine.Options{
		Path:                    cfg.Path(),
		InMemoryID:              cfg.InMemoryIdentifier,
		EncryptionKey:           cfg.EncryptionKey,
		ReadOnly:                cfg.ReadOnly,
		SchemaVersion:           cfg.SchemaVersion,
		Migration:               cfg.Migration,
		DeleteIfMigrationNeeded: cfg.DeleteIfMigrationNeeded,
		ShouldCompact:           cfg.CompactPredicate(),
		Types:                   cfg.Objects,
		BusyRetries:             cfg.BusyRetries,
	}
}
