package engine

import "errors"

// errors returned by the engine, check with errors.Is
var (
	ErrNotFound           = errors.New("record not found")
	ErrPrimaryKeyConflict = errors.New("object with the same primary key already exists")
	ErrReadOnly           = errors.New("store is read-only")
	ErrNotInWrite         = errors.New("not in a write transaction")
	ErrInWrite            = errors.New("write transaction already in progress")
	ErrUnmanaged          = errors.New("object has no stored identity")
	ErrUnregistered       = errors.New("object type is not registered")
	ErrSchemaMismatch     = errors.New("schema mismatch, migration required")
	ErrEncryption         = errors.New("invalid encryption key")
	ErrClosed             = errors.New("engine closed")
	ErrInvalidated        = errors.New("object was deleted or invalidated")
)
