package store

import "github.com/umputun/objstore/app/engine"

// Entity is a business record identified by a stable id
type Entity interface {
	EntityID() string
}

// Mapper converts between business and persisted models. Implementations must not touch
// the engine and must be safe to call from any goroutine.
type Mapper[B Entity, P engine.Object] interface {
	ToBusiness(p P) B
	ToPersisted(b B) P
}

// ExtendedMapper also merges business fields onto an existing persisted object
type ExtendedMapper[B Entity, P engine.Object] interface {
	Mapper[B, P]
	MergeInto(b B, existing P) P
}

// MapperFunc makes Mapper from a pair of functions
type MapperFunc[B Entity, P engine.Object] struct {
	Business  func(p P) B
	Persisted func(b B) P
}

// ToBusiness calls Business
func (m MapperFunc[B, P]) ToBusiness(p P) B { return m.Business(p) }

// ToPersisted calls Persisted
func (m MapperFunc[B, P]) ToPersisted(b B) P { return m.Persisted(b) }
