package store

import (
	"github.com/umputun/objstore/app/coordinator"
	"github.com/umputun/objstore/app/engine"
)

// ExtendedStore saves business models onto existing persisted records with MergeInto, keeping
// the stored object instead of replacing it. Owned lists of the stored record are still replaced,
// so MergeInto must build new list elements.
type ExtendedStore[B Entity, P engine.Object] struct {
	*Store[B, P]
}

// NewExtended makes extended store
func NewExtended[B Entity, P engine.Object](builder coordinator.Builder, coord *coordinator.Coordinator,
	mapper ExtendedMapper[B, P], opts ...Option) *ExtendedStore[B, P] {
	s := New[B, P](builder, coord, mapper, opts...)
	s.merge = mapper.MergeInto
	return &ExtendedStore[B, P]{Store: s}
}
