// Package store saves, fetches, deletes and observes business models through their persisted
// counterparts. Saving merges the incoming graph against the stored one, so owned objects and
// list elements replaced by the write never stay orphaned.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/objstore/app/cascade"
	"github.com/umputun/objstore/app/coordinator"
	"github.com/umputun/objstore/app/engine"
	"github.com/umputun/objstore/app/observe"
	"github.com/umputun/objstore/app/reference"
)

// Store is a typed store of business models B persisted as P
type Store[B Entity, P engine.Object] struct {
	builder   coordinator.Builder
	coord     *coordinator.Coordinator
	mapper    Mapper[B, P]
	merge     func(b B, existing P) P // set for extended stores only
	schema    engine.Schema
	deliverOn coordinator.Dispatcher
}

// Option modifies store
type Option func(o *options)

type options struct {
	deliverOn coordinator.Dispatcher
}

// WithDeliverOn sets dispatcher for completions, coordinator delivery goroutine by default
func WithDeliverOn(d coordinator.Dispatcher) Option {
	return func(o *options) { o.deliverOn = d }
}

// New makes store. builder makes handles for reads, coord runs writes.
func New[B Entity, P engine.Object](builder coordinator.Builder, coord *coordinator.Coordinator, mapper Mapper[B, P], opts ...Option) *Store[B, P] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[B, P]{builder: builder, coord: coord, mapper: mapper, schema: schemaOf[P](), deliverOn: o.deliverOn}
}

// Save stores objects. With update records with the same primary key are replaced, otherwise
// such a record fails the whole batch with coordinator.ErrWrite. Empty batch completes
// immediately without a transaction.
func (s *Store[B, P]) Save(objs []B, update bool, completion func(res []B, err error)) {
	if len(objs) == 0 {
		if completion != nil {
			completion([]B{}, nil)
		}
		return
	}
	s.coord.Execute(coordinator.Request{
		Queue:     coordinator.QueueWrite,
		DeliverOn: s.deliverOn,
		Op: func(h *engine.Handle, _ []reference.Resolved) error {
			return s.save(h, objs, update)
		},
		Completion: func(err error) {
			if completion == nil {
				return
			}
			if err != nil {
				completion(nil, err)
				return
			}
			completion(objs, nil)
		},
	})
}

// SaveOne stores a single object
func (s *Store[B, P]) SaveOne(obj B, update bool, completion func(res B, err error)) {
	s.Save([]B{obj}, update, func(_ []B, err error) {
		if completion == nil {
			return
		}
		if err != nil {
			var zero B
			completion(zero, err)
			return
		}
		completion(obj, nil)
	})
}

// FetchAll returns all stored records in insertion order
func (s *Store[B, P]) FetchAll(ctx context.Context) ([]B, error) {
	return s.FetchWhere(ctx, nil)
}

// Fetch returns record by key, ok is false if there is no such record
func (s *Store[B, P]) Fetch(ctx context.Context, key any) (res B, ok bool, err error) {
	h, err := s.builder.Build(ctx)
	if err != nil {
		return res, false, fmt.Errorf("%w: %w", coordinator.ErrConfigInvalid, err)
	}
	defer h.Close()
	p, ok, err := s.find(h, key)
	if err != nil || !ok {
		return res, false, err
	}
	return s.mapper.ToBusiness(p), true, nil
}

// FetchWhere returns stored records accepted by the predicate, all of them for nil predicate
func (s *Store[B, P]) FetchWhere(ctx context.Context, pred func(p P) bool) ([]B, error) {
	h, err := s.builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", coordinator.ErrConfigInvalid, err)
	}
	defer h.Close()
	var filter func(engine.Object) bool
	if pred != nil {
		filter = func(obj engine.Object) bool {
			p, ok := obj.(P)
			return ok && pred(p)
		}
	}
	r, err := h.Query(s.schema.Name, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.schema.Name, err)
	}
	res := make([]B, 0, r.Len())
	for _, obj := range r.All() {
		if p, ok := obj.(P); ok {
			res = append(res, s.mapper.ToBusiness(p))
		}
	}
	return res, nil
}

// Delete removes records of objects with all their owned descendants. Records missing in
// the store are skipped. Empty batch completes immediately without a transaction.
func (s *Store[B, P]) Delete(objs []B, completion func(err error)) {
	if len(objs) == 0 {
		if completion != nil {
			completion(nil)
		}
		return
	}
	s.coord.Execute(coordinator.Request{
		Queue:     coordinator.QueueDelete,
		DeliverOn: s.deliverOn,
		Op: func(h *engine.Handle, _ []reference.Resolved) error {
			for _, b := range objs {
				p, ok, err := s.find(h, b.EntityID())
				if err != nil {
					return err
				}
				if !ok {
					log.Printf("[DEBUG] skip delete of %s %s, not stored", s.schema.Name, b.EntityID())
					continue
				}
				if err := cascade.Delete(h, p); err != nil {
					return err
				}
			}
			return nil
		},
		Completion: completion,
	})
}

// DeleteOne removes a single record
func (s *Store[B, P]) DeleteOne(obj B, completion func(err error)) {
	s.Delete([]B{obj}, completion)
}

// DeleteAll removes every record of every type from the store
func (s *Store[B, P]) DeleteAll(completion func(err error)) {
	s.coord.Execute(coordinator.Request{
		Queue:     coordinator.QueueDelete,
		DeliverOn: s.deliverOn,
		Op: func(h *engine.Handle, _ []reference.Resolved) error {
			return h.DeleteAll()
		},
		Completion: completion,
	})
}

// Observe subscribes to all records of the store, delivering them as business models
func (s *Store[B, P]) Observe(ctx context.Context, hs observe.ResultsHandlers[B]) (*engine.NotificationToken, error) {
	h, err := s.builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", coordinator.ErrConfigInvalid, err)
	}
	defer h.Close()
	r, err := h.Objects(s.schema.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.schema.Name, err)
	}
	tok := observe.MapResults(h, r, func(obj engine.Object) (B, bool) {
		p, ok := obj.(P)
		if !ok {
			var zero B
			return zero, false
		}
		return s.mapper.ToBusiness(p), true
	}, hs)
	return tok, nil
}

// ObserveItem subscribes to the record with key. Missing record signals observe.ErrItemNotFound.
func (s *Store[B, P]) ObserveItem(ctx context.Context, key any, hs observe.ItemHandlers[B]) (*engine.NotificationToken, error) {
	h, err := s.builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", coordinator.ErrConfigInvalid, err)
	}
	defer h.Close()
	p, _, err := s.find(h, key)
	if err != nil {
		return nil, err
	}
	ph := observe.ItemHandlers[P]{OnError: hs.OnError, OnDeleted: hs.OnDeleted}
	if hs.OnInitial != nil {
		ph.OnInitial = func(p P) { hs.OnInitial(s.mapper.ToBusiness(p)) }
	}
	if hs.OnChange != nil {
		ph.OnChange = func(p P, props []engine.PropertyChange) { hs.OnChange(s.mapper.ToBusiness(p), props) }
	}
	return observe.Item(h, p, ph), nil
}

func (s *Store[B, P]) save(h *engine.Handle, objs []B, update bool) error {
	models := make([]engine.Object, 0, len(objs))
	for _, b := range objs {
		if s.merge != nil {
			existing, ok, err := s.find(h, b.EntityID())
			if err != nil {
				return err
			}
			if ok {
				models = append(models, s.merge(b, existing))
				continue
			}
		}
		models = append(models, s.mapper.ToPersisted(b))
	}

	if s.merge == nil {
		if err := s.compare(h, models); err != nil {
			return err
		}
	}
	if err := s.deleteExistingLists(h, models); err != nil {
		return err
	}
	policy := engine.UpdateError
	if update {
		policy = engine.UpdateModified
	}
	if err := h.Add(policy, models...); err != nil {
		return fmt.Errorf("failed to add %d %s: %w", len(models), s.schema.Name, err)
	}
	return nil
}

// compare removes owned objects replaced by the incoming models. If the incoming owned object is
// the stored one, the incoming copy is removed and stored again with the model.
func (s *Store[B, P]) compare(h *engine.Handle, models []engine.Object) error {
	for _, m := range models {
		existing, ok, err := s.find(h, m.PrimaryKey())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, rel := range s.schema.Relations {
			if rel.Kind != engine.OwnedObject {
				continue
			}
			incoming := first(m, rel.Name)
			if incoming == nil {
				continue
			}
			stored, err := h.Linked(existing, rel.Name)
			if err != nil {
				return fmt.Errorf("failed to get stored %s.%s: %w", s.schema.Name, rel.Name, err)
			}
			if len(stored) == 0 {
				continue
			}
			victim := stored[0]
			if h.IsSame(stored[0], incoming) {
				victim = incoming
			}
			if err := cascade.Delete(h, victim); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteExistingLists removes all elements of owned lists of stored records, the incoming
// lists replace them
func (s *Store[B, P]) deleteExistingLists(h *engine.Handle, models []engine.Object) error {
	for _, m := range models {
		existing, ok, err := s.find(h, m.PrimaryKey())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, rel := range s.schema.Relations {
			if rel.Kind != engine.OwnedList {
				continue
			}
			stored, err := h.Linked(existing, rel.Name)
			if err != nil {
				return fmt.Errorf("failed to get stored %s.%s: %w", s.schema.Name, rel.Name, err)
			}
			for _, el := range stored {
				if err := cascade.Delete(h, el); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// find returns stored record by key. Types without primary key never match.
func (s *Store[B, P]) find(h *engine.Handle, key any) (res P, ok bool, err error) {
	if s.schema.PrimaryKey == "" || key == nil {
		return res, false, nil
	}
	obj, err := h.Object(s.schema.Name, key)
	if errors.Is(err, engine.ErrNotFound) {
		return res, false, nil
	}
	if err != nil {
		return res, false, fmt.Errorf("failed to fetch %s %v: %w", s.schema.Name, key, err)
	}
	res, ok = obj.(P)
	if !ok {
		return res, false, fmt.Errorf("unexpected %T for %s", obj, s.schema.Name)
	}
	return res, true, nil
}

func first(obj engine.Object, relation string) engine.Object {
	ow, ok := obj.(engine.Owner)
	if !ok {
		return nil
	}
	for _, c := range ow.Children(relation) {
		if !engine.IsNil(c) {
			return c
		}
	}
	return nil
}

// schemaOf returns schema of the persisted type, P must be a pointer type
func schemaOf[P engine.Object]() engine.Schema {
	t := reflect.TypeOf((*P)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(P).ObjectSchema()
	}
	var zero P
	return zero.ObjectSchema()
}
