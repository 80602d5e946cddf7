// Package layer is a typed object layer over live persisted models. Writes run on the
// coordinator queues asynchronously or on the calling goroutine, reads and observations use
// the caller's handle.
package layer

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

// Method defines where a write runs
type Method int

// enum of write methods
const (
	Async Method = iota // on a coordinator queue, completion delivered later
	Sync                // on the calling goroutine, completion called before return
)

func (m Method) String() string {
	switch m {
	case Async:
		return "async"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Layer gives typed access to persisted objects of type T
type Layer[T engine.Object] struct {
	builder   coordinator.Builder
	coord     *coordinator.Coordinator
	schema    engine.Schema
	deliverOn coordinator.Dispatcher
}

// Option modifies layer
type Option func(o *options)

type options struct {
	deliverOn coordinator.Dispatcher
}

// WithDeliverOn sets dispatcher for async completions
func WithDeliverOn(d coordinator.Dispatcher) Option {
	return func(o *options) { o.deliverOn = d }
}

// New makes layer for T, T must be a registered pointer type
func New[T engine.Object](builder coordinator.Builder, coord *coordinator.Coordinator, opts ...Option) *Layer[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Layer[T]{builder: builder, coord: coord, schema: schemaOf[T](), deliverOn: o.deliverOn}
}

// Handle makes a fresh handle for reads and sync writes
func (l *Layer[T]) Handle(ctx context.Context) (*engine.Handle, error) {
	return l.builder.Build(ctx)
}

// Save adds objects with their owned children. update replaces records with the same primary key
// and is ignored for types without one. Objects must not be modified until completion.
func (l *Layer[T]) Save(ctx context.Context, objs []T, update bool, method Method,
	withoutNotifying []*engine.NotificationToken, completion func(err error)) {
	if len(objs) == 0 {
		if completion != nil {
			completion(nil)
		}
		return
	}
	policy := engine.UpdateError
	if update && l.schema.PrimaryKey != "" {
		policy = engine.UpdateModified
	}
	req := coordinator.Request{
		Queue:            coordinator.QueueWrite,
		WithoutNotifying: withoutNotifying,
		DeliverOn:        l.deliverOn,
		Completion:       completion,
		Op: func(h *engine.Handle, _ []reference.Resolved) error {
			return h.Add(policy, objects(objs)...)
		},
	}
	l.execute(ctx, nil, method, req)
}

// SaveOne adds a single object
func (l *Layer[T]) SaveOne(ctx context.Context, obj T, update bool, method Method,
	withoutNotifying []*engine.NotificationToken, completion func(err error)) {
	l.Save(ctx, []T{obj}, update, method, withoutNotifying, completion)
}

// Edit runs edit inside a write transaction. Async resolves the item on the edit queue, the item
// must be managed by h there. Sync edits the item on the calling goroutine with h, or with a fresh
// handle when h is nil, and item is attached to it.
func (l *Layer[T]) Edit(h *engine.Handle, item T, method Method, withoutNotifying []*engine.NotificationToken,
	edit func(h *engine.Handle, item T) error, completion func(err error)) {
	req := coordinator.Request{
		Queue:            coordinator.QueueEdit,
		WithoutNotifying: withoutNotifying,
		DeliverOn:        l.deliverOn,
		Completion:       completion,
	}

	if method == Sync {
		req.Op = func(wh *engine.Handle, _ []reference.Resolved) error {
			if !wh.IsManaged(item) {
				if err := wh.Attach(item); err != nil {
					return fmt.Errorf("can't attach %s: %w", l.schema.Name, err)
				}
			}
			return edit(wh, item)
		}
		l.execute(contextOf(h), h, Sync, req)
		return
	}

	tok, err := reference.Capture(item)
	if err != nil {
		l.fail(req, err)
		return
	}
	req.Refs = []reference.Token{tok}
	req.Op = func(wh *engine.Handle, resolved []reference.Resolved) error {
		obj, ok := resolved[0].Object.(T)
		if !ok {
			return fmt.Errorf("unexpected %T for %s", resolved[0].Object, l.schema.Name)
		}
		return edit(wh, obj)
	}
	l.coord.Execute(req)
}

// EditResults resolves the results on the edit queue and runs edit for its items
func (l *Layer[T]) EditResults(r *engine.Results, withoutNotifying []*engine.NotificationToken,
	edit func(h *engine.Handle, items []T) error, completion func(err error)) {
	if r == nil {
		l.finish(coordinator.Request{DeliverOn: l.deliverOn, Completion: completion}, nil)
		return
	}
	req := coordinator.Request{
		Queue:            coordinator.QueueEdit,
		Refs:             []reference.Token{reference.CaptureResults(r)},
		WithoutNotifying: withoutNotifying,
		DeliverOn:        l.deliverOn,
		Completion:       completion,
		Op: func(wh *engine.Handle, resolved []reference.Resolved) error {
			return edit(wh, typed[T](resolved[0].Results.All()))
		},
	}
	l.coord.Execute(req)
}

// Delete removes item on the delete queue. Item deleted meanwhile is skipped.
func (l *Layer[T]) Delete(item T, m cascade.Method, withoutNotifying []*engine.NotificationToken, completion func(err error)) {
	req := coordinator.Request{
		Queue:            coordinator.QueueDelete,
		WithoutNotifying: withoutNotifying,
		DeliverOn:        l.deliverOn,
		Completion:       completion,
	}
	tok, err := reference.Capture(item)
	if err != nil {
		l.fail(req, err)
		return
	}
	req.Refs = []reference.Token{tok}
	req.Op = func(wh *engine.Handle, resolved []reference.Resolved) error {
		return cascade.DeleteObject(wh, resolved[0].Object, m)
	}
	l.coord.Execute(req)
}

// DeleteList removes elements of an owned list on the delete queue
func (l *Layer[T]) DeleteList(list *engine.List, m cascade.Method, withoutNotifying []*engine.NotificationToken, completion func(err error)) {
	if list == nil {
		l.finish(coordinator.Request{DeliverOn: l.deliverOn, Completion: completion}, nil)
		return
	}
	l.coord.Execute(coordinator.Request{
		Queue:            coordinator.QueueDelete,
		Refs:             []reference.Token{reference.CaptureList(list)},
		WithoutNotifying: withoutNotifying,
		DeliverOn:        l.deliverOn,
		Completion:       completion,
		Op: func(wh *engine.Handle, resolved []reference.Resolved) error {
			return cascade.DeleteList(wh, resolved[0].List, m)
		},
	})
}

// DeleteResults removes records of the results on the delete queue
func (l *Layer[T]) DeleteResults(r *engine.Results, m cascade.Method, withoutNotifying []*engine.NotificationToken, completion func(err error)) {
	if r == nil {
		l.finish(coordinator.Request{DeliverOn: l.deliverOn, Completion: completion}, nil)
		return
	}
	l.coord.Execute(coordinator.Request{
		Queue:            coordinator.QueueDelete,
		Refs:             []reference.Token{reference.CaptureResults(r)},
		WithoutNotifying: withoutNotifying,
		DeliverOn:        l.deliverOn,
		Completion:       completion,
		Op: func(wh *engine.Handle, resolved []reference.Resolved) error {
			return cascade.DeleteResults(wh, resolved[0].Results, m)
		},
	})
}

// DeleteObjects removes records of objs on the calling goroutine, owned children are kept.
// Objects without stored record are skipped.
func (l *Layer[T]) DeleteObjects(ctx context.Context, objs []T) error {
	return l.coord.ExecuteSync(ctx, nil, coordinator.Request{
		Queue: coordinator.QueueDelete,
		Op: func(wh *engine.Handle, _ []reference.Resolved) error {
			for _, obj := range objs {
				if err := wh.Attach(obj); err != nil {
					if errors.Is(err, engine.ErrNotFound) || errors.Is(err, engine.ErrUnmanaged) {
						continue
					}
					return err
				}
				if err := wh.Delete(obj); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// DeleteAll removes every record of every type on the calling goroutine
func (l *Layer[T]) DeleteAll(ctx context.Context) error {
	return l.coord.ExecuteSync(ctx, nil, coordinator.Request{
		Queue: coordinator.QueueDelete,
		Op:    func(wh *engine.Handle, _ []reference.Resolved) error { return wh.DeleteAll() },
	})
}

// All returns all records of T live in h
func (l *Layer[T]) All(h *engine.Handle) (*engine.Results, error) {
	return h.Objects(l.schema.Name)
}

// Item returns record of T by primary key, ok is false if there is none
func (l *Layer[T]) Item(h *engine.Handle, key any) (res T, ok bool, err error) {
	obj, err := h.Object(l.schema.Name, key)
	if errors.Is(err, engine.ErrNotFound) {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}
	res, ok = obj.(T)
	return res, ok, nil
}

// ObserveItem observes item live in h, see observe.Item
func (l *Layer[T]) ObserveItem(h *engine.Handle, item T, hs observe.ItemHandlers[T]) *engine.NotificationToken {
	return observe.Item(h, item, hs)
}

// ObserveResults observes results live in h, see observe.Results
func (l *Layer[T]) ObserveResults(h *engine.Handle, r *engine.Results, hs observe.ResultsHandlers[T]) *engine.NotificationToken {
	return observe.Results(h, r, hs)
}

// HandleObserveError calls notFound for observe.ErrItemNotFound and logs any other error
func HandleObserveError(err error, notFound func()) {
	if errors.Is(err, observe.ErrItemNotFound) {
		if notFound != nil {
			notFound()
		}
		return
	}
	log.Printf("[ERROR] observation failed, %v", err)
}

func (l *Layer[T]) execute(ctx context.Context, h *engine.Handle, method Method, req coordinator.Request) {
	if method == Sync {
		if err := l.coord.ExecuteSync(ctx, h, req); err != nil {
			log.Printf("[WARN] sync %s of %s failed, %v", req.Queue, l.schema.Name, err)
		}
		return
	}
	l.coord.Execute(req)
}

// fail delivers err for a request which could not be queued
func (l *Layer[T]) fail(req coordinator.Request, err error) {
	log.Printf("[WARN] can't queue %s of %s, %v", req.Queue, l.schema.Name, err)
	l.finish(req, fmt.Errorf("%w: %w", reference.ErrResolution, err))
}

// finish delivers completion of a request which never reached a queue
func (l *Layer[T]) finish(req coordinator.Request, err error) {
	if req.Completion == nil {
		return
	}
	if req.DeliverOn != nil {
		req.DeliverOn.Dispatch(func() { req.Completion(err) })
		return
	}
	req.Completion(err)
}

func contextOf(h *engine.Handle) context.Context {
	if h == nil {
		return context.Background()
	}
	return h.Context()
}

func objects[T engine.Object](objs []T) []engine.Object {
	res := make([]engine.Object, 0, len(objs))
	for _, o := range objs {
		res = append(res, o)
	}
	return res
}

func typed[T engine.Object](objs []engine.Object) []T {
	res := make([]T, 0, len(objs))
	for _, o := range objs {
		if v, ok := o.(T); ok {
			res = append(res, v)
		}
	}
	return res
}

func schemaOf[T engine.Object]() engine.Schema {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(T).ObjectSchema()
	}
	var zero T
	return zero.ObjectSchema()
}
