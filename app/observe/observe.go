// Package observe republishes engine change notifications as typed events for a single item
// or a result set, and keeps named subscription tokens in an injectable registry.
package observe

import (
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/objstore/app/engine"
)

// ErrItemNotFound reported when observed item is absent
var ErrItemNotFound = errors.New("item not found")

// EngineError is an engine failure surfaced through the error callback
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string { return "engine error: " + e.Message }

// ItemHandlers are callbacks of a single item observation. Any of them can be nil.
// OnInitial is called synchronously from Item, the rest on the engine notification goroutine.
type ItemHandlers[T any] struct {
	OnError   func(err error)
	OnInitial func(item T)
	OnChange  func(item T, properties []engine.PropertyChange)
	OnDeleted func()
}

// ResultsHandlers are callbacks of a result set observation. Any of them can be nil.
// Deletions are indices in the previous items, insertions and modifications in the new ones.
type ResultsHandlers[T any] struct {
	OnError   func(err error)
	OnInitial func(items []T)
	OnUpdate  func(items []T, deletions, insertions, modifications []int)
}

// Item starts observation of a managed item. Nil item signals ErrItemNotFound and returns nil token.
func Item[T engine.Object](h *engine.Handle, item T, hs ItemHandlers[T]) *engine.NotificationToken {
	if engine.IsNil(item) {
		hs.onError(ErrItemNotFound)
		return nil
	}
	tok, err := h.ObserveObject(item, func(ch engine.ObjectChange) {
		switch {
		case ch.Err != nil:
			hs.onError(&EngineError{Message: ch.Err.Error()})
		case ch.Deleted:
			if hs.OnDeleted != nil {
				hs.OnDeleted()
			}
		default:
			obj, ok := ch.Object.(T)
			if !ok {
				hs.onError(&EngineError{Message: fmt.Sprintf("unexpected object %T", ch.Object)})
				return
			}
			if hs.OnChange != nil {
				hs.OnChange(obj, ch.Properties)
			}
		}
	})
	if err != nil {
		hs.onError(&EngineError{Message: err.Error()})
		return nil
	}
	if hs.OnInitial != nil {
		hs.OnInitial(item)
	}
	return tok
}

// Results starts observation of the result set. Nil results return nil token without callbacks.
func Results[T engine.Object](h *engine.Handle, r *engine.Results, hs ResultsHandlers[T]) *engine.NotificationToken {
	if r == nil {
		return nil
	}
	return MapResults(h, r, func(obj engine.Object) (T, bool) {
		v, ok := obj.(T)
		return v, ok
	}, hs)
}

// MapResults observes the result set and delivers items converted by conv. Objects conv
// rejects are skipped.
func MapResults[T any](h *engine.Handle, r *engine.Results, conv func(engine.Object) (T, bool), hs ResultsHandlers[T]) *engine.NotificationToken {
	if r == nil {
		return nil
	}
	tok, err := h.ObserveResults(r, func(ch engine.ResultsChange) {
		switch ch.Kind {
		case engine.ResultsError:
			hs.onError(&EngineError{Message: errMessage(ch.Err)})
		case engine.ResultsInitial:
			if hs.OnInitial != nil {
				hs.OnInitial(convert(ch.Results, conv))
			}
		case engine.ResultsUpdate:
			if hs.OnUpdate != nil {
				hs.OnUpdate(convert(ch.Results, conv), ch.Deletions, ch.Insertions, ch.Modifications)
			}
		}
	})
	if err != nil {
		hs.onError(&EngineError{Message: err.Error()})
		return nil
	}
	return tok
}

func (hs ItemHandlers[T]) onError(err error) {
	if hs.OnError == nil {
		log.Printf("[WARN] item observation failed, %v", err)
		return
	}
	hs.OnError(err)
}

func (hs ResultsHandlers[T]) onError(err error) {
	if hs.OnError == nil {
		log.Printf("[WARN] results observation failed, %v", err)
		return
	}
	hs.OnError(err)
}

func convert[T any](r *engine.Results, conv func(engine.Object) (T, bool)) []T {
	if r == nil {
		return nil
	}
	res := make([]T, 0, r.Len())
	for _, obj := range r.All() {
		if v, ok := conv(obj); ok {
			res = append(res, v)
		}
	}
	return res
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
