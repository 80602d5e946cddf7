// Package cascade deletes object graphs. Only relations declared in the object schema are
// walked, so every owned object and owned list element reachable from the root goes away
// together with it.
package cascade

import (
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/objstore/app/engine"
)

// Method defines how much of the graph a delete removes
type Method int

// enum of delete methods
const (
	Cascade Method = iota // root with all owned descendants
	Normal                // root only, owned descendants stay orphaned
)

func (m Method) String() string {
	switch m {
	case Cascade:
		return "cascade"
	case Normal:
		return "normal"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Delete removes obj with all its owned descendants, children first. Objects already deleted
// in this handle, including by an earlier branch of the same walk, are skipped. Both current
// children of the live object and children stored for its record are walked.
func Delete(h *engine.Handle, obj engine.Object) error {
	if engine.IsNil(obj) || h.IsInvalidated(obj) {
		return nil
	}
	for _, rel := range obj.ObjectSchema().Relations {
		children, err := children(h, obj, rel.Name)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := Delete(h, child); err != nil {
				return err
			}
		}
	}
	if err := h.Delete(obj); err != nil {
		if errors.Is(err, engine.ErrUnmanaged) {
			return nil // never stored
		}
		return fmt.Errorf("failed to delete %T: %w", obj, err)
	}
	return nil
}

// DeleteObject removes obj with the given method
func DeleteObject(h *engine.Handle, obj engine.Object, m Method) error {
	if m == Cascade {
		return Delete(h, obj)
	}
	if err := h.Delete(obj); err != nil && !errors.Is(err, engine.ErrUnmanaged) {
		return fmt.Errorf("failed to delete %T: %w", obj, err)
	}
	return nil
}

// DeleteList removes every element of the list with the given method
func DeleteList(h *engine.Handle, l *engine.List, m Method) error {
	if l == nil {
		return nil
	}
	return deleteAll(h, l.All(), m)
}

// DeleteResults removes every record of the results with the given method
func DeleteResults(h *engine.Handle, r *engine.Results, m Method) error {
	if r == nil {
		return nil
	}
	return deleteAll(h, r.All(), m)
}

func deleteAll(h *engine.Handle, objs []engine.Object, m Method) error {
	if !h.InWrite() {
		return engine.ErrNotInWrite
	}
	for _, obj := range objs {
		if err := DeleteObject(h, obj, m); err != nil {
			return err
		}
	}
	log.Printf("[DEBUG] %s delete of %d objects", m, len(objs))
	return nil
}

// children returns a copy of the relation targets, since deleting a child removes it from the
// owner. Stored targets missing from the live object are added at the end.
func children(h *engine.Handle, obj engine.Object, relation string) ([]engine.Object, error) {
	var res []engine.Object
	if ow, ok := obj.(engine.Owner); ok {
		for _, c := range ow.Children(relation) {
			if !engine.IsNil(c) {
				res = append(res, c)
			}
		}
	}
	if !h.IsManaged(obj) {
		return res, nil
	}
	stored, err := h.Linked(obj, relation)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s of %T: %w", relation, obj, err)
	}
	for _, s := range stored {
		dup := false
		for _, c := range res {
			if h.IsSame(c, s) {
				dup = true
				break
			}
		}
		if !dup {
			res = append(res, s)
		}
	}
	return res, nil
}
