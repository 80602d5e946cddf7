package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// UpdatePolicy defines how Add treats records already stored with the same primary key
type UpdatePolicy int

// enum of update policies
const (
	UpdateModified UpdatePolicy = iota + 1 // merge by primary key, only changed records are written
	UpdateError                            // fail with ErrPrimaryKeyConflict
)

// BeginWrite opens a write transaction and brings loaded objects to the latest stored state.
// Write transactions of all handles of the engine are serialized.
func (h *Handle) BeginWrite() error {
	if h.eng.opts.ReadOnly {
		return ErrReadOnly
	}
	if h.tx != nil {
		return ErrInWrite
	}

	retries := h.eng.opts.BusyRetries
	if retries < 1 {
		retries = 1
	}
	rpt := repeater.New(&strategy.Backoff{Repeats: retries, Duration: 20 * time.Millisecond, Factor: 2, Jitter: true})
	var tx *sqlx.Tx
	err := rpt.Do(h.ctx, func() error {
		t, e := h.eng.db.BeginTxx(h.ctx, nil)
		if e != nil {
			return e
		}
		tx = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}

	h.tx = tx
	h.touched = map[string]bool{}
	if err = h.Refresh(); err != nil {
		_ = h.CancelWrite()
		return err
	}
	return nil
}

// CommitWrite flushes modified objects and commits the transaction. Observers registered with
// the skip tokens are not notified about this commit, later commits are delivered to them as usual.
func (h *Handle) CommitWrite(skip ...*NotificationToken) error {
	if h.tx == nil {
		return ErrNotInWrite
	}
	if err := h.flush(); err != nil {
		_ = h.CancelWrite()
		return err
	}
	err := h.eng.notifier.commit(h, h.touched, skip)
	h.tx, h.touched = nil, nil
	if err != nil {
		h.reset()
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CancelWrite rolls back the transaction. Loaded objects are detached from the handle.
func (h *Handle) CancelWrite() error {
	if h.tx == nil {
		return ErrNotInWrite
	}
	err := h.tx.Rollback()
	h.tx = nil
	h.reset()
	if err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

// Add stores objects with all their owned children. Objects become managed by the handle.
func (h *Handle) Add(policy UpdatePolicy, objs ...Object) error {
	if h.tx == nil {
		return ErrNotInWrite
	}
	if policy != UpdateModified && policy != UpdateError {
		return fmt.Errorf("invalid update policy %d", policy)
	}
	visited := map[Object]Ref{}
	for _, obj := range objs {
		if _, err := h.add(obj, policy, visited, true); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the record of a managed object. Owned children are not touched, links to
// the record are removed from its owners. Deleting an invalidated object is a no-op.
func (h *Handle) Delete(obj Object) error {
	if h.tx == nil {
		return ErrNotInWrite
	}
	if IsNil(obj) || h.invalid[obj] {
		return nil
	}
	ref, ok := h.managed(obj)
	if !ok {
		return fmt.Errorf("can't delete %T: %w", obj, ErrUnmanaged)
	}
	return h.deleteRef(ref)
}

// DeleteList removes every element of the list
func (h *Handle) DeleteList(l *List) error {
	if l == nil {
		return nil
	}
	return h.deleteAll(l.All())
}

// DeleteResults removes every record of the results
func (h *Handle) DeleteResults(r *Results) error {
	if r == nil {
		return nil
	}
	return h.deleteAll(r.All())
}

// DeleteAll removes all records of all types
func (h *Handle) DeleteAll() error {
	if h.tx == nil {
		return ErrNotInWrite
	}
	for _, q := range []string{"DELETE FROM objects", "DELETE FROM links"} {
		if _, err := h.tx.ExecContext(h.ctx, q); err != nil {
			return fmt.Errorf("failed to delete all: %w", err)
		}
	}
	refs := make([]Ref, 0, len(h.live))
	for ref := range h.live {
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		h.invalidate(ref)
	}
	for name := range h.eng.reg.byName {
		h.touched[name] = true
	}
	return nil
}

func (h *Handle) deleteAll(objs []Object) error {
	if h.tx == nil {
		return ErrNotInWrite
	}
	for _, obj := range objs {
		if err := h.Delete(obj); err != nil && !errors.Is(err, ErrUnmanaged) {
			return err
		}
	}
	return nil
}

func (h *Handle) deleteRef(ref Ref) error {
	type ownerRow struct {
		OwnerType string `db:"owner_type"`
		OwnerID   string `db:"owner_id"`
		Relation  string `db:"relation"`
	}
	var owners []ownerRow
	if err := h.tx.SelectContext(h.ctx, &owners,
		"SELECT DISTINCT owner_type, owner_id, relation FROM links WHERE child_type = ? AND child_id = ?",
		ref.Type, ref.ID); err != nil {
		return fmt.Errorf("failed to find owners of %s: %w", ref, err)
	}

	qs := []string{
		"DELETE FROM objects WHERE type = ? AND id = ?",
		"DELETE FROM links WHERE owner_type = ? AND owner_id = ?",
		"DELETE FROM links WHERE child_type = ? AND child_id = ?",
	}
	for _, q := range qs {
		if _, err := h.tx.ExecContext(h.ctx, q, ref.Type, ref.ID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", ref, err)
		}
	}

	victims := map[Object]bool{}
	if obj, ok := h.live[ref]; ok {
		victims[obj] = true
	}
	for _, alias := range h.aliases[ref] {
		victims[alias] = true
	}
	h.invalidate(ref)
	h.touched[ref.Type] = true

	// live owners lose the deleted child, like a stored list does
	for _, o := range owners {
		oref := Ref{Type: o.OwnerType, ID: o.OwnerID}
		h.touched[oref.Type] = true
		snap, ok := h.snaps[oref]
		if !ok {
			continue
		}
		snap.links = withoutRef(snap.links, o.Relation, ref)
		h.snaps[oref] = snap
		for _, owner := range append([]Object{h.live[oref]}, h.aliases[oref]...) {
			ow, ok := owner.(Owner)
			if !ok {
				continue
			}
			children := ow.Children(o.Relation)
			kept := make([]Object, 0, len(children))
			for _, c := range children {
				if !victims[c] {
					kept = append(kept, c)
				}
			}
			ow.SetChildren(o.Relation, kept)
		}
	}
	return nil
}

// add writes obj and its children, children first. explicit is false for the commit flush,
// where invalidated children are dropped instead of stored again.
func (h *Handle) add(obj Object, policy UpdatePolicy, visited map[Object]Ref, explicit bool) (Ref, error) {
	if IsNil(obj) {
		return Ref{}, fmt.Errorf("can't add nil object")
	}
	if ref, ok := visited[obj]; ok {
		return ref, nil
	}
	ti, err := h.eng.reg.lookup(obj)
	if err != nil {
		return Ref{}, err
	}

	ref, managed := h.managed(obj)
	if !managed {
		if ti.schema.PrimaryKey == "" {
			if idt := obj.(Identified); idt.ObjectID() == "" {
				idt.SetObjectID(uuid.NewString())
			}
		}
		if ref, err = IdentityOf(obj); err != nil {
			return Ref{}, err
		}
	}
	visited[obj] = ref

	links, err := h.childLinks(obj, ti, func(child Object) (Ref, bool, error) {
		if !explicit && h.invalid[child] {
			return Ref{}, false, nil
		}
		cr, err := h.add(child, policy, visited, explicit)
		return cr, true, err
	})
	if err != nil {
		return Ref{}, err
	}

	prev, exists, err := h.stored(ref)
	if err != nil {
		return Ref{}, err
	}
	if exists && !managed && policy == UpdateError && ti.schema.PrimaryKey != "" {
		return Ref{}, fmt.Errorf("%w: %s", ErrPrimaryKeyConflict, ref)
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to encode %s: %w", ref, err)
	}
	changed, err := h.write(ti, ref, body, links, prev, exists)
	if err != nil {
		return Ref{}, err
	}
	if managed && !changed {
		return ref, nil
	}
	h.bind(obj, ref, snapshot{body: body, links: links})
	for _, alias := range h.aliases[ref] {
		copyObject(alias, obj)
	}
	return ref, nil
}

// childLinks collects targets of all relations of obj through fn
func (h *Handle) childLinks(obj Object, ti *typeInfo, fn func(Object) (Ref, bool, error)) (map[string][]Ref, error) {
	links := map[string][]Ref{}
	if len(ti.schema.Relations) == 0 {
		return links, nil
	}
	owner := obj.(Owner)
	for _, rel := range ti.schema.Relations {
		children := owner.Children(rel.Name)
		if rel.Kind == OwnedObject && len(children) > 1 {
			return nil, fmt.Errorf("%s.%s holds %d objects, one allowed", ti.schema.Name, rel.Name, len(children))
		}
		for _, child := range children {
			if IsNil(child) {
				continue
			}
			if name := child.ObjectSchema().Name; name != rel.Type {
				return nil, fmt.Errorf("%s.%s expects %s, got %s", ti.schema.Name, rel.Name, rel.Type, name)
			}
			cr, ok, err := fn(child)
			if err != nil {
				return nil, err
			}
			if ok {
				links[rel.Name] = append(links[rel.Name], cr)
			}
		}
	}
	return links, nil
}

// stored returns the last known stored state of ref
func (h *Handle) stored(ref Ref) (snapshot, bool, error) {
	if snap, ok := h.snaps[ref]; ok {
		return snap, true, nil
	}
	row, err := h.row(ref)
	if errors.Is(err, ErrNotFound) {
		return snapshot{}, false, nil
	}
	if err != nil {
		return snapshot{}, false, err
	}
	plain, err := h.eng.sealer.open(row.Body)
	if err != nil {
		return snapshot{}, false, err
	}
	links, err := h.loadLinks(ref)
	if err != nil {
		return snapshot{}, false, err
	}
	return snapshot{body: plain, links: links}, true, nil
}

// write stores body and links of ref, changed is false if the stored state is the same
func (h *Handle) write(ti *typeInfo, ref Ref, body []byte, links map[string][]Ref, prev snapshot, exists bool) (changed bool, err error) {
	bodyChanged := !exists || !bytes.Equal(prev.body, body)
	if !bodyChanged && linksEqual(prev.links, links) {
		return false, nil
	}

	if bodyChanged {
		sealed, err := h.eng.sealer.seal(body)
		if err != nil {
			return false, err
		}
		if exists {
			_, err = h.tx.ExecContext(h.ctx, "UPDATE objects SET body = ? WHERE type = ? AND id = ?", sealed, ref.Type, ref.ID)
		} else {
			_, err = h.tx.ExecContext(h.ctx, "INSERT INTO objects (type, id, body) VALUES (?, ?, ?)", ref.Type, ref.ID, sealed)
		}
		if err != nil {
			return false, fmt.Errorf("failed to write %s: %w", ref, err)
		}
	}

	for _, rel := range ti.schema.Relations {
		if refsEqual(prev.links[rel.Name], links[rel.Name]) {
			continue
		}
		if _, err := h.tx.ExecContext(h.ctx, "DELETE FROM links WHERE owner_type = ? AND owner_id = ? AND relation = ?",
			ref.Type, ref.ID, rel.Name); err != nil {
			return false, fmt.Errorf("failed to reset %s.%s: %w", ref, rel.Name, err)
		}
		for pos, cr := range links[rel.Name] {
			if _, err := h.tx.ExecContext(h.ctx, "INSERT INTO links (owner_type, owner_id, relation, pos, child_type, child_id) "+
				"VALUES (?, ?, ?, ?, ?, ?)", ref.Type, ref.ID, rel.Name, pos, cr.Type, cr.ID); err != nil {
				return false, fmt.Errorf("failed to link %s.%s: %w", ref, rel.Name, err)
			}
		}
	}
	h.touched[ref.Type] = true
	return true, nil
}

// flush writes modifications the caller made to managed objects. When several pointers are
// bound to one record, the first modified one is written and copied into the rest.
func (h *Handle) flush() error {
	refs := make([]Ref, 0, len(h.live))
	for ref := range h.live {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })

	visited := map[Object]Ref{}
	for _, ref := range refs {
		obj, ok := h.live[ref]
		if !ok {
			continue
		}
		if !h.dirty(obj, ref) {
			for _, alias := range h.aliases[ref] {
				if h.dirty(alias, ref) {
					obj = alias
					break
				}
			}
		}
		if _, err := h.add(obj, UpdateModified, visited, false); err != nil {
			return err
		}
	}
	return nil
}

// dirty tells if obj differs from the last known stored state of ref
func (h *Handle) dirty(obj Object, ref Ref) bool {
	snap, ok := h.snaps[ref]
	if !ok {
		return true
	}
	body, err := json.Marshal(obj)
	if err != nil || !bytes.Equal(body, snap.body) {
		return true
	}
	owner, ok := obj.(Owner)
	if !ok {
		return false
	}
	for _, rel := range obj.ObjectSchema().Relations {
		var refs []Ref
		for _, c := range owner.Children(rel.Name) {
			if IsNil(c) {
				continue
			}
			cr, ok := h.managed(c)
			if !ok {
				return true
			}
			refs = append(refs, cr)
		}
		if !refsEqual(refs, snap.links[rel.Name]) {
			return true
		}
	}
	return false
}

func refsEqual(a, b []Ref) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func withoutRef(links map[string][]Ref, relation string, ref Ref) map[string][]Ref {
	res := make(map[string][]Ref, len(links))
	for name, refs := range links {
		if name != relation {
			res[name] = refs
			continue
		}
		kept := make([]Ref, 0, len(refs))
		for _, r := range refs {
			if r != ref {
				kept = append(kept, r)
			}
		}
		res[name] = kept
	}
	return res
}
