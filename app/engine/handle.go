package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/jmoiron/sqlx"
)

// Handle is a session over the engine. It keeps an identity map, so the same record
// materializes as the same pointer within a handle, and snapshots of loaded records
// used to detect modifications made by the caller inside a write transaction.
// Each read call outside a write transaction sees a single stored state, objects loaded earlier
// are brought to that state when the call reaches them.
// Handle is not safe for concurrent use.
type Handle struct {
	eng     *Engine
	ctx     context.Context
	tx      *sqlx.Tx
	rtx     *sqlx.Tx         // read transaction of the current read call
	fresh   map[Ref]bool     // records checked against the read transaction
	live    map[Ref]Object   // canonical pointer per record
	aliases map[Ref][]Object // other pointers bound to the same record
	refs    map[Object]Ref
	snaps   map[Ref]snapshot
	invalid map[Object]bool
	touched map[string]bool // types changed in the current write
}

// snapshot is the last known stored state of a record, body is canonical json
type snapshot struct {
	body  []byte
	links map[string][]Ref
}

type objectRow struct {
	Seq  int64  `db:"seq"`
	Type string `db:"type"`
	ID   string `db:"id"`
	Body []byte `db:"body"`
}

type linkRow struct {
	Relation  string `db:"relation"`
	ChildType string `db:"child_type"`
	ChildID   string `db:"child_id"`
}

func newHandle(ctx context.Context, e *Engine) *Handle {
	return &Handle{
		eng:     e,
		ctx:     ctx,
		live:    map[Ref]Object{},
		aliases: map[Ref][]Object{},
		refs:    map[Object]Ref{},
		snaps:   map[Ref]snapshot{},
		invalid: map[Object]bool{},
	}
}

// Engine returns the engine of the handle
func (h *Handle) Engine() *Engine { return h.eng }

// Context returns the handle context
func (h *Handle) Context() context.Context { return h.ctx }

// InWrite tells if a write transaction is open
func (h *Handle) InWrite() bool { return h.tx != nil }

func (h *Handle) q() sqlx.ExtContext {
	if h.tx != nil {
		return h.tx
	}
	if h.rtx != nil {
		return h.rtx
	}
	return h.eng.rdb
}

// reading runs fn inside a read transaction unless a write or read transaction is already open
func (h *Handle) reading(fn func() error) error {
	if h.tx != nil || h.rtx != nil {
		return fn()
	}
	rtx, err := h.eng.rdb.BeginTxx(h.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin read: %w", err)
	}
	h.rtx, h.fresh = rtx, map[Ref]bool{}
	defer func() {
		h.rtx, h.fresh = nil, nil
		_ = rtx.Rollback()
	}()
	return fn()
}

// Object returns the record of the type with the given primary key (or object id for types
// without primary key). Returns ErrNotFound if there is no such record.
func (h *Handle) Object(typeName string, key any) (Object, error) {
	if _, err := h.eng.reg.byTypeName(typeName); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("nil key for %s: %w", typeName, ErrNotFound)
	}
	var res Object
	err := h.reading(func() (err error) {
		res, err = h.get(Ref{Type: typeName, ID: keyOf(key)})
		return err
	})
	return res, err
}

// Objects returns all records of the type in insertion order
func (h *Handle) Objects(typeName string) (*Results, error) {
	return h.Query(typeName, nil)
}

// Query returns records of the type accepted by filter, nil filter accepts all
func (h *Handle) Query(typeName string, filter func(Object) bool) (*Results, error) {
	if _, err := h.eng.reg.byTypeName(typeName); err != nil {
		return nil, err
	}
	res := &Results{typ: typeName, filter: filter}
	err := h.reading(func() error {
		var rows []objectRow
		if err := sqlx.SelectContext(h.ctx, h.q(), &rows,
			"SELECT seq, type, id, body FROM objects WHERE type = ? ORDER BY seq", typeName); err != nil {
			return fmt.Errorf("failed to query %s: %w", typeName, err)
		}
		res.items = make([]Object, 0, len(rows))
		for _, row := range rows {
			obj, err := h.materialize(row)
			if err != nil {
				return err
			}
			if filter != nil && !filter(obj) {
				continue
			}
			res.items = append(res.items, obj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Count returns number of records of the type
func (h *Handle) Count(typeName string) (int, error) {
	if _, err := h.eng.reg.byTypeName(typeName); err != nil {
		return 0, err
	}
	var n int
	if err := sqlx.GetContext(h.ctx, h.q(), &n, "SELECT COUNT(*) FROM objects WHERE type = ?", typeName); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", typeName, err)
	}
	return n, nil
}

// List returns the owned list relation of a managed owner
func (h *Handle) List(owner Object, relation string) (*List, error) {
	ref, ok := h.managed(owner)
	if !ok {
		return nil, ErrUnmanaged
	}
	rel, ok := owner.ObjectSchema().Relation(relation)
	if !ok {
		return nil, fmt.Errorf("%s has no relation %q", ref.Type, relation)
	}
	return &List{owner: owner, ownerRef: ref, relation: rel.Name, items: owner.(Owner).Children(rel.Name)}, nil
}

// Linked returns stored targets of the relation of obj, ignoring in-memory changes made to obj.
// obj may be unmanaged, it is located by its identity. Returns nil if the record doesn't exist.
func (h *Handle) Linked(obj Object, relation string) ([]Object, error) {
	ref, ok := h.managed(obj)
	if !ok {
		var err error
		if ref, err = IdentityOf(obj); err != nil {
			return nil, nil //nolint:nilerr // never stored, nothing linked
		}
	}
	if _, ok := obj.ObjectSchema().Relation(relation); !ok {
		return nil, fmt.Errorf("%s has no relation %q", ref.Type, relation)
	}
	var res []Object
	err := h.reading(func() error {
		links, err := h.loadLinks(ref)
		if err != nil {
			return err
		}
		res = make([]Object, 0, len(links[relation]))
		for _, cr := range links[relation] {
			child, err := h.get(cr)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			res = append(res, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// IsInvalidated tells if obj was deleted through this handle
func (h *Handle) IsInvalidated(obj Object) bool {
	return h.invalid[obj]
}

// IsManaged tells if obj is bound to a stored record in this handle
func (h *Handle) IsManaged(obj Object) bool {
	_, ok := h.managed(obj)
	return ok
}

// IsSame tells if a and b are the same pointer or both bound to the same record
func (h *Handle) IsSame(a, b Object) bool {
	if IsNil(a) || IsNil(b) {
		return false
	}
	if a == b {
		return true
	}
	ra, okA := h.managed(a)
	rb, okB := h.managed(b)
	return okA && okB && ra == rb
}

// RefOf returns the record identity of a managed object
func (h *Handle) RefOf(obj Object) (Ref, bool) {
	return h.managed(obj)
}

// Attach binds obj, usually a pointer read through another handle, to its stored record, so
// modifications made to it inside a write transaction are flushed at commit.
func (h *Handle) Attach(obj Object) error {
	if IsNil(obj) {
		return fmt.Errorf("nil object: %w", ErrUnmanaged)
	}
	if _, ok := h.managed(obj); ok {
		return nil
	}
	if _, err := h.eng.reg.lookup(obj); err != nil {
		return err
	}
	ref, err := IdentityOf(obj)
	if err != nil {
		return err
	}
	var canonical Object
	if err = h.reading(func() (err error) {
		canonical, err = h.get(ref)
		return err
	}); err != nil {
		return err
	}
	if canonical != obj {
		h.aliases[ref] = append(h.aliases[ref], obj)
		h.refs[obj] = ref
		delete(h.invalid, obj)
	}
	return nil
}

// Refresh brings loaded objects to the latest stored state. Records removed by other handles
// invalidate their objects.
func (h *Handle) Refresh() error {
	return h.reading(func() error {
		refs := make([]Ref, 0, len(h.live))
		for ref := range h.live {
			refs = append(refs, ref)
		}
		for _, ref := range refs {
			obj, ok := h.live[ref]
			if !ok || h.fresh[ref] {
				continue
			}
			row, err := h.row(ref)
			if errors.Is(err, ErrNotFound) {
				h.invalidate(ref)
				continue
			}
			if err != nil {
				return err
			}
			h.markFresh(ref)
			if err = h.reload(obj, ref, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drops the identity map and rolls back an open write transaction
func (h *Handle) Close() error {
	var err error
	if h.tx != nil {
		err = h.CancelWrite()
	}
	h.reset()
	return err
}

func (h *Handle) managed(obj Object) (Ref, bool) {
	if IsNil(obj) || h.invalid[obj] {
		return Ref{}, false
	}
	ref, ok := h.refs[obj]
	return ref, ok
}

// get returns live object for ref, loading it if needed. Outside a write transaction a live
// object is checked against the stored state once per read transaction.
func (h *Handle) get(ref Ref) (Object, error) {
	if obj, ok := h.live[ref]; ok && (h.tx != nil || h.fresh[ref]) {
		return obj, nil
	}
	row, err := h.row(ref)
	if errors.Is(err, ErrNotFound) {
		h.invalidate(ref)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return h.materialize(row)
}

func (h *Handle) markFresh(ref Ref) {
	if h.fresh != nil {
		h.fresh[ref] = true
	}
}

func (h *Handle) row(ref Ref) (objectRow, error) {
	var row objectRow
	err := sqlx.GetContext(h.ctx, h.q(), &row,
		"SELECT seq, type, id, body FROM objects WHERE type = ? AND id = ?", ref.Type, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return objectRow{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return objectRow{}, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	return row, nil
}

func (h *Handle) loadLinks(ref Ref) (map[string][]Ref, error) {
	var rows []linkRow
	if err := sqlx.SelectContext(h.ctx, h.q(), &rows,
		"SELECT relation, child_type, child_id FROM links WHERE owner_type = ? AND owner_id = ? ORDER BY relation, pos",
		ref.Type, ref.ID); err != nil {
		return nil, fmt.Errorf("failed to load links of %s: %w", ref, err)
	}
	res := map[string][]Ref{}
	for _, r := range rows {
		res[r.Relation] = append(res[r.Relation], Ref{Type: r.ChildType, ID: r.ChildID})
	}
	return res, nil
}

// materialize makes a live object from a stored row. The object is registered before its
// children are loaded, so cyclic links resolve to the same pointer.
func (h *Handle) materialize(row objectRow) (Object, error) {
	ref := Ref{Type: row.Type, ID: row.ID}
	if obj, ok := h.live[ref]; ok {
		if h.tx != nil || h.fresh[ref] {
			return obj, nil
		}
		h.markFresh(ref)
		if err := h.reload(obj, ref, row); err != nil {
			return nil, err
		}
		return obj, nil
	}
	h.markFresh(ref)
	plain, err := h.eng.sealer.open(row.Body)
	if err != nil {
		return nil, err
	}
	obj, err := h.eng.reg.create(row.Type)
	if err != nil {
		return nil, err
	}
	if err = h.decode(obj, ref, plain); err != nil {
		return nil, err
	}
	links, err := h.loadLinks(ref)
	if err != nil {
		return nil, err
	}
	h.bind(obj, ref, snapshot{body: h.canonical(obj, plain), links: links})
	if err = h.setChildren(obj, links); err != nil {
		return nil, err
	}
	return obj, nil
}

// reload brings live obj to the stored row if it differs from the snapshot
func (h *Handle) reload(obj Object, ref Ref, row objectRow) error {
	plain, err := h.eng.sealer.open(row.Body)
	if err != nil {
		return err
	}
	links, err := h.loadLinks(ref)
	if err != nil {
		return err
	}
	snap := h.snaps[ref]
	if bytes.Equal(plain, snap.body) && linksEqual(links, snap.links) {
		if h.tx != nil {
			return nil
		}
		return h.setChildren(obj, links) // children may have changed on their own
	}
	if err = h.decode(obj, ref, plain); err != nil {
		return err
	}
	h.snaps[ref] = snapshot{body: h.canonical(obj, plain), links: links}
	if err = h.setChildren(obj, links); err != nil {
		return err
	}
	for _, alias := range h.aliases[ref] {
		copyObject(alias, obj)
	}
	return nil
}

// decode resets obj and fills it from the stored body
func (h *Handle) decode(obj Object, ref Ref, body []byte) error {
	v := reflect.ValueOf(obj).Elem()
	v.Set(reflect.Zero(v.Type()))
	if err := json.Unmarshal(body, obj); err != nil {
		return fmt.Errorf("failed to decode %s: %w", ref, err)
	}
	if idt, ok := obj.(Identified); ok && obj.ObjectSchema().PrimaryKey == "" {
		idt.SetObjectID(ref.ID)
	}
	return nil
}

// canonical returns json of obj as it would be written, falls back to stored body
func (h *Handle) canonical(obj Object, stored []byte) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		return stored
	}
	return data
}

func (h *Handle) setChildren(obj Object, links map[string][]Ref) error {
	owner, ok := obj.(Owner)
	if !ok {
		return nil
	}
	for _, rel := range obj.ObjectSchema().Relations {
		refs := links[rel.Name]
		children := make([]Object, 0, len(refs))
		for _, cr := range refs {
			child, err := h.get(cr)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		owner.SetChildren(rel.Name, children)
	}
	return nil
}

func (h *Handle) bind(obj Object, ref Ref, snap snapshot) {
	if prev, ok := h.live[ref]; ok && prev != obj {
		aliases := make([]Object, 0, len(h.aliases[ref])+1)
		for _, a := range h.aliases[ref] {
			if a != obj {
				aliases = append(aliases, a)
			}
		}
		h.aliases[ref] = append(aliases, prev)
	}
	h.live[ref] = obj
	h.refs[obj] = ref
	h.snaps[ref] = snap
	delete(h.invalid, obj)
}

// invalidate marks all pointers of ref as deleted and forgets the record
func (h *Handle) invalidate(ref Ref) {
	if obj, ok := h.live[ref]; ok {
		h.invalid[obj] = true
		delete(h.refs, obj)
	}
	for _, alias := range h.aliases[ref] {
		h.invalid[alias] = true
		delete(h.refs, alias)
	}
	delete(h.live, ref)
	delete(h.aliases, ref)
	delete(h.snaps, ref)
}

func (h *Handle) reset() {
	h.live = map[Ref]Object{}
	h.aliases = map[Ref][]Object{}
	h.refs = map[Object]Ref{}
	h.snaps = map[Ref]snapshot{}
	h.invalid = map[Object]bool{}
	h.touched = nil
}

// copyObject makes dst a shallow copy of src, both must be pointers of the same type
func copyObject(dst, src Object) {
	if dst == src {
		return
	}
	reflect.ValueOf(dst).Elem().Set(reflect.ValueOf(src).Elem())
}

func linksEqual(a, b map[string][]Ref) bool {
	if len(nonEmpty(a)) != len(nonEmpty(b)) {
		return false
	}
	for name, refs := range a {
		other := b[name]
		if len(refs) != len(other) {
			return false
		}
		for i := range refs {
			if refs[i] != other[i] {
				return false
			}
		}
	}
	return true
}

func nonEmpty(m map[string][]Ref) map[string][]Ref {
	res := make(map[string][]Ref, len(m))
	for k, v := range m {
		if len(v) > 0 {
			res[k] = v
		}
	}
	return res
}
