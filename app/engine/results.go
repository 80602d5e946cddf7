package engine

// Results is an ordered set of records of one type, evaluated at query time
type Results struct {
	typ    string
	filter func(Object) bool
	items  []Object
}

// Type returns schema name of the records
func (r *Results) Type() string { return r.typ }

// Filter returns the filter of the query, nil if none
func (r *Results) Filter() func(Object) bool { return r.filter }

// Len returns number of records
func (r *Results) Len() int { return len(r.items) }

// At returns the record at index i, nil if out of range
func (r *Results) At(i int) Object {
	if i < 0 || i >= len(r.items) {
		return nil
	}
	return r.items[i]
}

// All returns a copy of all records
func (r *Results) All() []Object {
	res := make([]Object, len(r.items))
	copy(res, r.items)
	return res
}

// Where narrows results with an additional filter
func (r *Results) Where(fn func(Object) bool) *Results {
	res := &Results{typ: r.typ, items: make([]Object, 0, len(r.items))}
	prev := r.filter
	res.filter = func(o Object) bool { return (prev == nil || prev(o)) && fn(o) }
	for _, it := range r.items {
		if fn(it) {
			res.items = append(res.items, it)
		}
	}
	return res
}

// List is an owned list relation of a managed owner
type List struct {
	owner    Object
	ownerRef Ref
	relation string
	items    []Object
}

// Owner returns the owner object
func (l *List) Owner() Object { return l.owner }

// OwnerRef returns identity of the owner
func (l *List) OwnerRef() Ref { return l.ownerRef }

// Relation returns relation name
func (l *List) Relation() string { return l.relation }

// Len returns number of elements
func (l *List) Len() int { return len(l.items) }

// At returns the element at index i, nil if out of range
func (l *List) At(i int) Object {
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

// All returns a copy of all elements
func (l *List) All() []Object {
	res := make([]Object, len(l.items))
	copy(res, l.items)
	return res
}
