package layer

import "github.com/umputun/objstore/app/engine"

// DataSource gives indexed access to persisted objects P mapped to B, backed by results or a slice
type DataSource[P engine.Object, B any] struct {
	results *engine.Results
	items   []P
	mapFn   func(p P) (B, bool)
}

// FromResults makes data source over results
func FromResults[P engine.Object, B any](r *engine.Results, mapFn func(p P) (B, bool)) *DataSource[P, B] {
	return &DataSource[P, B]{results: r, mapFn: mapFn}
}

// FromSlice makes data source over a plain slice, usually a filtered copy of results
func FromSlice[P engine.Object, B any](items []P, mapFn func(p P) (B, bool)) *DataSource[P, B] {
	return &DataSource[P, B]{items: items, mapFn: mapFn}
}

// Results returns backing results, nil for slice data source
func (d *DataSource[P, B]) Results() *engine.Results { return d.results }

// Len returns number of items
func (d *DataSource[P, B]) Len() int {
	if d.results != nil {
		return d.results.Len()
	}
	return len(d.items)
}

// IsEmpty tells if there are no items
func (d *DataSource[P, B]) IsEmpty() bool { return d.Len() == 0 }

// Item returns mapped item at index, ok is false out of range or when mapping rejects it
func (d *DataSource[P, B]) Item(i int) (res B, ok bool) {
	var p P
	switch {
	case d.results != nil:
		if p, ok = d.results.At(i).(P); !ok {
			return res, false
		}
	case i >= 0 && i < len(d.items):
		p = d.items[i]
	default:
		return res, false
	}
	if d.mapFn == nil || engine.IsNil(p) {
		return res, false
	}
	return d.mapFn(p)
}
