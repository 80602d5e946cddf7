// Package model has persisted models shared by the demo driver and tests.
// Record owns a list of Items and an optional Note.
package model

import "github.com/umputun/objstore/app/engine"

// Record is a top level persisted record
type Record struct {
	ID    int    `json:"id"`
	Value string `json:"value"`

	Items []*Item `json:"-"`
	Note  *Note   `json:"-"`
}

// ObjectSchema describes Record
func (r *Record) ObjectSchema() engine.Schema {
	return engine.Schema{Name: "Record", PrimaryKey: "id", Relations: []engine.Relation{
		{Name: "items", Kind: engine.OwnedList, Type: "Item"},
		{Name: "note", Kind: engine.OwnedObject, Type: "Note"},
	}}
}

// PrimaryKey returns record id
func (r *Record) PrimaryKey() any { return r.ID }

// Children returns owned objects of the relation
func (r *Record) Children(name string) []engine.Object {
	switch name {
	case "items":
		res := make([]engine.Object, 0, len(r.Items))
		for _, it := range r.Items {
			res = append(res, it)
		}
		return res
	case "note":
		if r.Note != nil {
			return []engine.Object{r.Note}
		}
	}
	return nil
}

// SetChildren sets owned objects of the relation
func (r *Record) SetChildren(name string, children []engine.Object) {
	switch name {
	case "items":
		r.Items = make([]*Item, 0, len(children))
		for _, c := range children {
			r.Items = append(r.Items, c.(*Item))
		}
	case "note":
		r.Note = nil
		if len(children) > 0 {
			r.Note = children[0].(*Note)
		}
	}
}

// Item is an element of Record.Items
type Item struct {
	ID    int    `json:"id"`
	Value string `json:"value"`
}

// ObjectSchema describes Item
func (i *Item) ObjectSchema() engine.Schema { return engine.Schema{Name: "Item", PrimaryKey: "id"} }

// PrimaryKey returns item id
func (i *Item) PrimaryKey() any { return i.ID }

// Note is an owned object without primary key
type Note struct {
	engine.Meta
	Text string `json:"text"`
}

// ObjectSchema describes Note
func (n *Note) ObjectSchema() engine.Schema { return engine.Schema{Name: "Note"} }

// PrimaryKey returns nil, Note is identified by engine-assigned id
func (n *Note) PrimaryKey() any { return nil }

// Types returns all persisted types of the package
func Types() []engine.Object {
	return []engine.Object{&Record{}, &Item{}, &Note{}}
}
