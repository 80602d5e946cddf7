package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// RelationKind defines how a relation field owns its targets
type RelationKind int

// enum of relation kinds
const (
	OwnedObject RelationKind = iota + 1
	OwnedList
)

func (k RelationKind) String() string {
	switch k {
	case OwnedObject:
		return "object"
	case OwnedList:
		return "list"
	default:
		return fmt.Sprintf("relation(%d)", int(k))
	}
}

// Relation describes one owned field of a persisted type. Type is the schema name of the target.
type Relation struct {
	Name string       `json:"name"`
	Kind RelationKind `json:"kind"`
	Type string       `json:"type"`
}

// Schema describes a persisted type. PrimaryKey is the name of the primary key field, empty if none.
type Schema struct {
	Name       string     `json:"name"`
	PrimaryKey string     `json:"primary_key,omitempty"`
	Relations  []Relation `json:"relations,omitempty"`
}

// Relation returns relation by name
func (s Schema) Relation(name string) (Relation, bool) {
	for _, r := range s.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Object is a persisted model. Scalar fields are stored as the json encoding of the object,
// so relation fields must be excluded with `json:"-"` and exposed through Owner.
// Implementations must be pointer types.
type Object interface {
	ObjectSchema() Schema
	PrimaryKey() any // nil if the type declares no primary key
}

// Owner is implemented by types declaring relations. Children returns current targets of
// the relation, zero or one element for OwnedObject.
type Owner interface {
	Children(name string) []Object
	SetChildren(name string, children []Object)
}

// Identified is implemented by types without a primary key, usually by embedding Meta.
type Identified interface {
	ObjectID() string
	SetObjectID(id string)
}

// Meta keeps engine-assigned identity for types without a primary key
type Meta struct {
	objectID string
}

// ObjectID returns engine-assigned id, empty for objects never stored
func (m *Meta) ObjectID() string { return m.objectID }

// SetObjectID sets engine-assigned id
func (m *Meta) SetObjectID(id string) { m.objectID = id }

// Ref is a stable identity of a stored record, type name and canonical key
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string { return r.Type + "/" + r.ID }

// IdentityOf returns the record identity of obj without touching the store. Objects with
// primary key are identified by it, others by their engine-assigned id.
func IdentityOf(obj Object) (Ref, error) {
	if IsNil(obj) {
		return Ref{}, fmt.Errorf("nil object: %w", ErrUnmanaged)
	}
	s := obj.ObjectSchema()
	if s.PrimaryKey != "" {
		pk := obj.PrimaryKey()
		if pk == nil {
			return Ref{}, fmt.Errorf("%s has nil primary key: %w", s.Name, ErrUnmanaged)
		}
		return Ref{Type: s.Name, ID: keyOf(pk)}, nil
	}
	if idt, ok := obj.(Identified); ok && idt.ObjectID() != "" {
		return Ref{Type: s.Name, ID: idt.ObjectID()}, nil
	}
	return Ref{}, fmt.Errorf("%s was never stored: %w", s.Name, ErrUnmanaged)
}

// keyOf makes canonical key, so 5 and "5" address the same record
func keyOf(v any) string {
	return fmt.Sprint(v)
}

// IsNil tells if obj is nil or a typed nil pointer
func IsNil(obj Object) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

type typeInfo struct {
	schema Schema
	goType reflect.Type
}

// registry is the closed set of types known to an engine
type registry struct {
	byName map[string]*typeInfo
	byType map[reflect.Type]*typeInfo
}

func newRegistry(types []Object) (*registry, error) {
	r := &registry{byName: map[string]*typeInfo{}, byType: map[reflect.Type]*typeInfo{}}
	if len(types) == 0 {
		return nil, fmt.Errorf("no object types registered")
	}
	for _, t := range types {
		if t == nil {
			return nil, fmt.Errorf("nil object type")
		}
		gt := reflect.TypeOf(t)
		if gt.Kind() != reflect.Pointer {
			return nil, fmt.Errorf("object type %s must be a pointer", gt)
		}
		s := t.ObjectSchema()
		if s.Name == "" {
			return nil, fmt.Errorf("object type %s has empty schema name", gt)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schema name %q", s.Name)
		}
		if len(s.Relations) > 0 {
			if _, ok := t.(Owner); !ok {
				return nil, fmt.Errorf("%s declares relations but doesn't implement Owner", s.Name)
			}
		}
		if s.PrimaryKey == "" {
			if _, ok := t.(Identified); !ok {
				return nil, fmt.Errorf("%s has no primary key and doesn't embed engine.Meta", s.Name)
			}
		}
		ti := &typeInfo{schema: s, goType: gt}
		r.byName[s.Name] = ti
		r.byType[gt] = ti
	}

	for _, ti := range r.byName {
		for _, rel := range ti.schema.Relations {
			if rel.Kind != OwnedObject && rel.Kind != OwnedList {
				return nil, fmt.Errorf("%s.%s has invalid kind %v", ti.schema.Name, rel.Name, rel.Kind)
			}
			if _, ok := r.byName[rel.Type]; !ok {
				return nil, fmt.Errorf("%s.%s targets unregistered type %q", ti.schema.Name, rel.Name, rel.Type)
			}
		}
	}
	return r, nil
}

func (r *registry) lookup(obj Object) (*typeInfo, error) {
	if IsNil(obj) {
		return nil, fmt.Errorf("nil object")
	}
	ti, ok := r.byType[reflect.TypeOf(obj)]
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregistered, obj)
	}
	return ti, nil
}

func (r *registry) byTypeName(name string) (*typeInfo, error) {
	ti, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, name)
	}
	return ti, nil
}

// ownedTypes returns the type name with all types reachable through its relations
func (r *registry) ownedTypes(name string) (map[string]bool, error) {
	if _, err := r.byTypeName(name); err != nil {
		return nil, err
	}
	res := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if res[cur] {
			continue
		}
		res[cur] = true
		ti, ok := r.byName[cur]
		if !ok {
			continue
		}
		for _, rel := range ti.schema.Relations {
			queue = append(queue, rel.Type)
		}
	}
	return res, nil
}

// create makes a new zero object of the named type
func (r *registry) create(name string) (Object, error) {
	ti, err := r.byTypeName(name)
	if err != nil {
		return nil, err
	}
	return reflect.New(ti.goType.Elem()).Interface().(Object), nil
}

// fingerprint is a canonical description of all registered schemas, used to detect schema changes
func (r *registry) fingerprint() string {
	schemas := make([]Schema, 0, len(r.byName))
	for _, ti := range r.byName {
		schemas = append(schemas, ti.schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	data, err := json.Marshal(schemas)
	if err != nil {
		// schema is plain data, marshal can't fail
		panic(err)
	}
	return string(data)
}

// Schemas returns all registered schemas sorted by name
func (e *Engine) Schemas() []Schema {
	res := make([]Schema, 0, len(e.reg.byName))
	for _, ti := range e.reg.byName {
		res = append(res, ti.schema)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}
