// Package reference captures identities of live objects, lists and results as portable tokens
// and resolves them on another handle. Tokens carry identity only, never handle state, so they
// can cross goroutines freely.
package reference

import (
	"errors"
	"fmt"

	"github.com/umputun/objstore/app/engine"
)

// ErrResolution is returned when the captured record no longer exists
var ErrResolution = errors.New("reference can't be resolved")

// Kind of captured target
type Kind int

// enum of token kinds
const (
	KindObject Kind = iota + 1
	KindList
	KindResults
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindList:
		return "list"
	case KindResults:
		return "results"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Token is a thread-agnostic descriptor of an object, a list relation or a query
type Token struct {
	kind     Kind
	ref      engine.Ref // object, or owner of the list
	relation string
	typ      string
	filter   func(engine.Object) bool
}

// Resolved is a token resolved on a handle, one field is set according to the token kind
type Resolved struct {
	Object  engine.Object
	List    *engine.List
	Results *engine.Results
}

// Capture makes token of a stored object
func Capture(obj engine.Object) (Token, error) {
	ref, err := engine.IdentityOf(obj)
	if err != nil {
		return Token{}, fmt.Errorf("can't capture: %w", err)
	}
	return Token{kind: KindObject, ref: ref}, nil
}

// CaptureList makes token of a list relation
func CaptureList(l *engine.List) Token {
	return Token{kind: KindList, ref: l.OwnerRef(), relation: l.Relation()}
}

// CaptureResults makes token of a query, resolution re-runs it
func CaptureResults(r *engine.Results) Token {
	return Token{kind: KindResults, typ: r.Type(), filter: r.Filter()}
}

// Kind returns kind of the token
func (t Token) Kind() Kind { return t.kind }

func (t Token) String() string {
	switch t.kind {
	case KindList:
		return fmt.Sprintf("list %s.%s", t.ref, t.relation)
	case KindResults:
		return "results " + t.typ
	default:
		return "object " + t.ref.String()
	}
}

// Resolve locates the captured target on h. Deleted records give ErrResolution.
func Resolve(h *engine.Handle, t Token) (Resolved, error) {
	switch t.kind {
	case KindObject:
		obj, err := h.Object(t.ref.Type, t.ref.ID)
		if err != nil {
			return Resolved{}, resolutionError(t, err)
		}
		return Resolved{Object: obj}, nil
	case KindList:
		owner, err := h.Object(t.ref.Type, t.ref.ID)
		if err != nil {
			return Resolved{}, resolutionError(t, err)
		}
		l, err := h.List(owner, t.relation)
		if err != nil {
			return Resolved{}, resolutionError(t, err)
		}
		return Resolved{List: l}, nil
	case KindResults:
		r, err := h.Query(t.typ, t.filter)
		if err != nil {
			return Resolved{}, resolutionError(t, err)
		}
		return Resolved{Results: r}, nil
	default:
		return Resolved{}, fmt.Errorf("%w: empty token", ErrResolution)
	}
}

// ResolveAll resolves tokens in order, stops on the first failure
func ResolveAll(h *engine.Handle, tokens []Token) ([]Resolved, error) {
	res := make([]Resolved, 0, len(tokens))
	for _, t := range tokens {
		r, err := Resolve(h, t)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

// Object resolves object token to the concrete type
func Object[T engine.Object](h *engine.Handle, t Token) (T, error) {
	var zero T
	r, err := Resolve(h, t)
	if err != nil {
		return zero, err
	}
	obj, ok := r.Object.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrResolution, t, r.Object)
	}
	return obj, nil
}

func resolutionError(t Token, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrResolution, t, err)
}
