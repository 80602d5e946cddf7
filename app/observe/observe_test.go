package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/objstore/app/engine"
	"github.com/umputun/objstore/app/model"
)

func prep(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(context.Background(), engine.Options{InMemoryID: uuid.NewString(), Types: model.Types()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func write(t *testing.T, e *engine.Engine, fn func(h *engine.Handle) error) {
	t.Helper()
	h := e.Handle(context.Background())
	defer h.Close()
	require.NoError(t, h.BeginWrite())
	require.NoError(t, fn(h))
	require.NoError(t, h.CommitWrite())
}

func next[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	var zero T
	return zero
}

func TestItem(t *testing.T) {
	e := prep(t)
	write(t, e, func(h *engine.Handle) error { return h.Add(engine.UpdateModified, &model.Item{ID: 1, Value: "v1"}) })

	h := e.Handle(context.Background())
	defer h.Close()
	obj, err := h.Object("Item", 1)
	require.NoError(t, err)

	var initial *model.Item
	changes := make(chan []engine.PropertyChange, 5)
	deleted := make(chan struct{}, 1)
	tok := Item(h, obj.(*model.Item), ItemHandlers[*model.Item]{
		OnError:   func(err error) { t.Errorf("unexpected error %v", err) },
		OnInitial: func(item *model.Item) { initial = item },
		OnChange: func(item *model.Item, props []engine.PropertyChange) {
			assert.Equal(t, "v2", item.Value)
			changes <- props
		},
		OnDeleted: func() { deleted <- struct{}{} },
	})
	require.NotNil(t, tok)
	defer tok.Invalidate()
	require.NotNil(t, initial, "initial delivered synchronously")
	assert.Equal(t, "v1", initial.Value)

	write(t, e, func(h *engine.Handle) error { return h.Add(engine.UpdateModified, &model.Item{ID: 1, Value: "v2"}) })
	props := next(t, changes)
	assert.Equal(t, []engine.PropertyChange{{Name: "value", Old: "v1", New: "v2"}}, props)

	write(t, e, func(h *engine.Handle) error {
		o, err := h.Object("Item", 1)
		if err != nil {
			return err
		}
		return h.Delete(o)
	})
	next(t, deleted)
}

func TestItem_NotFound(t *testing.T) {
	e := prep(t)
	h := e.Handle(context.Background())
	defer h.Close()

	var got error
	tok := Item(h, (*model.Item)(nil), ItemHandlers[*model.Item]{
		OnError:   func(err error) { got = err },
		OnInitial: func(*model.Item) { t.Error("initial for missing item") },
	})
	assert.Nil(t, tok)
	assert.ErrorIs(t, got, ErrItemNotFound)

	// unmanaged item surfaces as engine error
	tok = Item(h, &model.Item{ID: 5}, ItemHandlers[*model.Item]{OnError: func(err error) { got = err }})
	assert.Nil(t, tok)
	var engErr *EngineError
	require.True(t, errors.As(got, &engErr))
	assert.Contains(t, engErr.Message, "no stored identity")
}

func TestResults(t *testing.T) {
	e := prep(t)
	write(t, e, func(h *engine.Handle) error {
		return h.Add(engine.UpdateModified, &model.Item{ID: 1}, &model.Item{ID: 2})
	})
	h := e.Handle(context.Background())
	defer h.Close()
	r, err := h.Objects("Item")
	require.NoError(t, err)

	type update struct {
		items                                 []*model.Item
		deletions, insertions, modifications []int
	}
	initial := make(chan []*model.Item, 1)
	updates := make(chan update, 5)
	tok := Results(h, r, ResultsHandlers[*model.Item]{
		OnInitial: func(items []*model.Item) { initial <- items },
		OnUpdate: func(items []*model.Item, d, i, m []int) {
			updates <- update{items: items, deletions: d, insertions: i, modifications: m}
		},
	})
	require.NotNil(t, tok)
	defer tok.Invalidate()
	assert.Len(t, next(t, initial), 2)

	write(t, e, func(h *engine.Handle) error { return h.Add(engine.UpdateModified, &model.Item{ID: 3}) })
	u := next(t, updates)
	assert.Len(t, u.items, 3)
	assert.Equal(t, []int{2}, u.insertions)
	assert.Empty(t, u.deletions)
	assert.Empty(t, u.modifications)

	assert.Nil(t, Results[*model.Item](h, nil, ResultsHandlers[*model.Item]{}))
}

func TestMapResults(t *testing.T) {
	e := prep(t)
	write(t, e, func(h *engine.Handle) error {
		return h.Add(engine.UpdateModified, &model.Item{ID: 1, Value: "a"}, &model.Item{ID: 2, Value: "b"})
	})
	h := e.Handle(context.Background())
	defer h.Close()
	r, err := h.Query("Item", func(o engine.Object) bool { return o.(*model.Item).Value != "a" })
	require.NoError(t, err)

	initial := make(chan []string, 1)
	tok := MapResults(h, r, func(o engine.Object) (string, bool) { return o.(*model.Item).Value, true },
		ResultsHandlers[string]{OnInitial: func(items []string) { initial <- items }})
	require.NotNil(t, tok)
	defer tok.Invalidate()
	assert.Equal(t, []string{"b"}, next(t, initial))
}

func TestRegistry(t *testing.T) {
	e := prep(t)
	write(t, e, func(h *engine.Handle) error { return h.Add(engine.UpdateModified, &model.Item{ID: 1}) })

	first := make(chan []*model.Item, 5)
	second := make(chan []*model.Item, 5)
	subscribe := func(ch chan []*model.Item) *engine.NotificationToken {
		h := e.Handle(context.Background())
		r, err := h.Objects("Item")
		require.NoError(t, err)
		return Results(h, r, ResultsHandlers[*model.Item]{
			OnInitial: func(items []*model.Item) { ch <- items },
			OnUpdate:  func(items []*model.Item, _, _, _ []int) { ch <- items },
		})
	}

	reg := NewRegistry()
	tok1 := subscribe(first)
	reg.Set("items", tok1)
	next(t, first)
	tok2 := subscribe(second)
	reg.Set("items", tok2)
	next(t, second)

	assert.True(t, tok1.Invalidated(), "replaced token invalidated")
	assert.False(t, tok2.Invalidated())
	assert.Same(t, tok2, reg.Token("items"))
	assert.Equal(t, 1, reg.Len())

	write(t, e, func(h *engine.Handle) error { return h.Add(engine.UpdateModified, &model.Item{ID: 2}) })
	assert.Len(t, next(t, second), 2)
	select {
	case <-first:
		t.Fatal("replaced subscription still active")
	case <-time.After(100 * time.Millisecond):
	}

	reg.Invalidate("items", false)
	assert.True(t, tok2.Invalidated())
	assert.Same(t, tok2, reg.Token("items"), "kept without remove")
	reg.Invalidate("items", true)
	assert.Nil(t, reg.Token("items"))
	reg.Invalidate("unknown", true)

	reg.Set("a", subscribe(first))
	reg.Set("b", nil)
	reg.InvalidateAll()
	assert.Equal(t, 0, reg.Len())
}
