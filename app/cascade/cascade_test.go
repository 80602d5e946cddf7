package cascade

import (
	"context"
	"testing"

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

	h := e.Handle(context.Background())
	defer h.Close()
	require.NoError(t, h.BeginWrite())
	for i := 1; i <= 2; i++ {
		rec := &model.Record{ID: i, Value: "rec", Note: &model.Note{Text: "note"},
			Items: []*model.Item{{ID: i*10 + 1}, {ID: i*10 + 2}}}
		require.NoError(t, h.Add(engine.UpdateModified, rec))
	}
	require.NoError(t, h.CommitWrite())
	return e
}

func counts(t *testing.T, e *engine.Engine) (records, items, notes int) {
	t.Helper()
	h := e.Handle(context.Background())
	defer h.Close()
	var err error
	records, err = h.Count("Record")
	require.NoError(t, err)
	items, err = h.Count("Item")
	require.NoError(t, err)
	notes, err = h.Count("Note")
	require.NoError(t, err)
	return records, items, notes
}

func deleteRecord(t *testing.T, e *engine.Engine, id int, fn func(h *engine.Handle, obj engine.Object) error) {
	t.Helper()
	h := e.Handle(context.Background())
	defer h.Close()
	require.NoError(t, h.BeginWrite())
	obj, err := h.Object("Record", id)
	require.NoError(t, err)
	require.NoError(t, fn(h, obj))
	require.NoError(t, h.CommitWrite())
}

func TestDelete(t *testing.T) {
	e := prep(t)
	deleteRecord(t, e, 1, func(h *engine.Handle, obj engine.Object) error { return Delete(h, obj) })
	r, i, n := counts(t, e)
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, i, "only items of record 2 left")
	assert.Equal(t, 1, n)

	h := e.Handle(context.Background())
	defer h.Close()
	_, err := h.Object("Item", 11)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = h.Object("Item", 21)
	assert.NoError(t, err)
}

func TestDeleteObject_Normal(t *testing.T) {
	e := prep(t)
	deleteRecord(t, e, 1, func(h *engine.Handle, obj engine.Object) error { return DeleteObject(h, obj, Normal) })
	r, i, n := counts(t, e)
	assert.Equal(t, 1, r)
	assert.Equal(t, 4, i, "items left orphaned")
	assert.Equal(t, 2, n, "note left orphaned")
}

func TestDelete_Revisit(t *testing.T) {
	e := prep(t)
	deleteRecord(t, e, 1, func(h *engine.Handle, obj engine.Object) error {
		rec := obj.(*model.Record)
		item := rec.Items[0]
		if err := Delete(h, item); err != nil {
			return err
		}
		assert.True(t, h.IsInvalidated(item))
		if err := Delete(h, item); err != nil { // already deleted, no-op
			return err
		}
		if err := Delete(h, rec); err != nil {
			return err
		}
		return Delete(h, rec)
	})
	r, i, n := counts(t, e)
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, i)
	assert.Equal(t, 1, n)
}

func TestDelete_StoredChildrenDetached(t *testing.T) {
	e := prep(t)
	// children dropped from the live object before delete are still removed
	deleteRecord(t, e, 1, func(h *engine.Handle, obj engine.Object) error {
		rec := obj.(*model.Record)
		rec.Items = nil
		rec.Note = nil
		return Delete(h, rec)
	})
	r, i, n := counts(t, e)
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, i)
	assert.Equal(t, 1, n)
}

func TestDelete_Unmanaged(t *testing.T) {
	e := prep(t)
	h := e.Handle(context.Background())
	defer h.Close()
	require.NoError(t, h.BeginWrite())
	assert.NoError(t, Delete(h, &model.Record{ID: 100, Items: []*model.Item{{ID: 1000}}}))
	assert.NoError(t, Delete(h, nil))
	require.NoError(t, h.CommitWrite())

	err := Delete(h, &model.Record{ID: 100})
	assert.ErrorIs(t, err, engine.ErrNotInWrite)
}

func TestDeleteResultsAndList(t *testing.T) {
	t.Run("results cascade", func(t *testing.T) {
		e := prep(t)
		h := e.Handle(context.Background())
		defer h.Close()
		require.NoError(t, h.BeginWrite())
		res, err := h.Objects("Record")
		require.NoError(t, err)
		require.NoError(t, DeleteResults(h, res, Cascade))
		require.NoError(t, h.CommitWrite())
		r, i, n := counts(t, e)
		assert.Equal(t, [3]int{0, 0, 0}, [3]int{r, i, n})
	})

	t.Run("list normal", func(t *testing.T) {
		e := prep(t)
		deleteRecord(t, e, 2, func(h *engine.Handle, obj engine.Object) error {
			l, err := h.List(obj, "items")
			if err != nil {
				return err
			}
			return DeleteList(h, l, Normal)
		})
		r, i, n := counts(t, e)
		assert.Equal(t, [3]int{2, 2, 2}, [3]int{r, i, n})
	})

	t.Run("outside write", func(t *testing.T) {
		e := prep(t)
		h := e.Handle(context.Background())
		defer h.Close()
		res, err := h.Objects("Record")
		require.NoError(t, err)
		assert.ErrorIs(t, DeleteResults(h, res, Normal), engine.ErrNotInWrite)
		assert.NoError(t, DeleteResults(h, nil, Normal))
	})
}

func TestMethod_String(t *testing.T) {
	assert.Equal(t, "cascade", Cascade.String())
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "method(7)", Method(7).String())
}
