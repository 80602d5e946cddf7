package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/objstore/app/config"
	"github.com/umputun/objstore/app/coordinator"
	"github.com/umputun/objstore/app/engine"
	"github.com/umputun/objstore/app/factory"
	"github.com/umputun/objstore/app/model"
	"github.com/umputun/objstore/app/observe"
	"github.com/umputun/objstore/app/reference"
)

type record struct {
	ID    string
	Value string
	Items []item
	Note  string
}

func (r record) EntityID() string { return r.ID }

type item struct {
	ID    int
	Value string
}

type recordMapper struct{}

func (recordMapper) ToBusiness(p *model.Record) record {
	res := record{ID: strconv.Itoa(p.ID), Value: p.Value}
	for _, it := range p.Items {
		res.Items = append(res.Items, item{ID: it.ID, Value: it.Value})
	}
	if p.Note != nil {
		res.Note = p.Note.Text
	}
	return res
}

func (m recordMapper) ToPersisted(b record) *model.Record {
	id, _ := strconv.Atoi(b.ID)
	res := &model.Record{ID: id, Value: b.Value, Items: m.items(b)}
	if b.Note != "" {
		res.Note = &model.Note{Text: b.Note}
	}
	return res
}

// MergeInto keeps the stored note and only updates the value and items
func (m recordMapper) MergeInto(b record, existing *model.Record) *model.Record {
	existing.Value = b.Value
	existing.Items = m.items(b)
	return existing
}

func (recordMapper) items(b record) []*model.Item {
	res := make([]*model.Item, 0, len(b.Items))
	for _, it := range b.Items {
		res = append(res, &model.Item{ID: it.ID, Value: it.Value})
	}
	return res
}

func prep(t *testing.T) (*Store[record, *model.Record], *factory.Factory, *coordinator.Coordinator) {
	t.Helper()
	f := factory.New(config.New(config.WithInMemoryIdentifier(uuid.NewString()), config.WithObjects(model.Types()...)))
	c := coordinator.New(f)
	t.Cleanup(func() {
		c.Close()
		_ = f.Close()
	})
	return New[record, *model.Record](f, c, recordMapper{}), f, c
}

func save(t *testing.T, s interface {
	Save(objs []record, update bool, completion func([]record, error))
}, update bool, recs ...record) ([]record, error) {
	t.Helper()
	type result struct {
		res []record
		err error
	}
	ch := make(chan result, 1)
	s.Save(recs, update, func(res []record, err error) { ch <- result{res: res, err: err} })
	select {
	case r := <-ch:
		return r.res, r.err
	case <-time.After(10 * time.Second):
		t.Fatal("save not completed")
	}
	return nil, nil
}

func wait(t *testing.T, fn func(completion func(error))) error {
	t.Helper()
	ch := make(chan error, 1)
	fn(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("not completed")
	}
	return nil
}

func count(t *testing.T, f *factory.Factory, typ string) int {
	t.Helper()
	h, err := f.Build(context.Background())
	require.NoError(t, err)
	defer h.Close()
	n, err := h.Count(typ)
	require.NoError(t, err)
	return n
}

func TestStore_SaveFetch(t *testing.T) {
	s, _, _ := prep(t)
	rec := record{ID: "1", Value: "v1", Items: []item{{ID: 1, Value: "i1"}, {ID: 2, Value: "i2"}}, Note: "n1"}
	res, err := save(t, s, true, rec)
	require.NoError(t, err)
	assert.Equal(t, []record{rec}, res)

	got, ok, err := s.Fetch(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(rec, got))

	got, ok, err = s.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok, "int key addresses the same record")
	assert.Equal(t, "v1", got.Value)

	_, ok, err = s.Fetch(context.Background(), "2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FetchDuringWrite(t *testing.T) {
	f := factory.New(config.New(config.WithDir(t.TempDir()), config.WithFilename("rw"), config.WithObjects(model.Types()...)))
	c := coordinator.New(f)
	t.Cleanup(func() {
		c.Close()
		_ = f.Close()
	})
	s := New[record, *model.Record](f, c, recordMapper{})
	_, err := save(t, s, true, record{ID: "1", Value: "v1"})
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan error, 1)
	c.Execute(coordinator.Request{
		Queue: coordinator.QueueWrite,
		Op: func(h *engine.Handle, _ []reference.Resolved) error {
			if err := h.Add(engine.UpdateModified, &model.Record{ID: 1, Value: "v2"}); err != nil {
				return err
			}
			close(started)
			<-release
			return nil
		},
		Completion: func(err error) { done <- err },
	})
	<-started

	fetched := make(chan record, 1)
	go func() {
		rec, _, err := s.Fetch(context.Background(), "1")
		assert.NoError(t, err)
		fetched <- rec
	}()
	select {
	case rec := <-fetched:
		assert.Equal(t, "v1", rec.Value, "committed state while the write is open")
	case <-time.After(2 * time.Second):
		t.Fatal("fetch blocked by open write")
	}

	close(release)
	require.NoError(t, <-done)
	rec, ok, err := s.Fetch(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", rec.Value)
}

func TestStore_IdempotentUpsert(t *testing.T) {
	s, f, _ := prep(t)
	_, err := save(t, s, true, record{ID: "1", Value: "a"}, record{ID: "2", Value: "b"})
	require.NoError(t, err)
	_, err = save(t, s, true, record{ID: "1", Value: "changed"})
	require.NoError(t, err)

	all, err := s.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "changed", all[0].Value)
	assert.Equal(t, 2, count(t, f, "Record"))
}

func TestStore_NoOrphans(t *testing.T) {
	s, f, _ := prep(t)
	_, err := save(t, s, true, record{ID: "1", Note: "first",
		Items: []item{{ID: 1}, {ID: 2}, {ID: 3}}})
	require.NoError(t, err)
	assert.Equal(t, 3, count(t, f, "Item"))

	for i := 0; i < 3; i++ {
		_, err = save(t, s, true, record{ID: "1", Note: "note " + strconv.Itoa(i),
			Items: []item{{ID: 10 + i}, {ID: 20 + i}}})
		require.NoError(t, err)
		assert.Equal(t, 2, count(t, f, "Item"), "previous list elements removed")
		assert.Equal(t, 1, count(t, f, "Note"), "replaced note removed")
	}

	got, ok, err := s.Fetch(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []item{{ID: 12}, {ID: 22}}, got.Items)
	assert.Equal(t, "note 2", got.Note)

	// the same element ids survive being saved again
	_, err = save(t, s, true, record{ID: "1", Items: []item{{ID: 12, Value: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, f, "Item"))
	assert.Equal(t, 1, count(t, f, "Note"), "stored note is only replaced by an incoming one")
}

func TestStore_EmptyBatch(t *testing.T) {
	s, f, _ := prep(t)
	called := false
	s.Save(nil, true, func(res []record, err error) {
		called = true
		assert.NoError(t, err)
		assert.Empty(t, res)
	})
	assert.True(t, called, "completed synchronously")

	called = false
	s.Delete(nil, func(err error) {
		called = true
		assert.NoError(t, err)
	})
	assert.True(t, called)
	assert.Equal(t, 0, count(t, f, "Record"))
}

func TestStore_Conflict(t *testing.T) {
	s, f, _ := prep(t)
	_, err := save(t, s, false, record{ID: "1", Value: "a", Items: []item{{ID: 1}}})
	require.NoError(t, err)

	_, err = save(t, s, false, record{ID: "2"}, record{ID: "1", Value: "b", Items: []item{{ID: 5}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrWrite)
	assert.ErrorIs(t, err, engine.ErrPrimaryKeyConflict)

	got, ok, err := s.Fetch(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{ID: "1", Value: "a", Items: []item{{ID: 1}}}, got, "failed batch leaves no side effects")
	assert.Equal(t, 1, count(t, f, "Record"))
}

func TestStore_HundredRecords(t *testing.T) {
	s, _, _ := prep(t)
	recs := make([]record, 100)
	for i := range recs {
		recs[i] = record{ID: strconv.Itoa(i), Value: "v" + strconv.Itoa(i)}
	}
	_, err := save(t, s, true, recs...)
	require.NoError(t, err)
	all, err := s.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 100)

	require.NoError(t, wait(t, func(c func(error)) { s.DeleteOne(record{ID: "5"}, c) }))
	all, err = s.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 99)
	for _, r := range all {
		assert.NotEqual(t, "5", r.ID)
	}

	odd, err := s.FetchWhere(context.Background(), func(p *model.Record) bool { return p.ID%2 == 1 })
	require.NoError(t, err)
	assert.Len(t, odd, 49)
}

func TestStore_DeleteCascade(t *testing.T) {
	s, f, _ := prep(t)
	_, err := save(t, s, true, record{ID: "1", Items: []item{{ID: 1}}, Note: "n"})
	require.NoError(t, err)
	require.NoError(t, wait(t, func(c func(error)) { s.Delete([]record{{ID: "1"}, {ID: "404"}}, c) }))
	assert.Equal(t, 0, count(t, f, "Record"))
	assert.Equal(t, 0, count(t, f, "Item"))
	assert.Equal(t, 0, count(t, f, "Note"))
}

func TestStore_DeleteAll(t *testing.T) {
	s, f, _ := prep(t)
	_, err := save(t, s, true, record{ID: "1", Items: []item{{ID: 1}}}, record{ID: "2"})
	require.NoError(t, err)
	require.NoError(t, wait(t, s.DeleteAll))
	assert.Equal(t, 0, count(t, f, "Record"))
	assert.Equal(t, 0, count(t, f, "Item"))
}

func TestStore_DeliverOn(t *testing.T) {
	f := factory.New(config.New(config.WithInMemoryIdentifier(uuid.NewString()), config.WithObjects(model.Types()...)))
	c := coordinator.New(f)
	defer f.Close()
	defer c.Close()
	caller := coordinator.NewSerial("caller")
	defer caller.Close()

	var delivered []string
	s := New[record, *model.Record](f, c, recordMapper{}, WithDeliverOn(coordinator.DispatcherFunc(func(fn func()) {
		caller.Dispatch(func() {
			delivered = append(delivered, "caller")
			fn()
		})
	})))
	_, err := save(t, s, true, record{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"caller"}, delivered)
}

func TestStore_Observe(t *testing.T) {
	s, _, _ := prep(t)
	_, err := save(t, s, true, record{ID: "1", Value: "a"})
	require.NoError(t, err)

	initial := make(chan []record, 1)
	updates := make(chan []record, 5)
	tok, err := s.Observe(context.Background(), observe.ResultsHandlers[record]{
		OnInitial: func(items []record) { initial <- items },
		OnUpdate:  func(items []record, _, _, _ []int) { updates <- items },
	})
	require.NoError(t, err)
	defer tok.Invalidate()

	select {
	case items := <-initial:
		assert.Equal(t, []record{{ID: "1", Value: "a"}}, items)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial")
	}

	_, err = save(t, s, true, record{ID: "2", Value: "b"})
	require.NoError(t, err)
	select {
	case items := <-updates:
		assert.Len(t, items, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}
}

func TestStore_ObserveItem(t *testing.T) {
	s, _, _ := prep(t)
	_, err := save(t, s, true, record{ID: "1", Value: "a"})
	require.NoError(t, err)

	var initial record
	changes := make(chan record, 5)
	deleted := make(chan struct{}, 1)
	tok, err := s.ObserveItem(context.Background(), "1", observe.ItemHandlers[record]{
		OnInitial: func(r record) { initial = r },
		OnChange:  func(r record, _ []engine.PropertyChange) { changes <- r },
		OnDeleted: func() { deleted <- struct{}{} },
	})
	require.NoError(t, err)
	require.NotNil(t, tok)
	defer tok.Invalidate()
	assert.Equal(t, "a", initial.Value)

	_, err = save(t, s, true, record{ID: "1", Value: "b"})
	require.NoError(t, err)
	select {
	case r := <-changes:
		assert.Equal(t, "b", r.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no change")
	}

	require.NoError(t, wait(t, func(c func(error)) { s.DeleteOne(record{ID: "1"}, c) }))
	select {
	case <-deleted:
	case <-time.After(5 * time.Second):
		t.Fatal("no delete")
	}

	var notFound error
	tok, err = s.ObserveItem(context.Background(), "2", observe.ItemHandlers[record]{OnError: func(err error) { notFound = err }})
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.ErrorIs(t, notFound, observe.ErrItemNotFound)
}

func TestExtendedStore(t *testing.T) {
	f := factory.New(config.New(config.WithInMemoryIdentifier(uuid.NewString()), config.WithObjects(model.Types()...)))
	c := coordinator.New(f)
	defer f.Close()
	defer c.Close()
	s := NewExtended[record, *model.Record](f, c, recordMapper{})

	_, err := save(t, s, true, record{ID: "1", Value: "a", Note: "kept", Items: []item{{ID: 1}, {ID: 2}}})
	require.NoError(t, err)
	_, err = save(t, s, true, record{ID: "1", Value: "b", Note: "ignored", Items: []item{{ID: 3}}})
	require.NoError(t, err)

	got, ok, err := s.Fetch(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{ID: "1", Value: "b", Note: "kept", Items: []item{{ID: 3}}}, got)
	assert.Equal(t, 1, count(t, f, "Item"))
	assert.Equal(t, 1, count(t, f, "Note"))

	// new record goes through ToPersisted
	_, err = save(t, s, true, record{ID: "2", Note: "new"})
	require.NoError(t, err)
	got, ok, err = s.Fetch(context.Background(), "2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Note)
}
