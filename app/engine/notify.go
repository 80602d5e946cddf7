package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// NotificationToken identifies an observer. Invalidating it stops future deliveries.
type NotificationToken struct {
	id          string
	invalidated atomic.Bool
	stop        func()
}

// ID returns unique token id
func (t *NotificationToken) ID() string { return t.id }

// Invalidate stops deliveries to the observer, safe to call more than once and on nil token
func (t *NotificationToken) Invalidate() {
	if t == nil {
		return
	}
	if t.invalidated.CompareAndSwap(false, true) && t.stop != nil {
		t.stop()
	}
}

// Invalidated tells if the token was invalidated
func (t *NotificationToken) Invalidated() bool {
	return t == nil || t.invalidated.Load()
}

// PropertyChange is a changed json field or relation of an observed object.
// Relation values are []Ref.
type PropertyChange struct {
	Name string
	Old  any
	New  any
}

// ObjectChange is delivered to object observers. Deleted is terminal.
type ObjectChange struct {
	Object     Object
	Properties []PropertyChange
	Deleted    bool
	Err        error
}

// ResultsChangeKind is a kind of results notification
type ResultsChangeKind int

// enum of results notification kinds
const (
	ResultsInitial ResultsChangeKind = iota + 1
	ResultsUpdate
	ResultsError
)

// ResultsChange is delivered to results observers. Deletions are indices in the previous
// results, Insertions and Modifications are indices in the new results.
type ResultsChange struct {
	Kind          ResultsChangeKind
	Results       *Results
	Deletions     []int
	Insertions    []int
	Modifications []int
	Err           error
}

type observer interface {
	token() *NotificationToken
	seq() int64
	touches(types map[string]bool) bool
	// capture reads the observed state through h
	capture(h *Handle) any
	// apply moves observer to the captured state and returns delivery, nil if nothing to deliver
	apply(state any, deliver bool) func()
}

// notifier runs observer deliveries on its own goroutine, one job at a time
type notifier struct {
	eng         *Engine
	concurrency int
	ctx         context.Context
	cancel      context.CancelFunc

	// commitMu orders commits with captures of their states, held from capture to enqueue
	commitMu sync.Mutex

	mu        sync.Mutex
	observers map[string]observer
	jobs      []func()
	nextSeq   int64

	wake    chan struct{}
	stopped chan struct{}
}

func newNotifier(e *Engine, concurrency int) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &notifier{eng: e, concurrency: concurrency, ctx: ctx, cancel: cancel,
		observers: map[string]observer{}, wake: make(chan struct{}, 1), stopped: make(chan struct{})}
	go n.loop()
	return n
}

func (n *notifier) loop() {
	defer close(n.stopped)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if len(n.jobs) == 0 || n.ctx.Err() != nil {
				n.mu.Unlock()
				break
			}
			job := n.jobs[0]
			n.jobs[0] = nil
			n.jobs = n.jobs[1:]
			n.mu.Unlock()
			n.run(job)
		}
	}
}

func (n *notifier) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] observer of %s panicked, %v", n.eng.ident, r)
		}
	}()
	job()
}

func (n *notifier) enqueue(job func()) {
	n.mu.Lock()
	n.jobs = append(n.jobs, job)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) close() {
	n.cancel()
	<-n.stopped
}

func (n *notifier) register(o observer) {
	n.mu.Lock()
	n.observers[o.token().id] = o
	n.mu.Unlock()
}

func (n *notifier) unregister(id string) {
	n.mu.Lock()
	delete(n.observers, id)
	n.mu.Unlock()
}

func (n *notifier) newToken() *NotificationToken {
	tok := &NotificationToken{id: uuid.NewString()}
	tok.stop = func() { n.unregister(tok.id) }
	return tok
}

func (n *notifier) sequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextSeq++
	return n.nextSeq
}

// captured is the state of an observer right before a commit, as seen by the committing transaction
type captured struct {
	o     observer
	state any
}

// commit captures states of observers affected by touched types through the write transaction
// of h, commits it and schedules deliveries. Each commit is delivered against its own state,
// so observers with the skip tokens advance over this commit only.
func (n *notifier) commit(h *Handle, touched map[string]bool, skip []*NotificationToken) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()

	var states []captured
	if len(touched) > 0 {
		states = n.capture(h.ctx, h.tx, touched)
	}
	if err := h.tx.Commit(); err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}

	skipIDs := map[string]bool{}
	for _, t := range skip {
		if t != nil {
			skipIDs[t.id] = true
		}
	}
	n.enqueue(func() { n.process(states, skipIDs) })
	return nil
}

func (n *notifier) capture(ctx context.Context, tx *sqlx.Tx, touched map[string]bool) []captured {
	n.mu.Lock()
	affected := make([]observer, 0, len(n.observers))
	for _, o := range n.observers {
		if o.touches(touched) && !o.token().Invalidated() {
			affected = append(affected, o)
		}
	}
	n.mu.Unlock()
	sort.Slice(affected, func(i, j int) bool { return affected[i].seq() < affected[j].seq() })

	res := make([]captured, 0, len(affected))
	for _, o := range affected {
		h := newHandle(ctx, n.eng)
		h.tx = tx // borrowed, never committed or closed by h
		res = append(res, captured{o: o, state: o.capture(h)})
		h.tx = nil
	}
	return res
}

// process applies captured states in parallel, then delivers in registration order
func (n *notifier) process(states []captured, skip map[string]bool) {
	deliveries := make([]func(), len(states))
	gr := syncs.NewSizedGroup(n.concurrency)
	for i, c := range states {
		gr.Go(func(context.Context) {
			deliveries[i] = c.o.apply(c.state, !skip[c.o.token().id])
		})
	}
	gr.Wait()

	for i, d := range deliveries {
		if d == nil || states[i].o.token().Invalidated() {
			continue
		}
		n.run(d)
	}
}

// ObserveObject registers fn for changes of a managed object. The baseline is the object
// state as loaded by this handle. Deliveries happen on the engine notification goroutine.
func (h *Handle) ObserveObject(obj Object, fn func(ObjectChange)) (*NotificationToken, error) {
	ref, ok := h.managed(obj)
	if !ok {
		return nil, fmt.Errorf("can't observe %T: %w", obj, ErrUnmanaged)
	}
	n := h.eng.notifier
	o := &objectObserver{tok: n.newToken(), order: n.sequence(), ref: ref, last: h.snaps[ref], fn: fn}
	n.register(o)
	return o.tok, nil
}

// ObserveResults registers fn for changes of the results
func (h *Handle) ObserveResults(r *Results, fn func(ResultsChange)) (*NotificationToken, error) {
	return h.eng.ObserveResults(r.typ, r.filter, fn)
}

// ObserveResults registers fn for records of the type accepted by filter. The initial state is
// delivered asynchronously, followed by updates after each relevant commit. Records of the
// owned relations, direct or nested, count as part of their owner.
func (e *Engine) ObserveResults(typeName string, filter func(Object) bool, fn func(ResultsChange)) (*NotificationToken, error) {
	types, err := e.reg.ownedTypes(typeName)
	if err != nil {
		return nil, err
	}
	n := e.notifier
	o := &resultsObserver{tok: n.newToken(), order: n.sequence(), typ: typeName, types: types, filter: filter, fn: fn}

	// the initial state is read between commits, before the next commit captures its own state
	h := e.Handle(n.ctx)
	defer h.Close()
	err = h.reading(func() error {
		n.commitMu.Lock()
		defer n.commitMu.Unlock()
		st := o.capture(h)
		n.register(o)
		n.enqueue(func() {
			if d := o.apply(st, true); d != nil && !o.tok.Invalidated() {
				d()
			}
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't observe %s: %w", typeName, err)
	}
	return o.tok, nil
}

type objectObserver struct {
	tok   *NotificationToken
	order int64
	ref   Ref
	fn    func(ObjectChange)

	mu   sync.Mutex
	last snapshot
	gone bool
}

type objectState struct {
	obj  Object
	snap snapshot
	err  error
}

func (o *objectObserver) token() *NotificationToken { return o.tok }
func (o *objectObserver) seq() int64                { return o.order }

func (o *objectObserver) touches(types map[string]bool) bool { return types[o.ref.Type] }

func (o *objectObserver) capture(h *Handle) any {
	obj, err := h.get(o.ref)
	if err != nil {
		return objectState{err: err}
	}
	return objectState{obj: obj, snap: h.snaps[o.ref]}
}

func (o *objectObserver) apply(state any, deliver bool) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gone {
		return nil
	}

	st := state.(objectState)
	if errors.Is(st.err, ErrNotFound) {
		// deletion is terminal, the observer is dropped but its token stays valid for this delivery
		o.gone = true
		o.tok.stop()
		if !deliver {
			return nil
		}
		return func() { o.fn(ObjectChange{Deleted: true}) }
	}
	if st.err != nil {
		err := st.err
		return func() { o.fn(ObjectChange{Err: err}) }
	}

	props, err := diffSnapshots(o.last, st.snap)
	o.last = st.snap
	if err != nil {
		return func() { o.fn(ObjectChange{Err: err}) }
	}
	if !deliver || len(props) == 0 {
		return nil
	}
	return func() { o.fn(ObjectChange{Object: st.obj, Properties: props}) }
}

type resultsObserver struct {
	tok    *NotificationToken
	order  int64
	typ    string
	types  map[string]bool
	filter func(Object) bool
	fn     func(ResultsChange)

	mu     sync.Mutex
	ready  bool
	refs   []Ref
	states map[Ref]string
}

type resultsState struct {
	res    *Results
	refs   []Ref
	states map[Ref]string
	err    error
}

func (o *resultsObserver) token() *NotificationToken { return o.tok }
func (o *resultsObserver) seq() int64                { return o.order }

func (o *resultsObserver) touches(types map[string]bool) bool {
	for t := range types {
		if o.types[t] {
			return true
		}
	}
	return false
}

func (o *resultsObserver) capture(h *Handle) any {
	res, err := h.Query(o.typ, o.filter)
	if err != nil {
		return resultsState{err: err}
	}
	st := resultsState{res: res, refs: make([]Ref, 0, res.Len()), states: make(map[Ref]string, res.Len())}
	for _, obj := range res.items {
		ref := h.refs[obj]
		st.refs = append(st.refs, ref)
		st.states[ref] = stateOf(h, ref)
	}
	return st
}

func (o *resultsObserver) apply(state any, deliver bool) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := state.(resultsState)
	if st.err != nil {
		err := st.err
		return func() { o.fn(ResultsChange{Kind: ResultsError, Err: err}) }
	}

	if !o.ready {
		// initial state is taken even if a skip token was passed
		o.ready, o.refs, o.states = true, st.refs, st.states
		return func() { o.fn(ResultsChange{Kind: ResultsInitial, Results: st.res}) }
	}

	change := ResultsChange{Kind: ResultsUpdate, Results: st.res}
	for i, ref := range o.refs {
		if _, ok := st.states[ref]; !ok {
			change.Deletions = append(change.Deletions, i)
		}
	}
	for i, ref := range st.refs {
		prev, ok := o.states[ref]
		switch {
		case !ok:
			change.Insertions = append(change.Insertions, i)
		case prev != st.states[ref]:
			change.Modifications = append(change.Modifications, i)
		}
	}
	o.refs, o.states = st.refs, st.states

	if !deliver || len(change.Deletions)+len(change.Insertions)+len(change.Modifications) == 0 {
		return nil
	}
	return func() { o.fn(change) }
}

// stateOf returns stored state of ref loaded by h, including states of linked records
func stateOf(h *Handle, ref Ref) string {
	var buf bytes.Buffer
	writeState(&buf, h, ref, map[Ref]bool{})
	return buf.String()
}

func writeState(buf *bytes.Buffer, h *Handle, ref Ref, seen map[Ref]bool) {
	if seen[ref] {
		buf.WriteString("^" + ref.String())
		return
	}
	seen[ref] = true
	s := h.snaps[ref]
	buf.Write(s.body)
	names := make([]string, 0, len(s.links))
	for name := range s.links {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString("|" + name)
		for _, r := range s.links[name] {
			buf.WriteString("," + r.String() + "{")
			writeState(buf, h, r, seen)
			buf.WriteString("}")
		}
	}
}

// diffSnapshots returns changed json fields and relations, sorted by name
func diffSnapshots(prev, cur snapshot) ([]PropertyChange, error) {
	var res []PropertyChange
	if !bytes.Equal(prev.body, cur.body) {
		oldFields, newFields := map[string]json.RawMessage{}, map[string]json.RawMessage{}
		if len(prev.body) > 0 {
			if err := json.Unmarshal(prev.body, &oldFields); err != nil {
				return nil, fmt.Errorf("failed to decode previous state: %w", err)
			}
		}
		if err := json.Unmarshal(cur.body, &newFields); err != nil {
			return nil, fmt.Errorf("failed to decode current state: %w", err)
		}
		names := map[string]bool{}
		for k := range oldFields {
			names[k] = true
		}
		for k := range newFields {
			names[k] = true
		}
		for name := range names {
			o, n := oldFields[name], newFields[name]
			if bytes.Equal(o, n) {
				continue
			}
			res = append(res, PropertyChange{Name: name, Old: decodeRaw(o), New: decodeRaw(n)})
		}
	}

	rels := map[string]bool{}
	for k := range prev.links {
		rels[k] = true
	}
	for k := range cur.links {
		rels[k] = true
	}
	for name := range rels {
		if !refsEqual(prev.links[name], cur.links[name]) {
			res = append(res, PropertyChange{Name: name, Old: prev.links[name], New: cur.links[name]})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
