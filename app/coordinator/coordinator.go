// Package coordinator serializes mutating operations per named queue. Each operation gets a
// fresh handle on the queue goroutine, resolves captured references, runs in a write
// transaction and reports the result through a completion delivered after a short delay.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/objstore/app/engine"
	"github.com/umputun/objstore/app/reference"
)

// queue names for the three operation classes
const (
	QueueDelete = "objstore.delete.async"
	QueueEdit   = "objstore.edit.async"
	QueueWrite  = "objstore.write.async"
)

// DefaultDelay is the default delay of completion delivery
const DefaultDelay = time.Millisecond

// errors reported through completions
var (
	ErrConfigInvalid = errors.New("store handle unavailable")
	ErrWrite         = errors.New("write failed")
	ErrClosed        = errors.New("coordinator closed")
)

// Builder makes fresh handles
type Builder interface {
	Build(ctx context.Context) (*engine.Handle, error)
}

// Op is a mutation running inside a write transaction. resolved matches Request.Refs by index.
type Op func(h *engine.Handle, resolved []reference.Resolved) error

// Request describes one mutating operation
type Request struct {
	Queue            string
	Refs             []reference.Token
	Op               Op
	WithoutNotifying []*engine.NotificationToken
	DeliverOn        Dispatcher // nil delivers on the coordinator delivery goroutine
	Completion       func(err error)
}

// Coordinator runs requests on serial queues
type Coordinator struct {
	builder Builder
	delay   time.Duration

	mu       sync.Mutex
	queues   map[string]*Serial
	delivery *Serial
	closed   bool
}

// Option modifies coordinator
type Option func(c *Coordinator)

// WithDelay sets delay between commit and completion delivery
func WithDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

// New makes coordinator with delete, edit and write queues
func New(builder Builder, opts ...Option) *Coordinator {
	c := &Coordinator{builder: builder, delay: DefaultDelay, queues: map[string]*Serial{}}
	for _, opt := range opts {
		opt(c)
	}
	for _, name := range []string{QueueDelete, QueueEdit, QueueWrite} {
		c.queues[name] = NewSerial(name)
	}
	c.delivery = NewSerial("objstore.delivery")
	return c
}

// Execute enqueues request and returns immediately. Requests of the same queue run in
// submission order, one at a time. Completion fires exactly once.
func (c *Coordinator) Execute(req Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go c.deliver(req, ErrClosed)
		return
	}
	q, ok := c.queues[req.Queue]
	if !ok {
		q = NewSerial(req.Queue)
		c.queues[req.Queue] = q
	}
	c.mu.Unlock()

	q.Dispatch(func() {
		err := c.runAsync(req)
		due := time.Now().Add(c.delay)
		c.delivery.Dispatch(func() {
			time.Sleep(time.Until(due))
			c.deliver(req, err)
		})
	})
}

// ExecuteSync runs request on the calling goroutine with h, or with a fresh handle if h is nil.
// Refs are not resolved, objects are expected to be live on h already. Completion is called
// before return.
func (c *Coordinator) ExecuteSync(ctx context.Context, h *engine.Handle, req Request) error {
	err := func() error {
		if h == nil {
			built, err := c.builder.Build(ctx)
			if err != nil {
				log.Printf("[WARN] can't build handle for %s, %v", req.Queue, err)
				return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
			}
			defer built.Close()
			h = built
		}
		if h.InWrite() {
			return fmt.Errorf("%w: %w", ErrWrite, engine.ErrInWrite)
		}
		return c.run(h, req, nil)
	}()
	if req.Completion != nil {
		req.Completion(err)
	}
	return err
}

// Queue returns serial executor of the named queue, nil if unknown
func (c *Coordinator) Queue(name string) *Serial {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[name]
}

// Close waits for queued requests and their completions
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queues := make([]*Serial, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	c.delivery.Close()
}

func (c *Coordinator) runAsync(req Request) error {
	ctx := context.Background()
	h, err := c.builder.Build(ctx)
	if err != nil {
		log.Printf("[WARN] can't build handle for %s, %v", req.Queue, err)
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	defer h.Close()
	return c.run(h, req, req.Refs)
}

// run executes one transaction. Unresolvable references skip the operation without error.
func (c *Coordinator) run(h *engine.Handle, req Request, refs []reference.Token) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] operation in %s panicked, %v", req.Queue, r)
			if h.InWrite() {
				_ = h.CancelWrite()
			}
			err = fmt.Errorf("%w: panic: %v", ErrWrite, r)
		}
	}()

	if err = h.BeginWrite(); err != nil {
		log.Printf("[WARN] can't begin write in %s, %v", req.Queue, err)
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	resolved, err := reference.ResolveAll(h, refs)
	if err != nil {
		log.Printf("[WARN] skip operation in %s, %v", req.Queue, err)
		_ = h.CancelWrite()
		return nil
	}

	if req.Op != nil {
		if err = req.Op(h, resolved); err != nil {
			if h.InWrite() {
				_ = h.CancelWrite()
			}
			log.Printf("[WARN] operation in %s failed, %v", req.Queue, err)
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
	}

	if err = h.CommitWrite(req.WithoutNotifying...); err != nil {
		log.Printf("[WARN] commit in %s failed, %v", req.Queue, err)
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func (c *Coordinator) deliver(req Request, err error) {
	if req.Completion == nil {
		return
	}
	if req.DeliverOn != nil {
		req.DeliverOn.Dispatch(func() { req.Completion(err) })
		return
	}
	req.Completion(err)
}
