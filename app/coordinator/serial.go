package coordinator

import (
	"sync"

	log "github.com/go-pkgz/lgr"
)

// Dispatcher runs completion callbacks in the caller's chosen context
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc is an adapter to use a function as Dispatcher
type DispatcherFunc func(fn func())

// Dispatch calls f(fn)
func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Goroutine dispatches every callback on a new goroutine
var Goroutine Dispatcher = DispatcherFunc(func(fn func()) { go fn() })

// Serial is a FIFO executor running one job at a time on its own goroutine.
// It serves as a write queue and can be used by callers as a completion context.
type Serial struct {
	name string

	mu     sync.Mutex
	jobs   []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}
}

// NewSerial makes and starts a serial executor
func NewSerial(name string) *Serial {
	s := &Serial{name: name, wake: make(chan struct{}, 1), stopped: make(chan struct{})}
	go s.loop()
	log.Printf("[DEBUG] queue %s started", name)
	return s
}

// Name returns queue name
func (s *Serial) Name() string { return s.name }

// Dispatch enqueues fn. After Close fn runs on its own goroutine, so it is never lost.
func (s *Serial) Dispatch(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Printf("[DEBUG] queue %s closed, run job detached", s.name)
		go s.run(fn)
		return
	}
	s.jobs = append(s.jobs, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns number of pending jobs
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops accepting jobs, waits for queued jobs to finish. Must not be called from a job.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.stopped
	log.Printf("[DEBUG] queue %s stopped", s.name)
}

func (s *Serial) loop() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.jobs) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		job := s.jobs[0]
		s.jobs[0] = nil
		s.jobs = s.jobs[1:]
		s.mu.Unlock()
		s.run(job)
	}
}

func (s *Serial) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] job in queue %s panicked, %v", s.name, r)
		}
	}()
	job()
}
