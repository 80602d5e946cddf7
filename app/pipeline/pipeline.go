// Package pipeline runs asynchronous tasks one after another. Each task reports its end through
// a done callback, the next task starts only after it.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Task is a named asynchronous step. Run must call done exactly once, from any goroutine.
type Task struct {
	Name string
	Run  func(done func(err error))
}

// Tracker records tasks in progress, see resumer.Resumer
type Tracker interface {
	OnStart(name string) (string, error)
	OnFinish(id string) error
}

// Pipeline is an ordered list of tasks
type Pipeline struct {
	mu      sync.Mutex
	tasks   []Task
	tracker Tracker
}

// New makes pipeline with tasks
func New(tasks ...Task) *Pipeline {
	return &Pipeline{tasks: tasks}
}

// Add appends tasks
func (p *Pipeline) Add(tasks ...Task) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, tasks...)
	return p
}

// Track sets tracker of started tasks. Failed and interrupted tasks stay tracked.
func (p *Pipeline) Track(t Tracker) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker = t
	return p
}

// Len returns number of tasks
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Run executes tasks in order and stops on the first failed one or on canceled context.
// Returns number of completed tasks.
func (p *Pipeline) Run(ctx context.Context) (int, error) {
	p.mu.Lock()
	tasks := make([]Task, len(p.tasks))
	copy(tasks, p.tasks)
	tracker := p.tracker
	p.mu.Unlock()

	for i, t := range tasks {
		st := time.Now()
		var id string
		if tracker != nil {
			var err error
			if id, err = tracker.OnStart(t.Name); err != nil {
				log.Printf("[WARN] can't track task %q, %v", t.Name, err)
			}
		}
		errCh := make(chan error, 1)
		var once sync.Once
		t.Run(func(err error) {
			once.Do(func() { errCh <- err })
		})
		select {
		case err := <-errCh:
			if err != nil {
				return i, fmt.Errorf("task %q failed: %w", t.Name, err)
			}
			log.Printf("[INFO] task %q completed in %v", t.Name, time.Since(st))
			if tracker != nil && id != "" {
				if err := tracker.OnFinish(id); err != nil {
					log.Printf("[WARN] can't untrack task %q, %v", t.Name, err)
				}
			}
		case <-ctx.Done():
			return i, fmt.Errorf("task %q interrupted: %w", t.Name, ctx.Err())
		}
	}
	return len(tasks), nil
}
