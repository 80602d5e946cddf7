package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type trackerMock struct {
	mock.Mock
}

func (m *trackerMock) OnStart(name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *trackerMock) OnFinish(id string) error {
	return m.Called(id).Error(0)
}

func TestPipeline_Run(t *testing.T) {
	var mu sync.Mutex
	var log []string
	task := func(name string, delay time.Duration) Task {
		return Task{Name: name, Run: func(done func(error)) {
			go func() {
				time.Sleep(delay)
				mu.Lock()
				log = append(log, name)
				mu.Unlock()
				done(nil)
				done(errors.New("second call ignored"))
			}()
		}}
	}

	p := New(task("first", 30*time.Millisecond), task("second", 0))
	p.Add(task("third", 10*time.Millisecond))
	assert.Equal(t, 3, p.Len())

	n, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, log, "finish then next")
}

func TestPipeline_Failure(t *testing.T) {
	var ran []string
	p := New(
		Task{Name: "ok", Run: func(done func(error)) { ran = append(ran, "ok"); done(nil) }},
		Task{Name: "bad", Run: func(done func(error)) { ran = append(ran, "bad"); done(errors.New("oops")) }},
		Task{Name: "never", Run: func(done func(error)) { ran = append(ran, "never"); done(nil) }},
	)
	n, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), `task "bad" failed: oops`)
	assert.Equal(t, []string{"ok", "bad"}, ran)
}

func TestPipeline_Canceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := New(Task{Name: "stuck", Run: func(func(error)) {}})
	n, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, n)

	n, err = New().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPipeline_Track(t *testing.T) {
	tr := &trackerMock{}
	tr.On("OnStart", "ok").Return("id-ok", nil).Once()
	tr.On("OnFinish", "id-ok").Return(nil).Once()
	tr.On("OnStart", "untracked").Return("", errors.New("disk full")).Once()
	tr.On("OnStart", "bad").Return("id-bad", nil).Once()

	ok := func(done func(error)) { done(nil) }
	p := New(
		Task{Name: "ok", Run: ok},
		Task{Name: "untracked", Run: ok},
		Task{Name: "bad", Run: func(done func(error)) { done(errors.New("oops")) }},
	).Track(tr)
	n, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	tr.AssertExpectations(t)
	tr.AssertNotCalled(t, "OnFinish", "id-bad")
}
