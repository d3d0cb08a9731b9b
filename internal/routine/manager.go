// Package routine runs background tasks keyed by id, at most one per id, each
// with its own panic boundary.
package routine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler does the work of a task. ctx is cancelled by Shutdown, Close or the
// manager's base context.
type Handler func(ctx context.Context) error

var (
	ErrEmptyID       = errors.New("routine: empty id")
	ErrNilHandler    = errors.New("routine: nil handler")
	ErrRunning       = errors.New("routine: task already running")
	ErrNotFound      = errors.New("routine: task not found")
	ErrManagerClosed = errors.New("routine: manager closed")
)

// PanicError is passed to OnError when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("routine: panic: %v", e.Value) }

// Task is a handler plus optional lifecycle hooks.
type Task struct {
	ID      string
	Handler Handler

	OnStart func(id string)
	OnDone  func(id string)
	OnError func(id string, err error)

	cancel context.CancelFunc
	done   chan struct{}
}

// Manager tracks running tasks.
type Manager struct {
	baseCtx context.Context

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a manager whose tasks derive from ctx.
func NewManager(ctx context.Context) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{baseCtx: ctx, tasks: make(map[string]*Task)}
}

// Go starts handler under id.
func (m *Manager) Go(id string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	return m.Start(&Task{ID: id, Handler: handler})
}

// Start runs task in a new goroutine. It fails with ErrRunning while another
// task with the same id is live.
func (m *Manager) Start(task *Task) error {
	if task == nil || task.Handler == nil {
		return ErrNilHandler
	}
	if task.ID == "" {
		return ErrEmptyID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.tasks[task.ID]; ok {
		m.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	task.cancel = cancel
	task.done = make(chan struct{})
	m.tasks[task.ID] = task
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, task)
	return nil
}

// Running reports whether a task with id is live.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// Len returns the number of live tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown cancels the task and waits for it to return.
func (m *Manager) Shutdown(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	task.cancel()
	<-task.done
	return nil
}

// Wait blocks until every live task has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Close refuses new tasks, cancels the live ones and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, task := range m.tasks {
		task.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, task *Task) {
	defer m.wg.Done()
	defer func() {
		task.cancel()
		m.mu.Lock()
		if cur, ok := m.tasks[task.ID]; ok && cur == task {
			delete(m.tasks, task.ID)
		}
		m.mu.Unlock()
		close(task.done)
		if task.OnDone != nil {
			task.OnDone(task.ID)
		}
	}()

	if task.OnStart != nil {
		task.OnStart(task.ID)
	}
	if err := invoke(ctx, task.Handler); err != nil {
		if task.OnError != nil {
			task.OnError(task.ID, err)
		} else {
			log.Warn().Err(err).Str("task", task.ID).Msg("routine: task failed")
		}
	}
}

func invoke(ctx context.Context, h Handler) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h(ctx)
}
