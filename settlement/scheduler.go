package settlement

import (
	"sync"
	"time"
)

// Scheduler runs fn after delay without blocking the caller.
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

// SchedulerFunc lifts bare functions into [Scheduler].
type SchedulerFunc func(delay time.Duration, fn func())

// Schedule delegates to the wrapped function.
func (f SchedulerFunc) Schedule(delay time.Duration, fn func()) {
	f(delay, fn)
}

// TimerScheduler runs tasks on runtime timers.
type TimerScheduler struct{}

// Schedule implements [Scheduler].
func (TimerScheduler) Schedule(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// ManualScheduler queues tasks until the caller runs them. It makes
// asynchronous progress deterministic in tests.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

// Schedule implements [Scheduler].
func (m *ManualScheduler) Schedule(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, fn)
}

// Pending returns the number of queued tasks.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunNext runs the queued tasks once. Tasks they schedule stay queued.
func (m *ManualScheduler) RunNext() int {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

// RunAll runs tasks until the queue is empty.
func (m *ManualScheduler) RunAll() {
	for m.RunNext() > 0 {
	}
}
