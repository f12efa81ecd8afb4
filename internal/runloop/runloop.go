// Package runloop provides the single-threaded cooperative scheduler the
// write pipeline runs on. All writer and worker state is mutated only from
// loop context; RPC transports hand their completions back to the loop, and
// every suspension is either an op completion or a timer.
package runloop

import (
	"sync"
	"time"
)

// Timer is a cancelable pending callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

// Scheduler is the clock and timer surface the writer depends on. The Loop
// implements it for production; tests substitute a Manual scheduler.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop executes submitted tasks on a single goroutine.
type Loop struct {
	tasks chan func()

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New returns a loop ready to Run.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 128),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until Stop is called. It blocks the calling goroutine.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			// Drain whatever was already queued so no completion is lost.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop terminates Run after the queue drains.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}

// Submit schedules fn to run on the loop. Safe from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	l.tasks <- fn
}

// Call runs fn on the loop and waits for it to return. Must not be called
// from loop context.
func (l *Loop) Call(fn func()) {
	ch := make(chan struct{})
	l.Submit(func() {
		fn()
		close(ch)
	})
	<-ch
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time { return time.Now() }

type loopTimer struct {
	t *time.Timer
}

func (t *loopTimer) Stop() bool { return t.t.Stop() }

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return &loopTimer{t: time.AfterFunc(d, func() { l.Submit(fn) })}
}
