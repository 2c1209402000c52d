// Package eventloop runs every mutation of the arbitration core on a single
// goroutine. Transport goroutines post closures; timers fire back onto the
// loop so callbacks never race with request handling.
package eventloop

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("eventloop")

// ErrStopped is returned when a task is posted after Drain started.
var ErrStopped = errors.New("eventloop: stopped")

// Task is a unit of work run on the loop goroutine.
type Task func()

// Loop is a FIFO task queue drained by exactly one goroutine.
type Loop struct {
	clock     clockwork.Clock
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}

	// mu guards closed. Senders hold it shared so the queue is never closed
	// underneath them.
	mu     sync.RWMutex
	closed bool
}

// New starts a loop with a task queue of queueSize.
func New(clock clockwork.Clock, queueSize int) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if queueSize < 1 {
		queueSize = 1
	}

	l := &Loop{
		clock:    clock,
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	l.accepting.Store(true)

	go l.run()

	log.Info("event loop started", "queueSize", queueSize)
	return l
}

// Clock returns the clock timers are scheduled on.
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Len reports the number of queued tasks.
func (l *Loop) Len() int {
	return len(l.queue)
}

// Submit enqueues a task without blocking. Returns false if the loop is
// stopped or the queue is full.
func (l *Loop) Submit(task Task) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed || !l.accepting.Load() {
		return false
	}

	l.wg.Add(1)
	select {
	case l.queue <- task:
		return true
	default:
		l.wg.Done()
		log.Warn("event loop queue full, task rejected")
		return false
	}
}

// Post enqueues a task, waiting for queue space until ctx is done or the
// loop stops.
func (l *Loop) Post(ctx context.Context, task Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed || !l.accepting.Load() {
		return ErrStopped
	}

	l.wg.Add(1)
	select {
	case l.queue <- task:
		return nil
	case <-l.stopChan:
		l.wg.Done()
		return ErrStopped
	case <-ctx.Done():
		l.wg.Done()
		return ctx.Err()
	}
}

// RunSync runs fn on the loop and waits for it to return.
func (l *Loop) RunSync(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc schedules f to run on the loop once d has elapsed on the loop's
// clock. A fire that arrives after the loop stopped is dropped.
func (l *Loop) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	return l.clock.AfterFunc(d, func() {
		if err := l.Post(context.Background(), Task(f)); err != nil {
			log.Debug("timer fired after loop stopped")
		}
	})
}

// StopAccepting prevents new tasks from being posted.
func (l *Loop) StopAccepting() {
	l.accepting.Store(false)
}

// Drain stops accepting work and waits for queued tasks to finish, bounded
// by ctx. The loop goroutine exits once the queue is closed.
func (l *Loop) Drain(ctx context.Context) {
	l.StopAccepting()
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})

	idle := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		log.Info("event loop drained")
	case <-ctx.Done():
		log.Warn("event loop drain timed out")
	}

	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for task := range l.queue {
		l.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit and Post.
func (l *Loop) runTask(task Task) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
