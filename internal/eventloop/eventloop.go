// Package eventloop provides a serial executor: one goroutine runs posted
// closures in order, so everything it runs can share state without locks.
//
// The player, codec facade, proxy client and byte source all deliver their
// completions through a Loop, which gives the engine the single logical
// thread it relies on.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

// Executor accepts closures to run later on a single goroutine.
// Post reports false if the executor has shut down and fn will never run.
type Executor interface {
	Post(fn func()) bool
}

// PanicHandler receives a value recovered from a task.
type PanicHandler func(v any)

// Loop is an unbounded FIFO of tasks drained by Run.
type Loop struct {
	mu      sync.Mutex
	tasks   deque.Deque[func()]
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	onPanic PanicHandler
	log     *slog.Logger
}

// New creates a loop. Run must be called to start executing tasks.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logger.With("component", "eventloop"),
	}
}

// SetPanicHandler installs h to receive panics recovered from tasks.
// Without a handler a panicking task crashes the program.
// Must be called before Run.
func (l *Loop) SetPanicHandler(h PanicHandler) {
	l.onPanic = h
}

// Post queues fn. It never blocks.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks.PushBack(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a task running on the same loop. It returns false if the loop shut
// down before fn ran.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Timer is a cancellable deferred task.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop cancels the timer. The task is guaranteed not to run after Stop
// returns if Stop is called from the loop goroutine.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

// AfterFunc posts fn to the loop after d elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Load() {
				return
			}
			fn()
		})
	})
	return tm
}

// Run executes tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()

	for {
		for {
			fn, ok := l.pop()
			if !ok {
				break
			}
			l.call(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.tasks.Len() == 0 {
		return nil, false
	}
	return l.tasks.PopFront(), true
}

func (l *Loop) call(fn func()) {
	if l.onPanic == nil {
		fn()
		return
	}
	defer func() {
		if v := recover(); v != nil {
			l.log.Error("Task panicked", "panic", v)
			l.onPanic(v)
		}
	}()
	fn()
}

// Close stops the loop. Pending tasks are discarded.
func (l *Loop) Close() {
	l.shutdown()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.tasks.Clear()
	close(l.done)
}

// Done is closed once the loop has shut down.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
