// Package reactor provides the single goroutine event loop every connection
// runs on. State owned by the loop is only touched from functions executed
// by the loop; other goroutines hand work over with Post or Call.
package reactor

import (
	"context"
	"errors"
	"sync"

	"evssh/pkg/slog"
)

// ErrStopped is returned when work is handed to a loop that is no longer running
var ErrStopped = errors.New("reactor stopped")

type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	running bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(logger *slog.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run processes ticks until Stop is called. Each tick runs the functions
// queued before it started; functions queued while it runs belong to the
// next tick.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-l.wake:
				continue
			case <-l.stop:
				return
			}
		}

		for _, fn := range batch {
			if l.isStopped() {
				return
			}
			l.run(fn)
		}
	}
}

// Start runs the loop on its own goroutine
func (l *Loop) Start() *Loop {
	go l.Run()
	return l
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Recovered panic in reactor callback: %v", r)
		}
	}()
	fn()
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Stop makes Run return after the callback currently executing. Queued
// callbacks are dropped and later Posts are refused.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.stop)
	if !l.running {
		close(l.done)
	}
}

// Stopping is closed as soon as Stop is called
func (l *Loop) Stopping() <-chan struct{} {
	return l.stop
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for the next tick. It reports false when the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// NextTick is Post for callers already running on the loop
func (l *Loop) NextTick(fn func()) {
	l.Post(fn)
}

// Call runs fn on the loop and waits for it to return. It must not be used
// from a function already running on the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.stop:
		// fn may have been the callback that stopped the loop
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go starts a logical task. Tasks block freely and reach loop state only
// through Post and Call.
func (l *Loop) Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Errorf("Recovered panic in task: %v", r)
			}
		}()
		fn()
	}()
}
