// Package looper runs posted tasks one at a time on a single goroutine.
//
// The bridge relies on it as its control thread: inbound calls and
// recognizer callbacks are all posted here, so the state they touch needs no
// locking.
package looper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("looper stopped")

type Looper struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
	log   *slog.Logger
}

func New(queueSize int, log *slog.Logger) *Looper {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Looper{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Post enqueues fn. It blocks while the queue is full and fails once the
// looper has stopped.
func (l *Looper) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call runs fn on the looper and waits for it to finish. Unlike Post it
// gives up when ctx is done, even while the queue is full.
func (l *Looper) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that
// point are discarded.
func (l *Looper) Run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Looper) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("looper task panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func (l *Looper) stop() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once Run has returned.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}
