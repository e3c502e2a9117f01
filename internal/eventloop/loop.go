// Package eventloop runs closures one at a time on a single goroutine. Widget
// and console state is only ever touched from inside the loop, which gives the
// same cooperative, run-to-completion model a UI thread has.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Do after Stop.
var ErrStopped = errors.New("event loop stopped")

// Loop is a serial executor.
type Loop struct {
	queue chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New starts a loop with the given queue depth.
func New(depth int) *Loop {
	if depth <= 0 {
		depth = 256
	}
	l := &Loop{
		queue: make(chan func(), depth),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.queue:
			fn()
		case <-l.quit:
			return
		}
	}
}

// Post queues fn. It reports false when the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
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

// Stop ends the loop after the closure currently running. Queued closures are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
