// Package eventloop runs every state mutation of a voice session on a single
// goroutine. Audio callbacks, network completions, recognizer events and
// timers are posted to the loop and executed one at a time, in order.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Dispatcher accepts callbacks to run on the loop goroutine.
type Dispatcher interface {
	Post(fn func())
}

type Loop struct {
	clock Clock

	mu       sync.Mutex
	queue    []func()
	inflight int
	wake     chan struct{}
}

func New(clock Clock) *Loop {
	if clock == nil {
		clock = RealClock()
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

func (l *Loop) Clock() Clock { return l.clock }

// Post enqueues fn. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

// Go runs work on its own goroutine and posts the returned continuation back
// to the loop. Blocking calls (device open, HTTP, dialing) go through here so
// that the loop itself never blocks.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
	go func() {
		done := work()
		l.mu.Lock()
		l.inflight--
		if done != nil {
			l.queue = append(l.queue, done)
		}
		l.mu.Unlock()
		l.signal()
	}()
}

// AfterFunc schedules fn on the loop after d. Stopping the returned timer
// from the loop guarantees fn will not run, even if the clock already fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped || t.fired {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Run processes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.runQueued()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntilIdle processes callbacks until the queue is empty and no Go work is
// in flight. Tests and synchronous drivers use it instead of Run.
func (l *Loop) RunUntilIdle() int {
	ran, _ := l.drain(context.Background())
	return ran
}

// Drain is RunUntilIdle bounded by ctx. It must not overlap Run; shutdown
// calls it after Run has returned to flush the last callbacks and Go work.
func (l *Loop) Drain(ctx context.Context) error {
	_, err := l.drain(ctx)
	return err
}

func (l *Loop) drain(ctx context.Context) (int, error) {
	ran := 0
	for {
		ran += l.runQueued()
		l.mu.Lock()
		idle := len(l.queue) == 0 && l.inflight == 0
		l.mu.Unlock()
		if idle {
			return ran, nil
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ran, ctx.Err()
		}
	}
}

func (l *Loop) runQueued() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return ran
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
		ran++
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a loop-bound timer. Its fields are only touched on the loop.
type Timer struct {
	inner   ClockTimer
	stopped bool
	fired   bool
}

// Stop cancels the timer. It reports whether the callback was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.inner.Stop()
	return true
}

// Pending reports whether the callback has neither run nor been stopped.
func (t *Timer) Pending() bool {
	return t != nil && !t.stopped && !t.fired
}
