// Package workqueue serializes the work of the TACS engine on one goroutine.
package workqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Queue runs submitted functions one at a time, in submission order, on a
// single goroutine. It is unbounded: Dispatch never blocks.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	busy    bool
	stopped bool
	done    chan struct{}
}

// New starts a queue. Stop releases its goroutine.
func New() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Dispatch schedules fn. It returns false once the queue is stopped.
func (q *Queue) Dispatch(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Broadcast()
	return true
}

// Flush blocks until every function dispatched so far, and everything they
// dispatched in turn, has run. It must not be called from the queue itself.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.items) > 0 || q.busy) && !q.stopped {
		q.cond.Wait()
	}
}

// Stop drops pending work and waits for the running function to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.busy = false
			q.cond.Broadcast()
			q.cond.Wait()
		}
		if q.stopped {
			q.busy = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.busy = true
		q.mu.Unlock()

		fn()
	}
}

// Timer is a delayed dispatch created by AfterFunc.
type Timer struct {
	t       clock.Timer
	stopped atomic.Bool
}

// Stop cancels the timer. A callback already queued but not yet run is skipped.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	if t.t != nil {
		t.t.Stop()
	}
}

// AfterFunc dispatches fn onto the queue once d has elapsed on c.
func (q *Queue) AfterFunc(c clock.WithDelayedExecution, d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = c.AfterFunc(d, func() {
		q.Dispatch(func() {
			if !tm.stopped.Load() {
				fn()
			}
		})
	})
	return tm
}
