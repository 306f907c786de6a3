// Package queue implements the bounded-concurrency async work queue driving
// sandbox execution: at most N tasks run concurrently, Enqueue always
// returns a result channel, and Clear rejects anything still waiting with a
// cancellation marker rather than silently dropping it.
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cklxx-labs/parallex/internal/errtax"
	"github.com/cklxx-labs/parallex/internal/xlog"
)

// Task is one unit of work; key groups FIFO ordering (same key ⇒ strict
// FIFO, different keys ⇒ best-effort FIFO across the whole queue).
type Task func(ctx context.Context) error

// Handle is returned by Enqueue; Done resolves/rejects with the task's
// result, mirroring the "enqueue always returns a promise" semantics.
type Handle struct {
	Done <-chan error
}

type entry struct {
	key  string
	task Task
	done chan error
}

// Queue is the bounded-concurrency dispatcher. It is safe for concurrent use.
type Queue struct {
	log xlog.Logger
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending []*entry
	running int
	started bool
	stopped bool
	cond    *sync.Cond

	wg sync.WaitGroup
}

// New constructs a Queue bounded to parallel concurrent tasks.
func New(parallel int) *Queue {
	if parallel < 1 {
		parallel = 1
	}
	q := &Queue{
		log: xlog.NewComponentLogger("queue"),
		sem: semaphore.NewWeighted(int64(parallel)),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue queues task under key (key may be empty) and returns a Handle
// whose Done channel receives the task's error (nil on success).
func (q *Queue) Enqueue(task Task, key string) Handle {
	done := make(chan error, 1)
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		done <- &errtax.CancelledError{Reason: "queue stopped"}
		return Handle{Done: done}
	}
	q.pending = append(q.pending, &entry{key: key, task: task, done: done})
	started := q.started
	q.mu.Unlock()

	if started {
		q.cond.Broadcast()
	}
	return Handle{Done: done}
}

// Size reports the number of tasks the queue still has outstanding: those
// waiting to start plus those currently running. After Clear rejects every
// waiting task, Size equals exactly the still-running count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.running
}

// Start begins draining the queue; before Start, enqueued tasks accumulate
// but never run.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drain(ctx)
}

// Stop prevents new tasks from being picked up; tasks already running
// finish normally.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Wait blocks until the drain loop has exited (after Stop, once all
// in-flight tasks settle).
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Clear drops every task still waiting to start; each dropped task's Done
// channel receives a CancelledError as its cancellation marker.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range dropped {
		e.done <- &errtax.CancelledError{Reason: "queue cleared"}
	}
	q.cond.Broadcast()
}

// drain pops the front of pending only once a semaphore slot is actually
// available, so a task sitting in pending while every slot is busy is still
// visible to, and rejectable by, Clear.
func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.mu.Unlock()

		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.removeIfFront(e)
			// Clear may have rejected e while Acquire blocked; its done
			// channel already holds the cancellation then.
			select {
			case e.done <- err:
			default:
			}
			continue
		}

		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 || q.pending[0] != e {
			// e was rejected by Clear, or the queue was stopped, while we
			// waited for a slot.
			q.mu.Unlock()
			q.sem.Release(1)
			continue
		}
		q.pending = q.pending[1:]
		q.running++
		q.mu.Unlock()

		q.wg.Add(1)
		go func(e *entry) {
			defer q.wg.Done()
			defer q.sem.Release(1)
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						q.log.Error("task panic under key %q: %v", e.key, r)
						err = &errtax.CancelledError{Reason: "task panicked"}
					}
				}()
				return e.task(ctx)
			}()
			q.mu.Lock()
			q.running--
			q.mu.Unlock()
			e.done <- err
		}(e)
	}
}

func (q *Queue) removeIfFront(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 && q.pending[0] == e {
		q.pending = q.pending[1:]
	}
}
