// Package serializer implements a keyed FIFO task queue: for a given key,
// Run guarantees at-most-one in-flight task, tasks for the same key execute
// strictly in submission order, and tasks for different keys run fully
// concurrently. Each table is effectively a single-writer actor without
// dedicating a goroutine per table. A panicking task is recovered, logged,
// and reported to its submitter as ErrTaskPanic; it never takes down the
// process or wedges its key.
package serializer

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/decred/slog"
)

// ErrTaskPanic is returned by Run when the submitted task panicked. The
// panic value and stack are logged by the queue; callers treat this like
// any other internal failure.
var ErrTaskPanic = errors.New("serializer: task panicked")

type job struct {
	key string
	run func()
}

// queue is the per-key FIFO: a lazily-spawned worker goroutine drains jobs
// one at a time and exits once the backlog is empty, so idle table keys
// don't hold a goroutine forever.
type queue struct {
	mu      sync.Mutex
	pending []*job
	running bool
}

// Queue is a keyed task queue. The zero value is not usable; use New.
type Queue struct {
	log slog.Logger

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

// New returns an empty Queue that logs recovered task panics to log.
func New(log slog.Logger) *Queue {
	return &Queue{log: log, queues: make(map[string]*queue)}
}

// Run submits task under key k and blocks until it has run (or ctx is
// cancelled first, in which case the task may still run later but the
// caller no longer waits on it). Tasks submitted for the same key execute
// in submission order; tasks for different keys run concurrently. If task
// panics, Run returns ErrTaskPanic and the queue moves on to the next task.
func Run[T any](ctx context.Context, q *Queue, k string, task func(context.Context) (T, error)) (T, error) {
	var zero T
	type result struct {
		v   T
		err error
	}
	resultCh := make(chan result, 1)

	ok := q.enqueue(k, func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Errorf("serializer.task.panic: key=%s: %v\n%s", k, r, debug.Stack())
				resultCh <- result{err: ErrTaskPanic}
			}
		}()
		v, err := task(ctx)
		resultCh <- result{v: v, err: err}
	})
	if !ok {
		return zero, context.Canceled
	}

	select {
	case r := <-resultCh:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// enqueue appends fn to key k's queue, spawning its drain goroutine if one
// isn't already running. Returns false if the Queue has been cleared/closed.
func (q *Queue) enqueue(k string, fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	qq, ok := q.queues[k]
	if !ok {
		qq = &queue{}
		q.queues[k] = qq
	}
	q.mu.Unlock()

	qq.mu.Lock()
	qq.pending = append(qq.pending, &job{key: k, run: fn})
	needsWorker := !qq.running
	if needsWorker {
		qq.running = true
	}
	qq.mu.Unlock()

	if needsWorker {
		go q.drain(qq)
	}
	return true
}

func (q *Queue) drain(qq *queue) {
	for {
		qq.mu.Lock()
		if len(qq.pending) == 0 {
			qq.running = false
			qq.mu.Unlock()
			return
		}
		j := qq.pending[0]
		qq.pending = qq.pending[1:]
		qq.mu.Unlock()

		q.runJob(j)
	}
}

// runJob is the drain loop's backstop: Run's own closure already recovers
// task panics, but nothing that escapes a job may kill the worker — the
// jobs queued behind it still have waiters.
func (q *Queue) runJob(j *job) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("serializer.job.panic: key=%s: %v\n%s", j.key, r, debug.Stack())
		}
	}()
	j.run()
}

// Clear drops all pending (not-yet-started) tasks across every key and
// rejects any further submissions. Used on shutdown. Tasks already running
// are allowed to finish.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, qq := range q.queues {
		qq.mu.Lock()
		qq.pending = nil
		qq.mu.Unlock()
	}
	q.queues = make(map[string]*queue)
}
