// Package dispatch provides the single-threaded cooperative executor
// that serializes all coordinator-initiated work. Tasks run strictly
// FIFO on one goroutine; delayed tasks re-enter the queue when their
// timer fires and can be canceled until then.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/svcfields"
)

// ErrClosed indicates the queue no longer accepts work.
var ErrClosed = errors.New("dispatch: queue closed")

type taskState int

const (
	taskPending taskState = iota
	taskEnqueued
	taskCanceled
)

// DelayedTask is the cancelable handle returned by EnqueueAfterDelay.
type DelayedTask struct {
	TimerID string

	q     *Queue
	due   time.Time
	fn    func(ctx context.Context)
	state taskState
	fired chan struct{}
}

// Cancel prevents execution if the task has not been handed to the
// queue yet. Cancellation is best-effort: a task already enqueued or
// running is not aborted.
func (d *DelayedTask) Cancel() {
	if d == nil {
		return
	}
	d.q.mu.Lock()
	if d.state == taskPending {
		d.state = taskCanceled
		delete(d.q.delayed, d)
		close(d.fired)
	}
	d.q.mu.Unlock()
}

type queuedTask struct {
	name string
	fn   func(ctx context.Context)
}

// Queue is a FIFO executor backed by a single goroutine.
type Queue struct {
	logger pslog.Logger
	clk    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []queuedTask
	delayed map[*DelayedTask]struct{}
	running bool
	closed  bool
	done    chan struct{}
}

// New constructs a queue and starts its executor goroutine.
func New(logger pslog.Logger, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:  svcfields.WithSubsystem(svcfields.Ensure(logger), "dispatch"),
		clk:     clk,
		ctx:     ctx,
		cancel:  cancel,
		delayed: make(map[*DelayedTask]struct{}),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		next := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.running = true
		q.mu.Unlock()
		q.invoke(next)
		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) invoke(t queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch.task.panic", "task", t.name, "panic", r)
		}
	}()
	t.fn(q.ctx)
}

// Enqueue schedules fn and waits for it to complete, returning its
// error. It fails with ErrClosed when the queue has shut down.
func (q *Queue) Enqueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	ok := q.push(queuedTask{name: name, fn: func(taskCtx context.Context) {
		result <- fn(taskCtx)
	}})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAndForget schedules fn without waiting. Errors are the task's
// own responsibility; enqueues on a closed queue are dropped with a
// debug log.
func (q *Queue) EnqueueAndForget(name string, fn func(ctx context.Context)) {
	if !q.push(queuedTask{name: name, fn: fn}) {
		q.logger.Debug("dispatch.enqueue.dropped", "task", name)
	}
}

func (q *Queue) push(t queuedTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.cond.Broadcast()
	return true
}

// EnqueueAfterDelay schedules fn to run once after delay. The returned
// handle cancels execution if the timer has not fired yet. A nil
// handle is returned when the queue is closed.
func (q *Queue) EnqueueAfterDelay(timerID string, delay time.Duration, fn func(ctx context.Context)) *DelayedTask {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("dispatch.enqueue.dropped", "task", timerID)
		return nil
	}
	d := &DelayedTask{
		TimerID: timerID,
		q:       q,
		due:     q.clk.Now().Add(delay),
		fn:      fn,
		state:   taskPending,
		fired:   make(chan struct{}),
	}
	q.delayed[d] = struct{}{}
	q.mu.Unlock()
	go q.await(d, delay)
	return d
}

func (q *Queue) await(d *DelayedTask, delay time.Duration) {
	select {
	case <-q.clk.After(delay):
	case <-d.fired:
		return
	}
	q.mu.Lock()
	if d.state != taskPending {
		q.mu.Unlock()
		return
	}
	d.state = taskEnqueued
	delete(q.delayed, d)
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("dispatch.enqueue.dropped", "task", d.TimerID)
		return
	}
	q.tasks = append(q.tasks, queuedTask{name: d.TimerID, fn: d.fn})
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Settle blocks until the queue is quiescent: no queued task, no task
// running, and no due delayed task that has not re-entered the queue
// yet. Tests advance a manual clock and then settle.
func (q *Queue) Settle(ctx context.Context) error {
	for {
		if q.Quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Quiescent reports whether the queue has nothing runnable or due.
func (q *Queue) Quiescent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) > 0 || q.running {
		return false
	}
	now := q.clk.Now()
	for d := range q.delayed {
		if d.state == taskPending && !d.due.After(now) {
			return false
		}
	}
	return true
}

// Close drains queued tasks, cancels pending delayed tasks and waits
// for the executor to exit. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	for d := range q.delayed {
		d.state = taskCanceled
		delete(q.delayed, d)
		close(d.fired)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
	q.cancel()
}
