// Package workerpool runs short jobs on a fixed set of goroutines. Jobs are
// grouped in rooms; a room reports the errors of its own jobs once they all
// finished.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrQueueFull is returned by NewTask when no task slot is free.
	ErrQueueFull = errors.New("workerpool: global buffer is full")
	// ErrClosed is reported for tasks submitted after Close.
	ErrClosed = errors.New("workerpool: pool closed")
)

type WorkerPool struct {
	config    Config
	taskQueue chan task

	// mu is held shared while submitting, so Close never closes the queue
	// under a sender.
	mu     sync.RWMutex
	closed bool
}

type Config struct {
	// WorkerCount defaults to the number of CPUs.
	WorkerCount int
	// GlobalBuffer is the task queue capacity, 1024 by default.
	GlobalBuffer int
}

type task struct {
	run  func(context.Context) error
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.finish(t.run(t.room.ctx))
	}
}

// Close stops the workers after the queued tasks ran. Tasks submitted
// afterwards fail with ErrClosed. Close waits for submissions in flight.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.taskQueue)
}

// Room groups tasks. Once one of them failed or the room's context is done,
// tasks not yet queued are dropped.
type Room struct {
	ctx    context.Context
	wp     *WorkerPool
	wg     sync.WaitGroup
	failed atomic.Bool

	mu   sync.Mutex
	errs *multierror.Error
}

func (wp *WorkerPool) CreateRoom(ctx context.Context) *Room {
	return &Room{ctx: ctx, wp: wp}
}

func (ro *Room) skip() bool {
	return ro.failed.Load() || ro.ctx.Err() != nil
}

// NewTaskWaitForFreeSlot queues job, blocking while the queue is full.
func (ro *Room) NewTaskWaitForFreeSlot(job func(context.Context) error) {
	if ro.skip() {
		return
	}
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	ro.wg.Add(1)
	if ro.wp.closed {
		ro.finish(ErrClosed)
		return
	}
	select {
	case ro.wp.taskQueue <- task{run: job, room: ro}:
	case <-ro.ctx.Done():
		ro.wg.Done()
	}
}

// NewTask queues job without blocking.
func (ro *Room) NewTask(job func(context.Context) error) error {
	if ro.skip() {
		return nil
	}
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}
	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- task{run: job, room: ro}:
		return nil
	default:
		ro.wg.Done()
		return ErrQueueFull
	}
}

func (ro *Room) finish(err error) {
	if err != nil {
		ro.failed.Store(true)
		ro.mu.Lock()
		ro.errs = multierror.Append(ro.errs, err)
		ro.mu.Unlock()
	}
	ro.wg.Done()
}

// Wait blocks until every queued task of the room finished. It returns the
// tasks' errors, or the context error when tasks were dropped because the
// context ended.
func (ro *Room) Wait() error {
	ro.wg.Wait()
	ro.mu.Lock()
	defer ro.mu.Unlock()
	if err := ro.errs.ErrorOrNil(); err != nil {
		return err
	}
	return ro.ctx.Err()
}
