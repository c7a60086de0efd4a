// Package workerpool runs submitted tasks on a fixed set of goroutines.
// A pool of one worker serializes tasks in submission order.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("workerpool: stopped")
	ErrQueueFull = errors.New("workerpool: queue full")
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name       string
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopping   chan struct{}
	stopChan   chan struct{}
	submitMu   sync.RWMutex
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopping:   make(chan struct{}),
		stopChan:   make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking.
// wg.Add is called before enqueue to prevent a race with Drain.
func (p *Pool) Submit(task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if !p.accepting.Load() {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, waiting for queue space until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if !p.accepting.Load() {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	case <-p.stopping:
		p.wg.Done()
		return ErrStopped
	}
}

// Len returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Len() int {
	return len(p.queue)
}

// StopAccepting prevents new tasks from being submitted. Submits already in
// progress complete before workers are told to stop.
func (p *Pool) StopAccepting() {
	p.stopOnce.Do(func() {
		p.accepting.Store(false)
		close(p.stopping)

		p.submitMu.Lock()
		close(p.stopChan)
		p.submitMu.Unlock()
	})
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. After Drain returns, worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) error {
	p.StopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
		err = ctx.Err()
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
	return err
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
