// Package pool provides a bounded worker pool for CPU-bound transforms
// (parsing, large-JSON processing). This package is internal and should not
// be imported by external projects.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrQueueFull   = errors.New("task queue full")
	ErrTaskTimeout = errors.New("task timed out")
)

// Task represents a unit of CPU-bound work.
type Task func(ctx context.Context) (any, error)

// Result carries a task outcome.
type Result struct {
	Value any
	Err   error
}

// Config configures the pool.
type Config struct {
	// Workers is the number of worker goroutines; 0 means runtime.NumCPU().
	Workers int `json:"workers"`
	// QueueSize bounds the pending-task queue; a full queue rejects
	// submissions with ErrQueueFull as backpressure.
	QueueSize int `json:"queue_size"`
	// DefaultTimeout applies to tasks submitted without an explicit timeout.
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		QueueSize:      256,
		DefaultTimeout: 10 * time.Second,
	}
}

// WorkerPool manages a fixed set of stateless, interchangeable workers.
// Task state never leaks between tasks: each wrapper owns its result
// channel exclusively from submission to completion or timeout.
type WorkerPool struct {
	workers   int
	taskQueue chan taskWrapper
	closed    atomic.Bool
	closeMu   sync.RWMutex // serializes Submit's send against Close closing taskQueue
	wg        sync.WaitGroup

	defaultTimeout time.Duration

	// Metrics
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
}

type taskWrapper struct {
	task    Task
	ctx     context.Context
	timeout time.Duration
	result  chan Result
}

// New creates a pool and starts its workers.
func New(cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	p := &WorkerPool{
		workers:        cfg.Workers,
		taskQueue:      make(chan taskWrapper, cfg.QueueSize),
		defaultTimeout: cfg.DefaultTimeout,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit enqueues a task. A full queue returns ErrQueueFull immediately —
// callers must treat it as backpressure, not retry in a tight loop.
func (p *WorkerPool) Submit(ctx context.Context, task Task, timeout time.Duration) (<-chan Result, error) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	wrapper := taskWrapper{
		task:    task,
		ctx:     ctx,
		timeout: timeout,
		result:  make(chan Result, 1),
	}

	select {
	case p.taskQueue <- wrapper:
		p.submitted.Add(1)
		return wrapper.result, nil
	default:
		p.rejected.Add(1)
		return nil, ErrQueueFull
	}
}

// SubmitWait enqueues a task and waits for its result.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task, timeout time.Duration) (any, error) {
	resultCh, err := p.Submit(ctx, task, timeout)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for wrapper := range p.taskQueue {
		p.active.Add(1)
		res := p.execute(wrapper)
		p.active.Add(-1)

		switch {
		case errors.Is(res.Err, ErrTaskTimeout):
			p.timedOut.Add(1)
		case res.Err != nil:
			p.failed.Add(1)
		default:
			p.completed.Add(1)
		}

		wrapper.result <- res
	}
}

// execute runs the task with a deadline. On timeout the worker slot is
// reclaimed for the next queued task; the underlying work is abandoned,
// not forcibly killed — cooperative cancellation happens through ctx.
func (p *WorkerPool) execute(wrapper taskWrapper) Result {
	ctx, cancel := context.WithTimeout(wrapper.ctx, wrapper.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Err: errors.New("task panicked")}
			}
		}()
		v, err := wrapper.task(ctx)
		done <- Result{Value: v, Err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Err: ErrTaskTimeout}
		}
		return Result{Err: ctx.Err()}
	}
}

// Close stops accepting tasks and waits for workers to drain the queue.
// The write lock waits out any in-flight Submit before the channel closes,
// so a concurrent Submit can never send on a closed queue.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	close(p.taskQueue)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	workers := p.workers
	active := int(p.active.Load())

	s := PoolStats{
		Workers:   workers,
		Active:    active,
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		TimedOut:  p.timedOut.Load(),
	}
	if workers > 0 {
		s.Utilization = float64(active) / float64(workers)
	}
	return s
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Workers     int     `json:"workers"`
	Active      int     `json:"active"`
	Queued      int     `json:"queued"`
	Submitted   int64   `json:"submitted"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Rejected    int64   `json:"rejected"`
	TimedOut    int64   `json:"timed_out"`
	Utilization float64 `json:"utilization"`
}
