// Package pool provides the bounded worker pool nodes dispatch actions on.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrPoolFull    = errors.New("pool is full")
	ErrTaskTimeout = errors.New("task deadline exceeded")
	ErrTaskPanic   = errors.New("task panicked")
)

// Task is a unit of work. It must honour ctx cancellation.
type Task func(ctx context.Context) error

// GoroutinePool runs tasks on at most MaxWorkers goroutines. Workers are
// spawned on demand and exit after IdleTimeout, keeping one alive.
type GoroutinePool struct {
	maxWorkers  int
	taskQueue   chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	closeMu     sync.RWMutex
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type taskWrapper struct {
	task    Task
	ctx     context.Context
	timeout time.Duration
	result  chan error
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers   int           `yaml:"max_workers" json:"max_workers"`
	QueueSize    int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	PanicHandler func(any)     `yaml:"-" json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  32,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// Validate checks the configuration.
func (c GoroutinePoolConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	}
	return nil
}

// NewGoroutinePool creates a pool. Non-positive values fall back to the
// defaults.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize < 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	return &GoroutinePool{
		maxWorkers:   config.MaxWorkers,
		taskQueue:    make(chan taskWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit queues a task without waiting for it. It fails with ErrPoolFull
// when the queue is full and no worker can be added.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	return p.SubmitTimeout(ctx, 0, task)
}

// SubmitTimeout queues a task that runs under its own deadline. A task
// still running when timeout elapses is abandoned and counted as timed out;
// its context is cancelled so it can stop on its own.
func (p *GoroutinePool) SubmitTimeout(ctx context.Context, timeout time.Duration, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	w := taskWrapper{task: task, ctx: ctx, timeout: timeout}

	select {
	case p.taskQueue <- w:
		p.ensureWorker()
		return nil
	default:
	}

	// 队列已满，尝试扩容一个 worker 后再投递一次
	if p.trySpawnWorker() {
		select {
		case p.taskQueue <- w:
			return nil
		default:
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// SubmitWait queues a task and waits for its result.
func (p *GoroutinePool) SubmitWait(ctx context.Context, timeout time.Duration, task Task) error {
	p.closeMu.RLock()
	if p.closed.Load() {
		p.closeMu.RUnlock()
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	w := taskWrapper{task: task, ctx: ctx, timeout: timeout, result: make(chan error, 1)}

	select {
	case p.taskQueue <- w:
		p.ensureWorker()
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case w, ok := <-p.taskQueue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.execute(w)
			p.activeCount.Add(-1)

			switch {
			case err == nil:
				p.completed.Add(1)
			case errors.Is(err, ErrTaskTimeout):
				p.timedOut.Add(1)
				p.failed.Add(1)
			default:
				p.failed.Add(1)
			}
			if w.result != nil {
				w.result <- err
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

// execute runs one task, bounded by its timeout when one is set.
func (p *GoroutinePool) execute(w taskWrapper) error {
	if w.timeout <= 0 {
		return p.run(w.ctx, w.task)
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.run(ctx, w.task) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTaskTimeout, w.timeout)
		}
		return ctx.Err()
	}
}

func (p *GoroutinePool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(ctx)
}

// Close stops accepting tasks, drains the queue and waits for workers.
func (p *GoroutinePool) Close() {
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
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		TimedOut:  p.timedOut.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	TimedOut  int64 `json:"timed_out"`
}
