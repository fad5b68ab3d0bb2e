// Package workers provides a bounded worker pool for computations that must
// not run on the event-loop tasks, such as transaction-graph analysis.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name       string
	NumWorkers int
	QueueSize  int
}

// DefaultPoolConfig bounds concurrency to the CPU count.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
		QueueSize:  1024,
	}
}

// Pool runs submitted tasks on a fixed set of goroutines.
type Pool struct {
	logger *zap.Logger
	cfg    PoolConfig

	queue   chan Task
	wg      sync.WaitGroup
	running atomic.Bool
	cancel  context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates the pool; Start must be called before Submit.
func NewPool(logger *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pool{
		logger: logger,
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started",
		zap.String("pool", p.cfg.Name),
		zap.Int("workers", p.cfg.NumWorkers),
	)
}

// Stop cancels in-flight tasks and waits for workers to exit.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.failed.Add(1)
						p.logger.Error("worker panic",
							zap.String("pool", p.cfg.Name),
							zap.Any("panic", r),
						)
					}
				}()
				if err := task.Execute(ctx); err != nil {
					p.failed.Add(1)
					p.logger.Debug("task failed",
						zap.String("pool", p.cfg.Name),
						zap.Error(err),
					)
					return
				}
				p.completed.Add(1)
			}()
		}
	}
}

// Submit enqueues a task, failing fast when the queue is full.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("pool %s not running", p.cfg.Name)
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return fmt.Errorf("pool %s queue full", p.cfg.Name)
	}
}

// Completed reports finished tasks.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed reports tasks that errored or panicked.
func (p *Pool) Failed() int64 { return p.failed.Load() }
