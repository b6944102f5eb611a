package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work, such as a read repair or a
// re-replication.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Pool runs background tasks on a bounded set of goroutines so repair
// work can never starve request handling of scheduler time.
type Pool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}

	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts a pool with the given worker count and queue depth.
func New(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:      name,
		taskQueue: make(chan Task, queueSize),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.failed, 1)
			p.logger.Error("task panicked",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if err := task.Fn(context.Background()); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("task failed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

// Submit queues a task without blocking. Returns an error when the
// queue is full or the pool is stopped; callers treat that as a dropped
// best-effort task.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("pool %q is stopped", p.name)
	default:
	}

	select {
	case p.taskQueue <- task:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("pool %q queue is full", p.name)
	}
}

// Stop drains workers, waiting up to timeout for in-flight tasks.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("pool %q stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Counts returns completed, failed and rejected task totals.
func (p *Pool) Counts() (completed, failed, rejected uint64) {
	return atomic.LoadUint64(&p.completed),
		atomic.LoadUint64(&p.failed),
		atomic.LoadUint64(&p.rejected)
}
