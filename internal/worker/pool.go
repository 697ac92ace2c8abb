package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/metrics"
)

// Task is a unit of work run by a pool worker.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	queue         chan Task
	queueFullWait time.Duration

	// mu guards closed; Submit holds it shared so Shutdown cannot close the
	// queue under a pending send.
	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewPool(size, capacity int, queueFullWait time.Duration, log *zap.Logger, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	p := &Pool{
		queue:         make(chan Task, capacity),
		queueFullWait: queueFullWait,
		log:           log,
		metrics:       m,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		p.metrics.QueueDelta(-1)
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Error(fmt.Errorf("panic: %v", r)))
		}
	}()
	// tasks outlive Shutdown's deadline; running handlers are never interrupted
	task(context.Background())
}

// Submit queues task. When the queue is full it waits up to the configured
// time for room and reports false if none frees up or the pool is shut down.
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.queue <- task:
		p.metrics.QueueDelta(1)
		return true
	default:
	}
	if p.queueFullWait <= 0 {
		return false
	}

	t := time.NewTimer(p.queueFullWait)
	defer t.Stop()
	select {
	case p.queue <- task:
		p.metrics.QueueDelta(1)
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones to
// finish. When ctx ends first it returns ctx.Err() and stops waiting; the
// tasks still running keep going and their locks expire if they never finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int { return len(p.queue) }
