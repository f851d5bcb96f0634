// Package dispatcher manages worker fan-out over the background task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/worker"
)

// DrainableQueue is a queue that can be closed, handing back unstarted tasks.
type DrainableQueue interface {
	crawler.Queue
	Close() []crawler.Task
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   DrainableQueue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher with n workers reading from queue.
func New(queue DrainableQueue, n int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n <= 0 {
		n = 1
	}
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(i, queue, logger))
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes. In-flight
// tasks see the cancellation and are awaited; queued tasks are aborted with
// a shutdown error.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	pending := d.queue.Close()
	wg.Wait()
	for _, task := range pending {
		task.Abort(&crawler.Error{Code: crawler.CodeShutdown, Message: "server shutting down", Err: ctx.Err()})
	}
	if len(pending) > 0 {
		d.logger.Info("aborted queued tasks on shutdown", zap.Int("count", len(pending)))
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task crawler.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
