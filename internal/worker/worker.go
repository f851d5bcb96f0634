// Package worker runs background scan tasks pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
)

// ErrPanic wraps a recovered task panic.
var ErrPanic = errors.New("task panicked")

// Worker consumes queue tasks one at a time.
type Worker struct {
	id     int
	queue  crawler.Queue
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run dequeues and executes tasks until the context ends or the queue
// closes. A task dequeued after cancellation is aborted, not run.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Debug("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			task.Abort(&crawler.Error{Code: crawler.CodeShutdown, Message: "worker shutting down", Err: ctx.Err()})
			return
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, task crawler.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	logger := w.logger.With(zap.String("task_id", task.ID()))
	logger.Debug("task started")

	err := runSafely(ctx, task)
	switch {
	case errors.Is(err, ErrPanic):
		logger.Error("task panicked", zap.Error(err))
		task.Abort(err)
	case err != nil:
		logger.Warn("task failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
	default:
		logger.Info("task finished", zap.Duration("duration", time.Since(start)))
	}
}

func runSafely(ctx context.Context, task crawler.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task.Run(ctx)
}
