package scan

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// completionTask runs the background phase of one scan. It owns the fetch
// session and closes it exactly once, whether it runs or is aborted.
type completionTask struct {
	run    *run
	urls   []string
	onDone func()
	once   sync.Once
}

func newCompletionTask(r *run, urls []string, onDone func()) *completionTask {
	return &completionTask{run: r, urls: urls, onDone: onDone}
}

func (t *completionTask) ID() string { return t.run.snapshot.ID }

// Run fetches the remaining URLs and finishes the snapshot. A panic fails
// the snapshot with INTERNAL_ERROR.
func (t *completionTask) Run(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "scan.background_phase", trace.WithAttributes(
		attribute.String("scan.snapshot_id", t.run.snapshot.ID),
		attribute.Int("scan.urls", len(t.urls)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, crawler.CodeOf(err))
		}
		span.End()
	}()
	defer t.release()
	defer func() {
		if rec := recover(); rec != nil {
			err = t.run.fail(context.WithoutCancel(ctx), crawler.NewError(crawler.CodeInternal,
				fmt.Sprintf("background completion panicked: %v", rec)))
		}
	}()
	return t.run.phaseB(ctx, t.urls)
}

// Abort fails the snapshot without fetching.
func (t *completionTask) Abort(reason error) {
	defer t.release()
	if reason == nil {
		reason = shutdownError(nil)
	}
	_ = t.run.fail(context.Background(), reason)
}

func (t *completionTask) release() {
	t.once.Do(func() {
		if err := t.run.session.Close(); err != nil {
			t.run.logger.Warn("close fetch session", zap.Error(err))
		}
		if t.onDone != nil {
			t.onDone()
		}
	})
}
