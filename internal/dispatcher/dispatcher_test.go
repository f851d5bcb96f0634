package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/queue/memory"
)

type recordingTask struct {
	id    string
	block bool

	started chan struct{}
	mu      sync.Mutex
	ranErr  error
	aborted error
}

func newTask(id string, block bool) *recordingTask {
	return &recordingTask{id: id, block: block, started: make(chan struct{})}
}

func (t *recordingTask) ID() string { return t.id }

func (t *recordingTask) Run(ctx context.Context) error {
	close(t.started)
	var err error
	if t.block {
		<-ctx.Done()
		err = ctx.Err()
	}
	t.mu.Lock()
	t.ranErr = err
	t.mu.Unlock()
	return err
}

func (t *recordingTask) Abort(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = reason
}

func (t *recordingTask) result() (error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ranErr, t.aborted
}

func TestDispatcherRunsTasks(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(4)
	d := New(queue, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	task := newTask("phase-b", false)
	require.NoError(t, d.Enqueue(context.Background(), task))
	select {
	case <-task.started:
	case <-time.After(time.Second):
		t.Fatal("task was not started")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherShutdownCancelsAndAborts(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(4)
	d := New(queue, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	inFlight := newTask("in-flight", true)
	queued := newTask("queued", false)
	require.NoError(t, d.Enqueue(context.Background(), inFlight))

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	<-inFlight.started
	require.NoError(t, d.Enqueue(context.Background(), queued))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not await in-flight task")
	}

	ranErr, _ := inFlight.result()
	require.ErrorIs(t, ranErr, context.Canceled)

	_, aborted := queued.result()
	require.Error(t, aborted)
	require.Equal(t, crawler.CodeShutdown, crawler.CodeOf(aborted))

	err := d.Enqueue(context.Background(), newTask("late", false))
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

type errorQueue struct {
	err error
}

func (q errorQueue) Enqueue(context.Context, crawler.Task) error { return q.err }

func (q errorQueue) Dequeue(ctx context.Context) (crawler.Task, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q errorQueue) Close() []crawler.Task { return nil }

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	d := New(errorQueue{err: sentinel}, 1, nil)
	err := d.Enqueue(context.Background(), newTask("x", false))
	require.ErrorIs(t, err, sentinel)
	require.EqualError(t, err, "queue enqueue: boom")
}
