package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubTask struct {
	id      string
	aborted error
}

func (t *stubTask) ID() string                { return t.id }
func (t *stubTask) Run(context.Context) error { return nil }
func (t *stubTask) Abort(reason error)        { t.aborted = reason }

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		task, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- task.ID()
	}()

	require.NoError(t, q.Enqueue(context.Background(), &stubTask{id: "task-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "task-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), &stubTask{id: "primed"}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = qEnqueue.Enqueue(ctx, &stubTask{id: "blocked"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, qEnqueue.Len())
}

func TestQueueCloseReturnsPending(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	require.NoError(t, q.Enqueue(context.Background(), &stubTask{id: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), &stubTask{id: "b"}))

	pending := q.Close()
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].ID())
	require.Empty(t, q.Close())

	err := q.Enqueue(context.Background(), &stubTask{id: "late"})
	require.ErrorIs(t, err, ErrClosed)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseUnblocksFullEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), &stubTask{id: "full"}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(context.Background(), &stubTask{id: "waiting"})
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("enqueue stayed blocked after close")
	}
}
