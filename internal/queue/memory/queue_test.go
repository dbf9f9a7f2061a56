package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	run := crawler.QueueItem{RunID: "run-1", Params: crawler.RunParameters{Sources: []string{"central"}}}
	require.NoError(t, q.Enqueue(context.Background(), run))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, run, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return run")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := NewQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), crawler.QueueItem{RunID: "primed"}))
	err = full.Enqueue(ctx, crawler.QueueItem{RunID: "blocked"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueTryEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(crawler.QueueItem{RunID: "a"}))
	require.ErrorIs(t, q.TryEnqueue(crawler.QueueItem{RunID: "b"}), crawler.ErrQueueFull)
	require.Equal(t, 1, q.Len())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "pending"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "late"}), crawler.ErrQueueClosed)
	require.ErrorIs(t, q.TryEnqueue(crawler.QueueItem{RunID: "late"}), crawler.ErrQueueClosed)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pending", item.RunID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}
