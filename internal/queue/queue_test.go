package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/errtax"
)

func TestEnqueueBeforeStartDoesNotRun(t *testing.T) {
	q := New(2)
	ran := int32(0)
	h := q.Enqueue(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, "")

	select {
	case <-h.Done:
		t.Fatal("task ran before Start")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))

	q.Start(context.Background())
	require.NoError(t, <-h.Done)
	q.Stop()
	q.Wait()
}

func TestBoundedConcurrency(t *testing.T) {
	q := New(2)
	var current, max int32
	const n = 6

	handles := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		handles = append(handles, q.Enqueue(func(ctx context.Context) error {
			c := atomic.AddInt32(&current, 1)
			for {
				m := atomic.LoadInt32(&max)
				if c <= m || atomic.CompareAndSwapInt32(&max, m, c) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		}, ""))
	}

	q.Start(context.Background())
	for _, h := range handles {
		require.NoError(t, <-h.Done)
	}
	q.Stop()
	q.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&max), int32(2))
	assert.EqualValues(t, 2, atomic.LoadInt32(&max))
}

func TestClearRejectsOnlyQueuedTasks(t *testing.T) {
	q := New(1)
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := q.Enqueue(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, "")
	queued := q.Enqueue(func(ctx context.Context) error { return nil }, "")

	q.Start(context.Background())
	<-started

	q.Clear()

	err := <-queued.Done
	require.Error(t, err)
	assert.True(t, errtax.IsCancelled(err))

	assert.Equal(t, 1, q.Size()) // one still-running task survives Clear

	close(release)
	require.NoError(t, <-blocking.Done)
	q.Stop()
	q.Wait()
	assert.Equal(t, 0, q.Size())
}

func TestEnqueueAfterStoppedIsCancelledImmediately(t *testing.T) {
	q := New(1)
	q.Start(context.Background())
	q.Stop()
	q.Wait()

	h := q.Enqueue(func(ctx context.Context) error { return nil }, "")
	err := <-h.Done
	require.Error(t, err)
	assert.True(t, errtax.IsCancelled(err))
}
