package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 64}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		res, err := pool.SubmitWait(context.Background(), &Task{ID: fmt.Sprint(i), Payload: i})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), res.TaskID)
		assert.Equal(t, i*2, res.Data)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	pool, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 3, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			if atomic.AddInt32(&calls, 1) < 3 {
				return &Result{Error: errors.New("transient")}
			}
			return &Result{Success: true}
		}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestNonRetryableFailsFast(t *testing.T) {
	permanent := errors.New("permanent")
	var calls int32
	pool, err := New(Config{
		Workers: 1, QueueSize: 1, MaxRetries: 5, RetryDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Error: permanent}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, permanent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(&Task{ID: "late"}), ErrStopped)
	assert.NoError(t, pool.Stop())
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&Task{ID: "running"}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(&Task{ID: "queued"}))
	assert.ErrorIs(t, pool.Submit(&Task{ID: "rejected"}), ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop())
}
