package workerpool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevklatman/distfs/internal/util/workerpool"
)

func TestPoolRunsTasks(t *testing.T) {
	p := workerpool.New("test", 2, 16, nil)
	defer p.Stop(time.Second)

	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(workerpool.Task{
			ID: "task",
			Fn: func(context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		}))
	}

	require.Eventually(t, func() bool {
		completed, _, _ := p.Counts()
		return completed == 5
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestPoolCountsFailures(t *testing.T) {
	p := workerpool.New("test", 1, 16, nil)
	defer p.Stop(time.Second)

	require.NoError(t, p.Submit(workerpool.Task{
		ID: "failing",
		Fn: func(context.Context) error { return errors.New("boom") },
	}))

	require.Eventually(t, func() bool {
		_, failed, _ := p.Counts()
		return failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolSurvivesPanic(t *testing.T) {
	p := workerpool.New("test", 1, 16, nil)
	defer p.Stop(time.Second)

	require.NoError(t, p.Submit(workerpool.Task{
		ID: "panicking",
		Fn: func(context.Context) error { panic("boom") },
	}))

	// The worker recovers and keeps serving.
	var ran int32
	require.NoError(t, p.Submit(workerpool.Task{
		ID: "after",
		Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	}))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := workerpool.New("test", 1, 1, nil)
	defer p.Stop(time.Second)

	block := make(chan struct{})
	defer close(block)

	// One task occupies the worker, one fills the queue.
	require.NoError(t, p.Submit(workerpool.Task{
		ID: "blocker",
		Fn: func(context.Context) error { <-block; return nil },
	}))
	// The worker may not have picked up the blocker yet, so fill until
	// rejection.
	assert.Eventually(t, func() bool {
		return p.Submit(workerpool.Task{
			ID: "overflow",
			Fn: func(context.Context) error { <-block; return nil },
		}) != nil
	}, time.Second, time.Millisecond)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := workerpool.New("test", 1, 16, nil)
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(workerpool.Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
}
