/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_OrderAndExclusion(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	var mu sync.Mutex
	var order []int
	var active, maxActive int32
	futures := make([]*Future[int], 0, 20)
	for i := range 20 {
		futures = append(futures, Enqueue(q, func(ctx context.Context) (int, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&active, -1)
			return i * 2, nil
		}))
	}
	for i, f := range futures {
		v, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i*2, v)
	}
	assert.Equal(t, int32(1), maxActive)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestCommandQueue_PauseResume(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	assert.True(t, q.Pause())
	assert.False(t, q.Pause())
	f := Enqueue(q, func(ctx context.Context) (string, error) { return "ran", nil })
	assert.False(t, f.WaitFor(50*time.Millisecond))

	assert.True(t, q.Resume())
	assert.False(t, q.Resume())
	require.True(t, f.WaitFor(time.Second))
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "ran", v)
}

func TestCommandQueue_Abort(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	started := make(chan struct{})
	running := Enqueue(q, func(ctx context.Context) (bool, error) {
		close(started)
		<-ctx.Done()
		return true, ctx.Err()
	})
	queued := Enqueue(q, func(ctx context.Context) (bool, error) { return true, nil })
	<-started

	q.Abort()
	_, err := running.Result()
	assert.ErrorIs(t, err, context.Canceled)
	_, err = queued.Result()
	assert.ErrorIs(t, err, ErrAborted)

	after := Enqueue(q, func(ctx context.Context) (bool, error) { return ctx.Err() == nil, nil })
	ok, err := after.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "tasks after an abort get a live context")
}

func TestCommandQueue_AbortWakesPausedTask(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	started := make(chan struct{})
	f := Enqueue(q, func(ctx context.Context) (bool, error) {
		close(started)
		for q.Token().CanContinue(true) {
			time.Sleep(time.Millisecond)
		}
		return false, nil
	})
	<-started
	q.Pause()
	q.Abort()
	require.True(t, f.WaitFor(time.Second))
}

func TestCommandQueue_ShutdownDrains(t *testing.T) {
	q := New(nil)
	var ran int32
	q.Pause()
	for range 5 {
		Enqueue(q, func(ctx context.Context) (struct{}, error) {
			atomic.AddInt32(&ran, 1)
			return struct{}{}, nil
		})
	}
	q.Shutdown()
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))

	_, err := Enqueue(q, func(ctx context.Context) (int, error) { return 1, nil }).Result()
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestCommandQueue_PanicRecovered(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	_, err := Enqueue(q, func(ctx context.Context) (int, error) { panic("boom") }).Result()
	assert.ErrorContains(t, err, "boom")

	v, err := Enqueue(q, func(ctx context.Context) (int, error) { return 7, nil }).Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFlowControlToken(t *testing.T) {
	tok := NewFlowControlToken()
	assert.True(t, tok.CanContinue(false))
	assert.True(t, tok.SetPause(true))
	assert.False(t, tok.CanContinue(false))
	assert.True(t, tok.SetAbort())
	assert.False(t, tok.SetPause(false))
	assert.Error(t, tok.Context().Err())
	tok.Reset()
	assert.True(t, tok.CanContinue(true))
	assert.NoError(t, tok.Context().Err())
}
