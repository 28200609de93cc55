/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package queue runs externally triggered operations one at a time, in
// the order they were enqueued, on a single worker goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrAborted  = errors.New("task aborted before it started")
	ErrShutdown = errors.New("command queue is shut down")
)

type task struct {
	run  func(ctx context.Context)
	fail func(err error)
}

// CommandQueue is a FIFO of tasks executed by exactly one worker.
type CommandQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []task
	paused   bool
	shutdown bool
	running  bool
	token    *FlowControlToken
	done     chan struct{}
	logger   *logrus.Entry
}

func New(logger *logrus.Logger) *CommandQueue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	q := &CommandQueue{
		token:  NewFlowControlToken(),
		done:   make(chan struct{}),
		logger: logger.WithField("component", "queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Token is the flow control token observed by running tasks.
func (q *CommandQueue) Token() *FlowControlToken { return q.token }

func (q *CommandQueue) worker() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.shutdown && (len(q.tasks) == 0 || q.paused) {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.running = true
		ctx := q.token.Context()
		q.mu.Unlock()

		q.execute(t, ctx)

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *CommandQueue) execute(t task, ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("task panicked: %v", r)
			t.fail(fmt.Errorf("task panicked: %v", r))
		}
	}()
	t.run(ctx)
}

func (q *CommandQueue) push(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		t.fail(ErrShutdown)
		return
	}
	q.tasks = append(q.tasks, t)
	q.cond.Broadcast()
}

// Pause lets the current task finish and holds the rest. Tasks checking
// the token block at their next checkpoint. It reports whether the queue
// was running before.
func (q *CommandQueue) Pause() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return false
	}
	q.paused = true
	q.token.SetPause(true)
	return true
}

// Resume reports whether the queue was paused before.
func (q *CommandQueue) Resume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return false
	}
	q.paused = false
	q.token.SetPause(false)
	q.cond.Broadcast()
	return true
}

// Abort drops every task not started yet, cancels the running one and
// waits for it to return. The queue accepts new tasks afterwards.
func (q *CommandQueue) Abort() {
	q.mu.Lock()
	dropped := q.tasks
	q.tasks = nil
	q.token.SetAbort()
	for q.running {
		q.cond.Wait()
	}
	q.token.Reset()
	if q.paused {
		q.token.SetPause(true)
	}
	q.mu.Unlock()

	for _, t := range dropped {
		t.fail(ErrAborted)
	}
	if len(dropped) > 0 {
		q.logger.Infof("dropped %d queued tasks", len(dropped))
	}
}

// Shutdown runs the queued tasks to completion and stops the worker.
func (q *CommandQueue) Shutdown() {
	q.mu.Lock()
	if !q.shutdown {
		q.shutdown = true
		q.paused = false
		q.token.SetPause(false)
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

// Future is the eventual result of an enqueued task.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
	}
	return false
}

// Get blocks until the result is available or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitFor waits at most d and reports whether the result is ready.
func (f *Future[T]) WaitFor(d time.Duration) bool {
	if d <= 0 {
		return f.Ready()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	}
}

// Result returns the value of a ready future.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(v, err)
	return f
}

// Enqueue schedules fn on q.
func Enqueue[T any](q *CommandQueue, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	var zero T
	q.push(task{
		run: func(ctx context.Context) {
			v, err := fn(ctx)
			f.complete(v, err)
		},
		fail: func(err error) { f.complete(zero, err) },
	})
	return f
}
