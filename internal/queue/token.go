/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package queue

import (
	"context"
	"sync"
)

type flowState int

const (
	flowRunning flowState = iota
	flowPaused
	flowAborted
)

// FlowControlToken lets long running tasks observe pause and abort
// requests at their checkpoints.
type FlowControlToken struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  flowState
	ctx    context.Context
	cancel context.CancelFunc
}

func NewFlowControlToken() *FlowControlToken {
	t := &FlowControlToken{}
	t.cond = sync.NewCond(&t.mu)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// SetPause pauses or resumes. It reports whether the state changed; an
// aborted token cannot be paused.
func (t *FlowControlToken) SetPause(pause bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case pause && t.state == flowRunning:
		t.state = flowPaused
	case !pause && t.state == flowPaused:
		t.state = flowRunning
		t.cond.Broadcast()
	default:
		return false
	}
	return true
}

// SetAbort aborts the token and cancels its context.
func (t *FlowControlToken) SetAbort() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == flowAborted {
		return false
	}
	t.state = flowAborted
	t.cancel()
	t.cond.Broadcast()
	return true
}

// Reset makes an aborted token usable again with a fresh context.
func (t *FlowControlToken) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != flowAborted {
		return
	}
	t.state = flowRunning
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

// CanContinue reports whether work may proceed. With wait set it blocks
// while the token is paused.
func (t *FlowControlToken) CanContinue(wait bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for wait && t.state == flowPaused {
		t.cond.Wait()
	}
	return t.state == flowRunning
}

func (t *FlowControlToken) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == flowAborted
}

func (t *FlowControlToken) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == flowPaused
}

// Context is cancelled when the token is aborted.
func (t *FlowControlToken) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}
