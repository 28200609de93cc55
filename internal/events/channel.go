/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const defaultBuffer = 64

// Handler is called synchronously for every published event.
type Handler func(Event)

type subscriber struct {
	id      int
	ch      chan Event
	handler Handler
}

// Channel fans events out to registered handlers and channel subscribers.
type Channel struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID int
	closed bool
	logger *logrus.Entry
}

func NewChannel(logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Channel{logger: logger.WithField("component", "events")}
}

func (c *Channel) add(s subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s.id = c.nextID
	c.subs = append(c.subs, s)
	return func() { c.remove(s.id) }
}

func (c *Channel) remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id != id {
			continue
		}
		if s.ch != nil && !c.closed {
			close(s.ch)
		}
		c.subs = append(c.subs[:i], c.subs[i+1:]...)
		return
	}
}

// Connect registers h and returns a function removing it.
func (c *Channel) Connect(h Handler) func() {
	return c.add(subscriber{handler: h})
}

// Subscribe returns a buffered channel receiving every event published
// from now on. A subscriber that lets the buffer fill up misses events.
func (c *Channel) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	return ch, c.add(subscriber{ch: ch})
}

func (c *Channel) Publish(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	for _, s := range c.subs {
		if s.handler != nil {
			s.handler(ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			c.logger.Warnf("subscriber %d is full, dropping %s", s.id, ev.Name())
		}
	}
}

// Close closes every subscribed channel. Later events are discarded.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.subs {
		if s.ch != nil {
			close(s.ch)
		}
	}
	c.subs = nil
}

// LogHandler logs every event at info level, with its summary when it has
// one. Progress reports are logged at debug level.
func LogHandler(logger *logrus.Logger) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "events")
	return func(ev Event) {
		msg := "Event: " + ev.Name()
		if s := Summary(ev); s != "" {
			msg += ", " + s
		}
		if _, ok := ev.(DownloadProgressReport); ok {
			entry.Debug(msg)
			return
		}
		entry.Info(msg)
	}
}
